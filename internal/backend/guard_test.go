package backend

import (
	"context"
	"errors"
	"testing"
)

// fakeSession fails a fixed number of times before succeeding.
type fakeSession struct {
	calls    int
	failures int
}

func (f *fakeSession) RefreshSession(ctx context.Context) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("401 unauthorized")
	}
	return nil
}

func TestGuardTripsAtThreshold(t *testing.T) {
	g := NewGuard(3)
	ctx := context.Background()
	session := &fakeSession{failures: 10}

	for i := 1; i <= 2; i++ {
		err := g.EnsureSession(ctx, session)
		if err == nil {
			t.Fatalf("attempt %d: expected an error", i)
		}
		if errors.Is(err, ErrAuthAborted) {
			t.Fatalf("attempt %d: breaker tripped before the threshold", i)
		}
	}

	err := g.EnsureSession(ctx, session)
	if !errors.Is(err, ErrAuthAborted) {
		t.Fatalf("attempt 3: error = %v, want ErrAuthAborted", err)
	}
	if g.Failures() != 3 {
		t.Errorf("Failures = %d, want 3", g.Failures())
	}

	// Stays tripped on later cycles while the failures continue.
	if err := g.EnsureSession(ctx, session); !errors.Is(err, ErrAuthAborted) {
		t.Errorf("attempt 4: error = %v, want ErrAuthAborted", err)
	}
}

func TestGuardResetsOnSuccess(t *testing.T) {
	g := NewGuard(3)
	ctx := context.Background()

	session := &fakeSession{failures: 2}
	for i := 0; i < 2; i++ {
		if err := g.EnsureSession(ctx, session); err == nil {
			t.Fatal("expected a failure")
		}
	}
	if g.Failures() != 2 {
		t.Fatalf("Failures = %d, want 2", g.Failures())
	}

	// Third call succeeds and clears the counter.
	if err := g.EnsureSession(ctx, session); err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	if g.Failures() != 0 {
		t.Errorf("Failures = %d after success, want 0", g.Failures())
	}
}

func TestGuardDefaultThreshold(t *testing.T) {
	g := NewGuard(0)
	ctx := context.Background()
	session := &fakeSession{failures: 10}

	var tripped int
	for i := 1; i <= DefaultAuthFailureThreshold; i++ {
		if errors.Is(g.EnsureSession(ctx, session), ErrAuthAborted) {
			tripped = i
			break
		}
	}
	if tripped != DefaultAuthFailureThreshold {
		t.Errorf("tripped at attempt %d, want %d", tripped, DefaultAuthFailureThreshold)
	}
}

func TestKillSwitch(t *testing.T) {
	g := NewGuard(3)

	if g.Disabled() {
		t.Error("guard disabled at construction")
	}
	g.Disable()
	if !g.Disabled() {
		t.Error("Disable did not engage")
	}
	g.Enable()
	if g.Disabled() {
		t.Error("Enable did not release")
	}
}
