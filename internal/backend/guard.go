// Package backend holds the managed-backend collaborators the sync engine
// depends on: session refresh and the auth circuit breaker.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultAuthFailureThreshold is how many consecutive backend-auth
// failures trip the circuit breaker.
const DefaultAuthFailureThreshold = 3

// ErrAuthAborted is raised once the consecutive backend-auth failure
// counter reaches the threshold. It halts the current cycle and stays
// tripped across cycles until a session refresh succeeds.
var ErrAuthAborted = errors.New("backend: auth aborted after repeated session failures")

// ErrSyncDisabled is returned when the manual kill switch is engaged.
var ErrSyncDisabled = errors.New("backend: sync disabled by kill switch")

// SessionClient refreshes the backend session. Implemented by the app's
// backend client; faked in tests.
type SessionClient interface {
	RefreshSession(ctx context.Context) error
}

// Guard tracks backend-auth health and the manual kill switch.
//
// The failure counter is process-wide and survives across cycles; any
// successful session check resets it to zero. Provider-token problems are
// a different condition (provider.ErrNoAccessToken) and never touch this
// counter.
type Guard struct {
	threshold int

	mu       sync.Mutex
	failures int

	disabled atomic.Bool
}

// NewGuard creates a guard. A threshold of zero selects the default.
func NewGuard(threshold int) *Guard {
	if threshold <= 0 {
		threshold = DefaultAuthFailureThreshold
	}
	return &Guard{threshold: threshold}
}

// EnsureSession refreshes the backend session through the client and
// updates the breaker. Returns ErrAuthAborted (wrapping the underlying
// error) once the consecutive-failure threshold is reached.
func (g *Guard) EnsureSession(ctx context.Context, client SessionClient) error {
	if err := client.RefreshSession(ctx); err != nil {
		g.mu.Lock()
		g.failures++
		failures := g.failures
		g.mu.Unlock()

		if failures >= g.threshold {
			return fmt.Errorf("%w (%d consecutive failures): %v", ErrAuthAborted, failures, err)
		}
		return fmt.Errorf("backend session refresh failed (%d/%d): %w", failures, g.threshold, err)
	}

	g.ResetFailures()
	return nil
}

// ResetFailures clears the consecutive-failure counter.
func (g *Guard) ResetFailures() {
	g.mu.Lock()
	g.failures = 0
	g.mu.Unlock()
}

// Failures returns the current consecutive-failure count.
func (g *Guard) Failures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures
}

// Disable engages the manual kill switch. No new cycle starts while it is
// set; an in-flight cycle is not interrupted.
func (g *Guard) Disable() {
	g.disabled.Store(true)
}

// Enable releases the kill switch.
func (g *Guard) Enable() {
	g.disabled.Store(false)
}

// Disabled reports whether the kill switch is engaged.
func (g *Guard) Disabled() bool {
	return g.disabled.Load()
}
