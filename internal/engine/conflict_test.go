package engine

import (
	"testing"
	"time"
)

func TestResolve(t *testing.T) {
	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		local  time.Time
		remote time.Time
		tie    TiePolicy
		want   Resolution
	}{
		{"remote newer", base, base.Add(time.Second), TieNoChange, ResolutionApplyRemote},
		{"local newer", base.Add(time.Second), base, TieNoChange, ResolutionKeepLocal},
		{"tie default", base, base, TieNoChange, ResolutionNoChange},
		{"tie prefer remote", base, base, TiePreferRemote, ResolutionApplyRemote},
		{"tie prefer local", base, base, TiePreferLocal, ResolutionKeepLocal},
		{"tie unset policy", base, base, "", ResolutionNoChange},
		{"remote newer ignores tie policy", base, base.Add(time.Minute), TiePreferLocal, ResolutionApplyRemote},
		{"local newer ignores tie policy", base.Add(time.Minute), base, TiePreferRemote, ResolutionKeepLocal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Resolve(tt.local, tt.remote, tt.tie); got != tt.want {
				t.Errorf("Resolve(%v, %v, %q) = %v, want %v",
					tt.local, tt.remote, tt.tie, got, tt.want)
			}
		})
	}
}

func TestTiePolicyValid(t *testing.T) {
	for _, p := range []TiePolicy{TieNoChange, TiePreferRemote, TiePreferLocal} {
		if !p.Valid() {
			t.Errorf("%q should be valid", p)
		}
	}
	if TiePolicy("newest-wins").Valid() {
		t.Error("unknown policy accepted")
	}
}
