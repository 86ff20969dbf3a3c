package engine

import (
	"errors"
	"time"

	"github.com/keepstack/keepsync/internal/backend"
	"github.com/keepstack/keepsync/internal/provider"
)

// Status tags a phase outcome so callers branch on data instead of
// unwinding control flow through error types.
type Status int

const (
	// StatusOK means the phase ran to completion with no errors.
	StatusOK Status = iota
	// StatusPartialFailure means some items failed but the phase finished.
	StatusPartialFailure
	// StatusAuthAbort means the backend-auth circuit breaker tripped.
	StatusAuthAbort
	// StatusRateLimited means the provider throttled us mid-phase.
	StatusRateLimited
	// StatusNoAccessToken means no provider token was available.
	StatusNoAccessToken
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusPartialFailure:
		return "partial_failure"
	case StatusAuthAbort:
		return "auth_abort"
	case StatusRateLimited:
		return "rate_limited"
	case StatusNoAccessToken:
		return "no_access_token"
	default:
		return "unknown"
	}
}

// Fatal reports whether this status halts the remaining phases of a cycle.
func (s Status) Fatal() bool {
	switch s {
	case StatusAuthAbort, StatusRateLimited, StatusNoAccessToken:
		return true
	}
	return false
}

// statusOf classifies an error into the phase status taxonomy.
func statusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, provider.ErrRateLimited):
		return StatusRateLimited
	case errors.Is(err, provider.ErrNoAccessToken):
		return StatusNoAccessToken
	case errors.Is(err, backend.ErrAuthAborted):
		return StatusAuthAbort
	default:
		return StatusPartialFailure
	}
}

// PhaseResult is the outcome of one push or pull phase.
type PhaseResult struct {
	Name   string   `json:"name"`
	Status Status   `json:"status"`
	Pushed int      `json:"pushed"`
	Pulled int      `json:"pulled"`
	Errors []string `json:"errors,omitempty"`
}

// SyncResult aggregates one full cycle.
//
// Success means every phase ran; Errors may still carry per-item failures.
// Aborted means an auth/rate-limit/no-token condition halted the cycle
// with partial work preserved. Skipped means the cycle never started
// (kill switch, or another cycle already in flight).
type SyncResult struct {
	Success bool `json:"success"`
	Aborted bool `json:"aborted"`
	Skipped bool `json:"skipped"`

	Phases      []PhaseResult `json:"phases,omitempty"`
	TotalPushed int           `json:"total_pushed"`
	TotalPulled int           `json:"total_pulled"`
	Errors      []string      `json:"errors,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// RateLimited reports whether the cycle aborted on provider throttling,
// so the scheduler can back off before the next attempt.
func (r *SyncResult) RateLimited() bool {
	for _, p := range r.Phases {
		if p.Status == StatusRateLimited {
			return true
		}
	}
	return false
}
