// Package engine implements the sync core: push phases, pull phases, and
// the orchestrator that runs one full cycle against the remote provider.
//
// A cycle runs auth, then the push phases in fixed order (calendar events,
// provider tasks, scheduled items), reloads the link table, then the pull
// phases (events, tasks). Phase outcomes are tagged results, not panics:
// per-item failures are aggregated and never stop sibling items, while
// rate-limit, missing-provider-token and auth-abort conditions halt the
// remaining phases of the cycle.
//
// Conflict resolution is last-writer-wins on the updated timestamps. The
// exact-tie case is a configuration choice (TiePolicy) because wall clocks
// on two sides can legitimately collide.
package engine
