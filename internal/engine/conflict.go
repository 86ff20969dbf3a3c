package engine

import "time"

// TiePolicy decides what happens when local and remote updated timestamps
// are exactly equal. The default treats a tie as "neither side has new
// information"; clock skew can produce identical stamps for different
// content, so the resolution is configurable rather than hardcoded.
type TiePolicy string

const (
	// TieNoChange leaves both sides untouched on an exact tie (default).
	TieNoChange TiePolicy = "no-change"
	// TiePreferRemote overwrites local fields from remote on a tie.
	TiePreferRemote TiePolicy = "prefer-remote"
	// TiePreferLocal keeps local fields and re-sends them on a tie.
	TiePreferLocal TiePolicy = "prefer-local"
)

// Valid reports whether the policy is one of the known values.
func (p TiePolicy) Valid() bool {
	switch p {
	case TieNoChange, TiePreferRemote, TiePreferLocal:
		return true
	}
	return false
}

// Resolution is the outcome of comparing local and remote timestamps.
type Resolution int

const (
	// ResolutionNoChange means neither side wins; nothing is written.
	ResolutionNoChange Resolution = iota
	// ResolutionApplyRemote means remote is newer: overwrite local
	// fields, clear the dirty bit, stamp updated_at from remote.
	ResolutionApplyRemote
	// ResolutionKeepLocal means local is newer: leave fields untouched
	// and ensure the dirty bit is set so the next push re-sends them.
	ResolutionKeepLocal
)

// Resolve applies the last-writer-wins law to a pair of timestamps.
func Resolve(localUpdated, remoteUpdated time.Time, tie TiePolicy) Resolution {
	switch {
	case remoteUpdated.After(localUpdated):
		return ResolutionApplyRemote
	case localUpdated.After(remoteUpdated):
		return ResolutionKeepLocal
	}

	switch tie {
	case TiePreferRemote:
		return ResolutionApplyRemote
	case TiePreferLocal:
		return ResolutionKeepLocal
	default:
		return ResolutionNoChange
	}
}
