package models

// Tier names the fallback level that produced a response.
type Tier string

const (
	TierLive  Tier = "live"
	TierCache Tier = "cache"
	TierStale Tier = "stale"
	TierLocal Tier = "local"
	TierEmpty Tier = "empty"
)

// State is the per-resource cache state.
//
//	empty -> fresh -> stale -> fresh | degraded -> fresh
//
// stale and degraded still serve; they only annotate responses.
type State string

const (
	StateEmpty    State = "empty"
	StateFresh    State = "fresh"
	StateStale    State = "stale"
	StateDegraded State = "degraded"
)
