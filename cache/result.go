package cache

import "time"

// FetchStatus describes the fetch lifecycle of a cache entry.
type FetchStatus int

const (
	// FetchIdle means no fetch is running for the entry.
	FetchIdle FetchStatus = iota
	// Fetching means a fetch is currently in flight.
	Fetching
	// FetchError means the most recent fetch failed.
	FetchError
)

func (s FetchStatus) String() string {
	switch s {
	case FetchIdle:
		return "idle"
	case Fetching:
		return "fetching"
	case FetchError:
		return "error"
	default:
		return "unknown"
	}
}

// State is the tagged variant a Lookup resolves to. Modeling the lookup
// outcome as a variant rather than a set of flags keeps the out-of-order
// rejection rule mechanically checkable in tests.
type State int

const (
	// StateFresh means the data was fetched within its staleTime window.
	StateFresh State = iota
	// StateStale means the data is servable but outdated; a background
	// refetch runs on next observation.
	StateStale
	// StateError means the last fetch failed; Data still holds the
	// last-known-good value when one exists.
	StateError
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is the outcome of a cache lookup.
type Result struct {
	State      State
	Data       any
	Refreshing bool
	Err        error
}

// EntrySnapshot is an exported view of a cache entry, used by the optional
// warm-start persistence layer.
type EntrySnapshot struct {
	Key       Key
	Data      any
	FetchedAt time.Time
}
