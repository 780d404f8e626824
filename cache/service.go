package cache

import (
	"context"
	"time"
)

// FetchFn is the function signature the Store expects when fetching from the
// source of truth. Fetchers are opaque: the Store only observes their
// success/failure outcome and returned data.
type FetchFn[T any] func(ctx context.Context) (T, error)

// EntryOptions carries the per-key freshness configuration.
type EntryOptions struct {
	// StaleTime is how long fetched data counts as fresh. Zero means the
	// entry is always stale and every observation revalidates.
	StaleTime time.Duration

	// GCTime is how long an unobserved entry survives before removal.
	GCTime time.Duration

	// RefetchInterval, when positive, refetches the entry in the background
	// on this period while at least one observer is attached.
	RefetchInterval time.Duration
}

// Store keeps query results coherent with the remote data store. All methods
// are safe for concurrent use.
type Store interface {
	// Lookup returns the entry for the key without side effects.
	Lookup(key Key) (Result, bool)

	// EnsureFresh returns data for the key. Fresh entries are served
	// directly; stale entries are served immediately while a background
	// refetch runs (stale-while-revalidate); absent entries block on the
	// fetch. Concurrent calls for the same key share a single in-flight
	// fetch.
	EnsureFresh(ctx context.Context, key Key, fetch func(context.Context) (any, error), opts EntryOptions) (any, error)

	// Set overwrites the entry's data and resets its freshness, seeding the
	// cache from a write result without a round-trip read.
	Set(key Key, data any)

	// Seed inserts an entry with an explicit fetch time, used by warm-start
	// persistence. Seeded entries are typically already stale.
	Seed(key Key, data any, fetchedAt time.Time)

	// MarkStale makes every entry under the prefix stale without removing
	// data or triggering a fetch.
	MarkStale(prefix Key)

	// Refresh eagerly refetches every currently observed entry under the
	// prefix. Unobserved entries stay stale until next access.
	Refresh(ctx context.Context, prefix Key)

	// Remove deletes every entry under the prefix unconditionally.
	Remove(prefix Key)

	// Attach registers an observer for the key. Detach unregisters it; when
	// the last observer detaches, the entry is removed after its GCTime
	// unless re-attached first.
	Attach(key Key)
	Detach(key Key)

	// Entries exports a snapshot of every entry currently holding data.
	Entries() []EntrySnapshot

	// Close cancels outstanding timers and background refetches.
	Close()
}

// EnsureFresh is the type-safe wrapper over Store.EnsureFresh.
func EnsureFresh[T any](ctx context.Context, s Store, key Key, fetch FetchFn[T], opts EntryOptions) (T, error) {
	result, err := s.EnsureFresh(ctx, key, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	}, opts)
	if err != nil {
		var zero T
		return zero, err
	}
	typed, ok := result.(T)
	if !ok {
		var zero T
		// A nil any arrives when T is an interface or pointer type and the
		// fetcher legitimately returned nil.
		if result == nil {
			return zero, nil
		}
		return zero, ErrInvalidResultType
	}
	return typed, nil
}
