// Package cache defines the public surface of the client-side sync cache:
// hierarchical query keys, the Store interface, lookup result variants,
// freshness presets and the retry policy.
//
// # Overview
//
// The cache keeps an in-memory result set coherent with a remote data store
// that changes both through local writes and through out-of-band push
// notifications. Reads go through Store.EnsureFresh, which serves fresh data
// directly, serves stale data while revalidating in the background, and
// coalesces concurrent fetches for the same key into one network operation.
//
// # Query keys
//
// Keys are ordered segment sequences forming a prefix hierarchy:
//
//	cache.NewKey("report", "detail", "r1")
//	cache.NewKey("report", "byProject", "p9")
//	cache.NewKey("workorder", "list", Filter{Status: "open"})
//
// Invalidating a shorter prefix covers every key that extends it. Filter
// structs and maps serialize deterministically, so structurally equal
// arguments always address the same entry.
//
// # Freshness
//
// Each entry carries a staleTime (how long data counts as fresh) and a
// gcTime (how long an unobserved entry survives). Four named presets cover
// the usual data classes: PresetStatic, PresetDynamic, PresetCritical and
// PresetRealtime.
//
// # Error handling
//
// Fetch errors never clear previously cached data; the last-known-good value
// stays servable and the error is attached to the entry. Authorization
// failures (HTTP 401/403) are surfaced immediately and never retried;
// transient failures retry with capped exponential backoff per RetryPolicy.
//
// # See also
//
// The invalidation package maps change notifications to key prefixes, the
// realtime package supervises push subscriptions, and the syncer package
// owns connectivity tracking and the periodic full resync.
package cache
