// Package syncer owns connectivity tracking and the periodic full resync.
//
// The Monitor consumes online/offline transitions from an injectable
// ConnectivityProvider, surfaces user-visible notices, and triggers a sync
// when connectivity returns. The Scheduler guards a single process-wide
// Session record: it probes the backend for reachability, then requests an
// active invalidation of every entity domain so currently observed views
// refresh. At most one sync runs at a time; a RequestSync while one is in
// flight is a no-op.
//
// Offline behavior is read-only: cached data stays servable, and writes are
// rejected with cache.ErrOffline rather than queued.
package syncer
