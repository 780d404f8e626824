// Package cachestore implements the in-memory query result store behind the
// cache.Store interface.
package cachestore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"

	"github.com/fieldledger/go-sync-cache/cache"
)

// entry is the unit of storage. Every mutable field is guarded by mu.
//
// Fetches are ordered per key: each fetch takes a sequence number when it
// starts, and a completion is applied only when its sequence number exceeds
// the last applied one. An older response arriving after a newer one is
// discarded instead of overwriting newer data.
type entry struct {
	mu sync.Mutex

	key  cache.Key
	opts cache.EntryOptions

	data      any
	hasData   bool
	fetchedAt time.Time

	observers int
	status    cache.FetchStatus
	lastErr   error

	appliedSeq uint64
	nextSeq    uint64

	// fetch is the most recent fetcher seen for this key, kept so active
	// invalidation can refetch without caller involvement.
	fetch func(context.Context) (any, error)

	gcTimer     clockwork.Timer
	stopRefetch chan struct{}
}

// Store is the concrete cache.Store. The entry map is a sharded concurrent
// map; per-entry state is guarded by the entry mutex, and in-flight fetches
// are coalesced per key through a singleflight group.
type Store struct {
	entries  *xsync.MapOf[string, *entry]
	group    singleflight.Group
	clock    clockwork.Clock
	retry    cache.RetryPolicy
	defaults cache.EntryOptions
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

var _ cache.Store = (*Store)(nil)

// New constructs a Store from the top-level configuration.
func New(cfg cache.Config, clock clockwork.Clock, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		entries: xsync.NewMapOf[string, *entry](),
		clock:   clock,
		retry:   cfg.Retry,
		defaults: cache.EntryOptions{
			StaleTime: cfg.DefaultStaleTime,
			GCTime:    cfg.DefaultGCTime,
		},
		logger: logger.With("component", "cachestore"),
	}
}

func (s *Store) normalize(opts cache.EntryOptions) cache.EntryOptions {
	if opts == (cache.EntryOptions{}) {
		return s.defaults
	}
	if opts.GCTime == 0 {
		opts.GCTime = s.defaults.GCTime
	}
	return opts
}

func (s *Store) getOrCreate(key cache.Key, opts cache.EntryOptions) *entry {
	e, _ := s.entries.LoadOrStore(key.String(), &entry{key: key, opts: s.normalize(opts)})
	return e
}

// fresh reports freshness; callers hold e.mu. A zero fetchedAt always counts
// as stale so MarkStale works regardless of staleTime.
func (s *Store) fresh(e *entry) bool {
	if !e.hasData || e.fetchedAt.IsZero() {
		return false
	}
	return s.clock.Now().Sub(e.fetchedAt) < e.opts.StaleTime
}

// Lookup implements cache.Store.
func (s *Store) Lookup(key cache.Key) (cache.Result, bool) {
	e, ok := s.entries.Load(key.String())
	if !ok {
		return cache.Result{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	res := cache.Result{Data: e.data, Refreshing: e.status == cache.Fetching}
	switch {
	case e.status == cache.FetchError:
		res.State = cache.StateError
		res.Err = e.lastErr
	case s.fresh(e):
		res.State = cache.StateFresh
	default:
		res.State = cache.StateStale
	}
	return res, true
}

// EnsureFresh implements cache.Store.
func (s *Store) EnsureFresh(ctx context.Context, key cache.Key, fetch func(context.Context) (any, error), opts cache.EntryOptions) (any, error) {
	keyStr := key.String()
	e := s.getOrCreate(key, opts)

	e.mu.Lock()
	e.fetch = fetch
	if opts != (cache.EntryOptions{}) {
		e.opts = s.normalize(opts)
	}
	if s.fresh(e) {
		data := e.data
		e.mu.Unlock()
		return data, nil
	}
	if e.hasData {
		// Stale-while-revalidate: serve the current data immediately and
		// refresh in the background.
		data := e.data
		e.mu.Unlock()
		s.spawnFetch(context.WithoutCancel(ctx), keyStr, e, fetch, false)
		return data, nil
	}
	e.mu.Unlock()

	// No data yet: block on the fetch, coalescing concurrent callers into a
	// single flight.
	v, err, _ := s.group.Do(keyStr, func() (any, error) {
		return s.doFetch(ctx, e, fetch)
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// spawnFetch starts an asynchronous fetch for the entry. When force is set
// the current flight is forgotten first so a genuinely new fetch begins even
// if an older one is still in the air; the sequence rule then decides which
// response wins.
func (s *Store) spawnFetch(ctx context.Context, keyStr string, e *entry, fetch func(context.Context) (any, error), force bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if force {
		s.group.Forget(keyStr)
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		_, _, _ = s.group.Do(keyStr, func() (any, error) {
			return s.doFetch(ctx, e, fetch)
		})
	}()
}

// doFetch runs one sequence-numbered fetch, including the retry policy, and
// applies its outcome to the entry.
func (s *Store) doFetch(ctx context.Context, e *entry, fetch func(context.Context) (any, error)) (any, error) {
	e.mu.Lock()
	seq := e.nextSeq
	e.nextSeq++
	e.status = cache.Fetching
	e.mu.Unlock()

	v, err := s.runWithRetry(ctx, fetch)

	e.mu.Lock()
	defer e.mu.Unlock()
	if seq < e.appliedSeq {
		// A newer fetch or Set already landed; discard this response.
		s.logger.Debug("discarding out-of-order fetch result",
			"key", e.key.String(), "seq", seq, "applied", e.appliedSeq)
		return v, err
	}
	e.appliedSeq = seq
	if err != nil {
		e.status = cache.FetchError
		e.lastErr = err
		return nil, err
	}
	e.data = v
	e.hasData = true
	e.fetchedAt = s.clock.Now()
	e.status = cache.FetchIdle
	e.lastErr = nil
	return v, nil
}

// runWithRetry applies the retry policy to one fetch. Authorization errors
// are marked permanent so they surface after exactly one attempt.
func (s *Store) runWithRetry(ctx context.Context, fetch func(context.Context) (any, error)) (any, error) {
	op := func() (any, error) {
		v, err := fetch(ctx)
		if err != nil {
			if cache.IsAuthError(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return v, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retry.InitialDelay
	b.MaxInterval = s.retry.MaxDelay
	b.Multiplier = s.retry.Multiplier

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.retry.MaxAttempts)),
	)
}

// Set implements cache.Store. A Set counts as the newest write for the key,
// so any fetch still in flight cannot overwrite it.
func (s *Store) Set(key cache.Key, data any) {
	e := s.getOrCreate(key, cache.EntryOptions{})
	e.mu.Lock()
	defer e.mu.Unlock()
	seq := e.nextSeq
	e.nextSeq++
	e.appliedSeq = seq
	e.data = data
	e.hasData = true
	e.fetchedAt = s.clock.Now()
	e.status = cache.FetchIdle
	e.lastErr = nil
}

// Seed implements cache.Store. Seeding never clobbers an entry that already
// holds live data.
func (s *Store) Seed(key cache.Key, data any, fetchedAt time.Time) {
	e := s.getOrCreate(key, cache.EntryOptions{})
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hasData {
		return
	}
	e.data = data
	e.hasData = true
	e.fetchedAt = fetchedAt
}

// MarkStale implements cache.Store.
func (s *Store) MarkStale(prefix cache.Key) {
	s.forEach(prefix, func(_ string, e *entry) {
		e.mu.Lock()
		e.fetchedAt = time.Time{}
		e.mu.Unlock()
	})
}

// Refresh implements cache.Store. Only entries with at least one observer
// and a known fetcher are refetched; the rest stay stale until next access.
func (s *Store) Refresh(ctx context.Context, prefix cache.Key) {
	s.forEach(prefix, func(keyStr string, e *entry) {
		e.mu.Lock()
		fetch := e.fetch
		observers := e.observers
		e.mu.Unlock()
		if fetch == nil || observers == 0 {
			return
		}
		s.spawnFetch(context.WithoutCancel(ctx), keyStr, e, fetch, true)
	})
}

// Remove implements cache.Store.
func (s *Store) Remove(prefix cache.Key) {
	s.forEach(prefix, func(keyStr string, e *entry) {
		e.mu.Lock()
		s.stopEntryTimersLocked(e)
		e.mu.Unlock()
		s.entries.Delete(keyStr)
	})
}

// Attach implements cache.Store.
func (s *Store) Attach(key cache.Key) {
	keyStr := key.String()
	e := s.getOrCreate(key, cache.EntryOptions{})
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers++
	if e.gcTimer != nil {
		e.gcTimer.Stop()
		e.gcTimer = nil
	}
	if e.observers == 1 && e.opts.RefetchInterval > 0 && e.stopRefetch == nil {
		stop := make(chan struct{})
		e.stopRefetch = stop
		s.wg.Add(1)
		go s.refetchLoop(keyStr, e, e.opts.RefetchInterval, stop)
	}
}

// Detach implements cache.Store. The transition to zero observers starts the
// gcTime timer; the entry is removed when it fires unless re-attached first.
func (s *Store) Detach(key cache.Key) {
	e, ok := s.entries.Load(key.String())
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.observers == 0 {
		return
	}
	e.observers--
	if e.observers > 0 {
		return
	}
	if e.stopRefetch != nil {
		close(e.stopRefetch)
		e.stopRefetch = nil
	}
	keyStr := e.key.String()
	e.gcTimer = s.clock.AfterFunc(e.opts.GCTime, func() {
		s.collect(keyStr)
	})
}

func (s *Store) collect(keyStr string) {
	e, ok := s.entries.Load(keyStr)
	if !ok {
		return
	}
	e.mu.Lock()
	if e.observers > 0 {
		e.mu.Unlock()
		return
	}
	s.stopEntryTimersLocked(e)
	e.mu.Unlock()
	s.entries.Delete(keyStr)
}

// refetchLoop drives the periodic background refetch of the realtime preset
// while the entry is observed.
func (s *Store) refetchLoop(keyStr string, e *entry, interval time.Duration, stop chan struct{}) {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			e.mu.Lock()
			fetch := e.fetch
			e.mu.Unlock()
			if fetch == nil {
				continue
			}
			s.spawnFetch(context.Background(), keyStr, e, fetch, true)
		}
	}
}

// Entries implements cache.Store.
func (s *Store) Entries() []cache.EntrySnapshot {
	var out []cache.EntrySnapshot
	s.entries.Range(func(_ string, e *entry) bool {
		e.mu.Lock()
		if e.hasData {
			out = append(out, cache.EntrySnapshot{Key: e.key, Data: e.data, FetchedAt: e.fetchedAt})
		}
		e.mu.Unlock()
		return true
	})
	return out
}

// Close implements cache.Store.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.entries.Range(func(_ string, e *entry) bool {
		e.mu.Lock()
		s.stopEntryTimersLocked(e)
		e.mu.Unlock()
		return true
	})
	s.wg.Wait()
}

func (s *Store) stopEntryTimersLocked(e *entry) {
	if e.gcTimer != nil {
		e.gcTimer.Stop()
		e.gcTimer = nil
	}
	if e.stopRefetch != nil {
		close(e.stopRefetch)
		e.stopRefetch = nil
	}
}

func (s *Store) forEach(prefix cache.Key, fn func(string, *entry)) {
	s.entries.Range(func(keyStr string, e *entry) bool {
		if e.key.HasPrefix(prefix) {
			fn(keyStr, e)
		}
		return true
	})
}
