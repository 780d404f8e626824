package cachestore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fieldledger/go-sync-cache/cache"
	"github.com/fieldledger/go-sync-cache/pkg/testsupport"
)

func testConfig() cache.Config {
	cfg := cache.DefaultConfig()
	// Keep retry cheap so failure tests return quickly.
	cfg.Retry.MaxAttempts = 1
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	return cfg
}

func newTestStore(t *testing.T, cfg cache.Config) (*Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(cfg, clock, logger)
	t.Cleanup(s.Close)
	return s, clock
}

func TestSetThenLookup_IsFresh(t *testing.T) {
	cfg := testConfig()
	s, clock := newTestStore(t, cfg)
	key := cache.NewKey("report", "detail", "r1")

	s.Set(key, "daily report")

	res, ok := s.Lookup(key)
	if !ok {
		t.Fatal("expected an entry after Set")
	}
	if res.State != cache.StateFresh {
		t.Errorf("expected fresh immediately after Set, got %v", res.State)
	}
	if res.Data != "daily report" {
		t.Errorf("unexpected data: %v", res.Data)
	}

	clock.Advance(cfg.DefaultStaleTime + time.Second)

	res, _ = s.Lookup(key)
	if res.State != cache.StateStale {
		t.Errorf("expected stale after staleTime elapsed, got %v", res.State)
	}
	if res.Data != "daily report" {
		t.Errorf("stale data must remain servable, got %v", res.Data)
	}
}

func TestEnsureFresh_MissFetchesOnce(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	key := cache.NewKey("workorder", "detail", "w1")

	var calls int32
	fetch := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "order", nil
	}

	got, err := s.EnsureFresh(context.Background(), key, fetch, cache.PresetDynamic())
	if err != nil {
		t.Fatalf("expected no error but got: %v", err)
	}
	if got != "order" {
		t.Errorf("unexpected data: %v", got)
	}

	// Second call within staleTime serves from cache.
	if _, err := s.EnsureFresh(context.Background(), key, fetch, cache.PresetDynamic()); err != nil {
		t.Fatalf("expected no error but got: %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected exactly one fetch, got %d", n)
	}
}

func TestEnsureFresh_ConcurrentCallsShareOneFetch(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	key := cache.NewKey("report", "list")

	var calls int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "reports", nil
	}

	var wg sync.WaitGroup
	results := make([]any, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := s.EnsureFresh(context.Background(), key, fetch, cache.PresetDynamic())
			if err != nil {
				t.Errorf("expected no error but got: %v", err)
			}
			results[i] = v
		}(i)
	}

	testsupport.WaitFor(t, time.Second, func() bool {
		return atomic.LoadInt32(&calls) == 1
	}, "first fetch should start")
	// Give the second caller time to join the in-flight fetch, then let it
	// complete.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected the two concurrent calls to coalesce into one fetch, got %d", n)
	}
	for i, v := range results {
		if v != "reports" {
			t.Errorf("caller %d got %v", i, v)
		}
	}
}

func TestEnsureFresh_StaleServesImmediatelyAndRevalidates(t *testing.T) {
	cfg := testConfig()
	s, clock := newTestStore(t, cfg)
	key := cache.NewKey("asset", "detail", "a1")

	var calls int32
	fetch := func(ctx context.Context) (any, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return "old asset", nil
		}
		return "new asset", nil
	}

	if _, err := s.EnsureFresh(context.Background(), key, fetch, cache.PresetDynamic()); err != nil {
		t.Fatalf("expected no error but got: %v", err)
	}
	clock.Advance(cache.PresetDynamic().StaleTime + time.Second)

	// Stale path: current data comes back immediately.
	got, err := s.EnsureFresh(context.Background(), key, fetch, cache.PresetDynamic())
	if err != nil {
		t.Fatalf("expected no error but got: %v", err)
	}
	if got != "old asset" {
		t.Errorf("stale read should serve the previous data, got %v", got)
	}

	testsupport.WaitFor(t, time.Second, func() bool {
		res, ok := s.Lookup(key)
		return ok && res.Data == "new asset" && res.State == cache.StateFresh
	}, "background revalidation should replace the entry")
}

func TestOutOfOrderResponseIsDiscarded(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	key := cache.NewKey("report", "detail", "r1")

	var mu sync.Mutex
	var gates []chan any
	fetch := func(ctx context.Context) (any, error) {
		gate := make(chan any)
		mu.Lock()
		gates = append(gates, gate)
		mu.Unlock()
		return <-gate, nil
	}
	pending := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(gates)
	}

	s.Attach(key)
	defer s.Detach(key)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.EnsureFresh(context.Background(), key, fetch, cache.PresetDynamic())
	}()
	testsupport.WaitFor(t, time.Second, func() bool { return pending() == 1 }, "first fetch should start")

	// Force a second, overlapping fetch for the same key.
	s.Refresh(context.Background(), cache.NewKey("report"))
	testsupport.WaitFor(t, time.Second, func() bool { return pending() == 2 }, "forced refetch should start")

	// The newer fetch resolves first.
	mu.Lock()
	first, second := gates[0], gates[1]
	mu.Unlock()
	second <- "newer"
	testsupport.WaitFor(t, time.Second, func() bool {
		res, ok := s.Lookup(key)
		return ok && res.Data == "newer"
	}, "newer response should be applied")

	// The older fetch resolves afterwards and must be discarded.
	first <- "older"
	<-done
	time.Sleep(20 * time.Millisecond)

	res, _ := s.Lookup(key)
	if res.Data != "newer" {
		t.Errorf("older response overwrote newer data: got %v", res.Data)
	}
}

func TestSetWinsOverInFlightFetch(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	key := cache.NewKey("workorder", "detail", "w9")

	gate := make(chan struct{})
	fetch := func(ctx context.Context) (any, error) {
		<-gate
		return "from fetch", nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.EnsureFresh(context.Background(), key, fetch, cache.PresetDynamic())
	}()
	testsupport.WaitFor(t, time.Second, func() bool {
		res, ok := s.Lookup(key)
		return ok && res.Refreshing
	}, "fetch should be in flight")

	// A local write result lands while the fetch is still in the air.
	s.Set(key, "from write")
	close(gate)
	<-done

	res, _ := s.Lookup(key)
	if res.Data != "from write" {
		t.Errorf("in-flight fetch overwrote a newer Set: got %v", res.Data)
	}
}

func TestFetchErrorPreservesLastKnownGood(t *testing.T) {
	s, clock := newTestStore(t, testConfig())
	key := cache.NewKey("project", "detail", "p1")

	failing := errors.New("backend unavailable")
	var failNow atomic.Bool
	fetch := func(ctx context.Context) (any, error) {
		if failNow.Load() {
			return nil, failing
		}
		return "project", nil
	}

	if _, err := s.EnsureFresh(context.Background(), key, fetch, cache.PresetDynamic()); err != nil {
		t.Fatalf("expected no error but got: %v", err)
	}
	failNow.Store(true)
	clock.Advance(cache.PresetDynamic().StaleTime + time.Second)

	got, err := s.EnsureFresh(context.Background(), key, fetch, cache.PresetDynamic())
	if err != nil {
		t.Fatalf("stale reads surface errors on the entry, not the call: %v", err)
	}
	if got != "project" {
		t.Errorf("expected last-known-good data, got %v", got)
	}

	testsupport.WaitFor(t, time.Second, func() bool {
		res, ok := s.Lookup(key)
		return ok && res.State == cache.StateError
	}, "entry should record the fetch error")

	res, _ := s.Lookup(key)
	if !errors.Is(res.Err, failing) {
		t.Errorf("expected recorded error %v, got %v", failing, res.Err)
	}
	if res.Data != "project" {
		t.Errorf("error must not clear cached data, got %v", res.Data)
	}
}

func TestAuthErrorIsNeverRetried(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 5
	s, _ := newTestStore(t, cfg)
	key := cache.NewKey("report", "list")

	var calls int32
	fetch := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, &cache.HTTPError{StatusCode: 401, Message: "token expired"}
	}

	_, err := s.EnsureFresh(context.Background(), key, fetch, cache.PresetDynamic())
	if !cache.IsAuthError(err) {
		t.Fatalf("expected an auth error but got: %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("auth errors must be attempted exactly once, got %d attempts", n)
	}
}

func TestTransientErrorIsRetried(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 3
	s, _ := newTestStore(t, cfg)
	key := cache.NewKey("report", "list")

	var calls int32
	fetch := func(ctx context.Context) (any, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, &cache.HTTPError{StatusCode: 503, Message: "overloaded"}
		}
		return "reports", nil
	}

	got, err := s.EnsureFresh(context.Background(), key, fetch, cache.PresetDynamic())
	if err != nil {
		t.Fatalf("expected the retries to succeed but got: %v", err)
	}
	if got != "reports" {
		t.Errorf("unexpected data: %v", got)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestMarkStale_DoesNotFetch(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	key := cache.NewKey("report", "detail", "r1")
	s.Set(key, "report")

	s.MarkStale(cache.NewKey("report"))

	res, ok := s.Lookup(key)
	if !ok {
		t.Fatal("markStale must not remove entries")
	}
	if res.State != cache.StateStale {
		t.Errorf("expected stale, got %v", res.State)
	}
	if res.Refreshing {
		t.Error("markStale alone must not trigger a fetch")
	}
}

func TestRefresh_SkipsUnobservedEntries(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	key := cache.NewKey("report", "detail", "r1")

	var calls int32
	fetch := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "report", nil
	}
	if _, err := s.EnsureFresh(context.Background(), key, fetch, cache.PresetDynamic()); err != nil {
		t.Fatalf("expected no error but got: %v", err)
	}

	// No observers: refresh leaves the entry alone.
	s.Refresh(context.Background(), cache.NewKey("report"))
	time.Sleep(20 * time.Millisecond)
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("unobserved entries must not refetch eagerly, got %d fetches", n)
	}

	s.Attach(key)
	defer s.Detach(key)
	s.Refresh(context.Background(), cache.NewKey("report"))
	testsupport.WaitFor(t, time.Second, func() bool {
		return atomic.LoadInt32(&calls) == 2
	}, "observed entry should refetch")
}

func TestRemove_DeletesPrefixSubtree(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	s.Set(cache.NewKey("report", "detail", "r1"), "a")
	s.Set(cache.NewKey("report", "list"), "b")
	s.Set(cache.NewKey("project", "detail", "p1"), "c")

	s.Remove(cache.NewKey("report"))

	if _, ok := s.Lookup(cache.NewKey("report", "detail", "r1")); ok {
		t.Error("report detail should be removed")
	}
	if _, ok := s.Lookup(cache.NewKey("report", "list")); ok {
		t.Error("report list should be removed")
	}
	if _, ok := s.Lookup(cache.NewKey("project", "detail", "p1")); !ok {
		t.Error("unrelated entries must survive")
	}
}

func TestGC_RemovesEntryAfterLastDetach(t *testing.T) {
	s, clock := newTestStore(t, testConfig())
	key := cache.NewKey("asset", "detail", "a1")
	opts := cache.EntryOptions{StaleTime: time.Minute, GCTime: 5 * time.Minute}

	if _, err := s.EnsureFresh(context.Background(), key, func(ctx context.Context) (any, error) {
		return "asset", nil
	}, opts); err != nil {
		t.Fatalf("expected no error but got: %v", err)
	}

	s.Attach(key)
	s.Detach(key)

	clock.BlockUntil(1)
	clock.Advance(opts.GCTime + time.Second)

	testsupport.WaitFor(t, time.Second, func() bool {
		_, ok := s.Lookup(key)
		return !ok
	}, "entry should be collected after gcTime")
}

func TestGC_ReattachCancelsCollection(t *testing.T) {
	s, clock := newTestStore(t, testConfig())
	key := cache.NewKey("asset", "detail", "a2")
	opts := cache.EntryOptions{StaleTime: time.Minute, GCTime: 5 * time.Minute}

	if _, err := s.EnsureFresh(context.Background(), key, func(ctx context.Context) (any, error) {
		return "asset", nil
	}, opts); err != nil {
		t.Fatalf("expected no error but got: %v", err)
	}

	s.Attach(key)
	s.Detach(key)
	clock.BlockUntil(1)
	s.Attach(key)
	defer s.Detach(key)

	clock.Advance(opts.GCTime + time.Second)
	time.Sleep(20 * time.Millisecond)

	if _, ok := s.Lookup(key); !ok {
		t.Error("re-attaching before gcTime must keep the entry alive")
	}
}

func TestRealtimePreset_BackgroundRefetchWhileObserved(t *testing.T) {
	s, clock := newTestStore(t, testConfig())
	key := cache.NewKey("report", "detail", "r7")
	opts := cache.PresetRealtime()

	var calls int32
	fetch := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "report", nil
	}
	if _, err := s.EnsureFresh(context.Background(), key, fetch, opts); err != nil {
		t.Fatalf("expected no error but got: %v", err)
	}

	s.Attach(key)
	defer s.Detach(key)

	clock.BlockUntil(1)
	clock.Advance(opts.RefetchInterval)

	testsupport.WaitFor(t, time.Second, func() bool {
		return atomic.LoadInt32(&calls) >= 2
	}, "observed realtime entry should refetch on its interval")
}

func TestSeed_DoesNotClobberLiveData(t *testing.T) {
	s, clock := newTestStore(t, testConfig())
	key := cache.NewKey("project", "list")
	s.Set(key, "live")

	s.Seed(key, "snapshot", clock.Now().Add(-time.Hour))

	res, _ := s.Lookup(key)
	if res.Data != "live" {
		t.Errorf("seed must not overwrite live data, got %v", res.Data)
	}

	other := cache.NewKey("asset", "list")
	s.Seed(other, "snapshot", clock.Now().Add(-time.Hour))
	res, ok := s.Lookup(other)
	if !ok || res.Data != "snapshot" {
		t.Errorf("seeding an absent key should store the snapshot, got %v", res.Data)
	}
	if res.State != cache.StateStale {
		t.Errorf("seeded entries should be stale, got %v", res.State)
	}
}

func TestEntries_ExportsDataBearingEntries(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	s.Set(cache.NewKey("report", "list"), "a")
	s.Set(cache.NewKey("project", "list"), "b")
	s.Attach(cache.NewKey("workorder", "list")) // placeholder without data

	entries := s.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 exported entries, got %d", len(entries))
	}
}

func TestTypedEnsureFresh(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	key := cache.NewKey("workorder", "detail", "w1")

	type workOrder struct{ ID string }
	got, err := cache.EnsureFresh(context.Background(), s, key, func(ctx context.Context) (workOrder, error) {
		return workOrder{ID: "w1"}, nil
	}, cache.PresetDynamic())
	if err != nil {
		t.Fatalf("expected no error but got: %v", err)
	}
	if got.ID != "w1" {
		t.Errorf("unexpected result: %+v", got)
	}

	_, err = cache.EnsureFresh(context.Background(), s, key, func(ctx context.Context) (int, error) {
		return 0, nil
	}, cache.PresetDynamic())
	if !errors.Is(err, cache.ErrInvalidResultType) {
		t.Errorf("expected ErrInvalidResultType but got: %v", err)
	}
}
