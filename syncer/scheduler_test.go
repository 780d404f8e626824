package syncer_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fieldledger/go-sync-cache/cache"
	"github.com/fieldledger/go-sync-cache/pkg/testsupport"
	"github.com/fieldledger/go-sync-cache/syncer"
)

// stubProber counts probes and can be made to block or fail.
type stubProber struct {
	calls   int32
	err     error
	started chan struct{}
	release chan struct{}
}

func (p *stubProber) Probe(ctx context.Context) error {
	atomic.AddInt32(&p.calls, 1)
	if p.started != nil {
		p.started <- struct{}{}
	}
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.err
}

func (p *stubProber) Calls() int32 { return atomic.LoadInt32(&p.calls) }

// countingInvalidator records InvalidateAll calls.
type countingInvalidator struct {
	mu    sync.Mutex
	calls int
}

func (i *countingInvalidator) InvalidateAll(context.Context) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls++
}

func (i *countingInvalidator) Calls() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.calls
}

func testSyncConfig() cache.SyncConfig {
	return cache.SyncConfig{
		Auto:         true,
		Interval:     time.Minute,
		ProbeTimeout: time.Second,
		DisplayDelay: time.Second,
	}
}

type schedulerDeps struct {
	provider  *testsupport.FakeConnectivity
	monitor   *syncer.Monitor
	prober    *stubProber
	inval     *countingInvalidator
	notifier  *testsupport.RecordingNotifier
	scheduler *syncer.Scheduler
	clock     *clockwork.FakeClock
}

func newTestScheduler(t *testing.T, online bool, cfg cache.SyncConfig) schedulerDeps {
	t.Helper()
	d := schedulerDeps{
		provider: testsupport.NewFakeConnectivity(online),
		prober:   &stubProber{},
		inval:    &countingInvalidator{},
		notifier: &testsupport.RecordingNotifier{},
		clock:    clockwork.NewFakeClock(),
	}
	d.monitor = syncer.NewMonitor(d.provider, d.notifier, discardLogger())
	d.scheduler = syncer.NewScheduler(d.prober, d.inval, d.monitor, cfg, d.notifier, d.clock, discardLogger())
	t.Cleanup(func() {
		d.scheduler.Close()
		d.monitor.Close()
	})
	return d
}

func TestRequestSync_RunsFullResync(t *testing.T) {
	d := newTestScheduler(t, true, testSyncConfig())

	d.scheduler.RequestSync()

	testsupport.WaitFor(t, time.Second, func() bool {
		return d.scheduler.Session().Status == syncer.StatusSuccess
	}, "sync should complete successfully")

	if d.prober.Calls() != 1 {
		t.Errorf("expected one probe, got %d", d.prober.Calls())
	}
	if d.inval.Calls() != 1 {
		t.Errorf("expected one full invalidation, got %d", d.inval.Calls())
	}
	if d.scheduler.Session().LastSyncAt.IsZero() {
		t.Error("a successful sync should record its completion time")
	}
}

func TestRequestSync_WhileSyncingIsNoOp(t *testing.T) {
	d := newTestScheduler(t, true, testSyncConfig())
	d.prober.started = make(chan struct{}, 1)
	d.prober.release = make(chan struct{})

	d.scheduler.RequestSync()
	<-d.prober.started

	if got := d.scheduler.Session().Status; got != syncer.StatusSyncing {
		t.Fatalf("expected a syncing session, got %v", got)
	}

	// Overlapping requests while a sync is in flight do nothing.
	d.scheduler.RequestSync()
	d.scheduler.RequestSync()
	close(d.prober.release)

	testsupport.WaitFor(t, time.Second, func() bool {
		return d.scheduler.Session().Status == syncer.StatusSuccess
	}, "the in-flight sync should complete")
	time.Sleep(20 * time.Millisecond)

	if n := d.prober.Calls(); n != 1 {
		t.Errorf("overlapping requests must coalesce into one sync, got %d probes", n)
	}
	if n := d.inval.Calls(); n != 1 {
		t.Errorf("expected exactly one invalidation pass, got %d", n)
	}
}

func TestRequestSync_OfflineIsNoOp(t *testing.T) {
	d := newTestScheduler(t, false, testSyncConfig())

	d.scheduler.RequestSync()
	time.Sleep(20 * time.Millisecond)

	if d.prober.Calls() != 0 {
		t.Error("offline requests must not probe the backend")
	}
	if got := d.scheduler.Session().Status; got != syncer.StatusIdle {
		t.Errorf("expected the session to stay idle, got %v", got)
	}
}

func TestSync_ProbeFailureNotifies(t *testing.T) {
	d := newTestScheduler(t, true, testSyncConfig())
	d.prober.err = &cache.HTTPError{StatusCode: 503, Message: "maintenance"}

	d.scheduler.RequestSync()

	testsupport.WaitFor(t, time.Second, func() bool {
		return d.scheduler.Session().Status == syncer.StatusError
	}, "failed probe should end the session in error")

	if !d.notifier.HasNotice(cache.NoticeSyncError) {
		t.Error("sync failures surface a user-visible notice")
	}
	if d.inval.Calls() != 0 {
		t.Error("a failed probe must not invalidate the cache")
	}
	if !d.scheduler.Session().LastSyncAt.IsZero() {
		t.Error("failed syncs must not update the last-sync time")
	}
}

func TestSync_StatusResetsToIdleAfterDisplayDelay(t *testing.T) {
	cfg := testSyncConfig()
	d := newTestScheduler(t, true, cfg)

	d.scheduler.RequestSync()
	testsupport.WaitFor(t, time.Second, func() bool {
		return d.scheduler.Session().Status == syncer.StatusSuccess
	}, "sync should complete")

	d.clock.BlockUntil(1)
	d.clock.Advance(cfg.DisplayDelay + time.Millisecond)

	testsupport.WaitFor(t, time.Second, func() bool {
		return d.scheduler.Session().Status == syncer.StatusIdle
	}, "status should return to idle after the display delay")
}

func TestScheduler_IntervalTriggersSync(t *testing.T) {
	cfg := testSyncConfig()
	d := newTestScheduler(t, true, cfg)

	d.scheduler.Start()
	d.monitor.Start()

	d.clock.BlockUntil(1)
	d.clock.Advance(cfg.Interval)

	testsupport.WaitFor(t, time.Second, func() bool {
		return d.inval.Calls() == 1
	}, "interval tick should run a sync")
}

func TestScheduler_ManualModeHasNoInterval(t *testing.T) {
	cfg := testSyncConfig()
	cfg.Auto = false
	d := newTestScheduler(t, true, cfg)

	d.scheduler.Start()
	time.Sleep(20 * time.Millisecond)
	d.clock.Advance(cfg.Interval * 2)
	time.Sleep(20 * time.Millisecond)

	if d.prober.Calls() != 0 {
		t.Error("manual mode must not sync on a timer")
	}

	// Manual requests still work.
	d.scheduler.RequestSync()
	testsupport.WaitFor(t, time.Second, func() bool {
		return d.inval.Calls() == 1
	}, "manual request should still sync")
}

func TestScheduler_SyncsOnReconnect(t *testing.T) {
	d := newTestScheduler(t, false, testSyncConfig())

	d.scheduler.Start()
	d.monitor.Start()

	provider := d.provider
	provider.SetOnline(true)

	testsupport.WaitFor(t, time.Second, func() bool {
		return d.inval.Calls() == 1
	}, "regaining connectivity should trigger a sync")
	if !d.notifier.HasNotice(cache.NoticeOnline) {
		t.Error("the online notice should accompany the reconnect sync")
	}
}
