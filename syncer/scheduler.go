package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/fieldledger/go-sync-cache/cache"
)

// Status is the sync session state.
type Status int

const (
	StatusIdle Status = iota
	StatusSyncing
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusSyncing:
		return "syncing"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Session is the single process-wide record of the current full-resync
// attempt. At most one session is in StatusSyncing at any time.
type Session struct {
	Status     Status
	LastSyncAt time.Time
	Err        error
}

// Invalidator performs the full-invalidation pass of a resync. The
// invalidation engine satisfies it.
type Invalidator interface {
	InvalidateAll(ctx context.Context)
}

// Scheduler runs the periodic and manually triggered full resync. Mutual
// exclusion is enforced through the session status under one mutex; a
// RequestSync while a sync is running is a no-op.
type Scheduler struct {
	probe    Prober
	inval    Invalidator
	monitor  *Monitor
	cfg      cache.SyncConfig
	notifier cache.Notifier
	clock    clockwork.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	session Session
	started bool
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewScheduler wires the scheduler; call Start to enable automatic syncs.
func NewScheduler(probe Prober, inval Invalidator, monitor *Monitor, cfg cache.SyncConfig, notifier cache.Notifier, clock clockwork.Clock, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if notifier == nil {
		notifier = cache.LogNotifier{Logger: logger}
	}
	return &Scheduler{
		probe:    probe,
		inval:    inval,
		monitor:  monitor,
		cfg:      cfg,
		notifier: notifier,
		clock:    clock,
		logger:   logger.With("component", "syncer"),
		done:     make(chan struct{}),
	}
}

// Start enables the interval timer and the sync-on-reconnect hook when
// automatic synchronization is configured.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	if !s.cfg.Auto {
		return
	}
	s.monitor.OnOnline(s.RequestSync)
	s.wg.Add(1)
	go s.intervalLoop()
}

// Session returns a copy of the current sync session.
func (s *Scheduler) Session() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// RequestSync starts a full resync unless one is already running or the
// client is offline. It is idempotent while a sync is in flight.
func (s *Scheduler) RequestSync() {
	s.mu.Lock()
	if s.closed || s.session.Status == StatusSyncing || !s.monitor.Online() {
		s.mu.Unlock()
		return
	}
	s.session.Status = StatusSyncing
	s.session.Err = nil
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runSync(uuid.NewString())
}

// Close stops the interval loop and waits for any in-flight sync.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	s.wg.Wait()
}

func (s *Scheduler) intervalLoop() {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.Chan():
			s.RequestSync()
		}
	}
}

func (s *Scheduler) runSync(runID string) {
	defer s.wg.Done()
	logger := s.logger.With("run", runID)
	logger.Info("sync started")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ProbeTimeout)
	err := s.probe.Probe(ctx)
	cancel()
	if err != nil {
		logger.Warn("sync failed", "error", err)
		s.finish(StatusError, err)
		s.notifier.Notify(cache.Notice{
			Kind:    cache.NoticeSyncError,
			Message: "sync failed, will retry",
			Err:     err,
		})
		return
	}

	// Full resync: actively invalidate every entity domain in use. The
	// engine only eagerly refetches what is currently observed.
	s.inval.InvalidateAll(context.Background())
	logger.Info("sync complete")
	s.finish(StatusSuccess, nil)
}

// finish records the terminal status and schedules the reset to idle after
// the display delay.
func (s *Scheduler) finish(status Status, err error) {
	s.mu.Lock()
	s.session.Status = status
	s.session.Err = err
	if status == StatusSuccess {
		s.session.LastSyncAt = s.clock.Now()
	}
	s.mu.Unlock()

	s.clock.AfterFunc(s.cfg.DisplayDelay, func() {
		s.mu.Lock()
		if s.session.Status == status {
			s.session.Status = StatusIdle
		}
		s.mu.Unlock()
	})
}
