package syncer

import (
	"log/slog"
	"sync"

	"github.com/fieldledger/go-sync-cache/cache"
)

// ConnectivityProvider feeds platform connectivity signals to the Monitor.
// The production implementation probes the backend; tests script the
// transitions directly.
type ConnectivityProvider interface {
	// Events delivers online/offline transitions. The channel closes when
	// the provider shuts down.
	Events() <-chan bool

	// Online reports the current state.
	Online() bool
}

// Monitor tracks online/offline transitions, surfaces notices, and invokes
// registered hooks when connectivity returns. It is the single writer of the
// process-wide connectivity state.
type Monitor struct {
	provider ConnectivityProvider
	notifier cache.Notifier
	logger   *slog.Logger

	mu       sync.Mutex
	online   bool
	onOnline []func()
	started  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewMonitor constructs a Monitor; call Start to begin tracking.
func NewMonitor(provider ConnectivityProvider, notifier cache.Notifier, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = cache.LogNotifier{Logger: logger}
	}
	return &Monitor{
		provider: provider,
		notifier: notifier,
		logger:   logger.With("component", "connectivity"),
		online:   provider.Online(),
		done:     make(chan struct{}),
	}
}

// OnOnline registers a hook invoked on every transition to online. Hooks
// must be registered before Start.
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = append(m.onOnline, fn)
}

// Start begins consuming provider events.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop()
}

// Online reports the current connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// RequireOnline guards write paths: writes made while offline are rejected,
// not queued.
func (m *Monitor) RequireOnline() error {
	if !m.Online() {
		return cache.ErrOffline
	}
	return nil
}

// Close stops event consumption.
func (m *Monitor) Close() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case online, ok := <-m.provider.Events():
			if !ok {
				return
			}
			m.transition(online)
		}
	}
}

func (m *Monitor) transition(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	hooks := append([]func(){}, m.onOnline...)
	m.mu.Unlock()

	if online {
		m.logger.Info("connectivity restored")
		m.notifier.Notify(cache.Notice{Kind: cache.NoticeOnline, Message: "back online"})
		for _, fn := range hooks {
			fn()
		}
		return
	}
	m.logger.Warn("connectivity lost")
	m.notifier.Notify(cache.Notice{Kind: cache.NoticeOffline, Message: "you are offline, showing cached data"})
}
