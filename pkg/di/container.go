// Package di provides the single creation point for the sync cache: it
// wires the store, invalidation engine, realtime manager and sync scheduler
// together with an explicit teardown for test isolation.
package di

import (
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/fieldledger/go-sync-cache/cache"
	"github.com/fieldledger/go-sync-cache/internal/cachestore"
	"github.com/fieldledger/go-sync-cache/invalidation"
	"github.com/fieldledger/go-sync-cache/realtime"
	"github.com/fieldledger/go-sync-cache/syncer"
)

// Container owns the process-wide singletons. Components receive their
// collaborators by reference; nothing in the module reads global mutable
// state.
type Container struct {
	cfg     cache.Config
	backend cache.Backend

	clock    clockwork.Clock
	logger   *slog.Logger
	notifier cache.Notifier

	transport realtime.Transport
	provider  syncer.ConnectivityProvider
	rules     invalidation.RuleSet

	store     cache.Store
	engine    *invalidation.Engine
	manager   *realtime.Manager
	monitor   *syncer.Monitor
	scheduler *syncer.Scheduler

	closed bool
}

// Option overrides a container dependency, mainly for tests.
type Option func(*Container)

// WithClock substitutes the clock used by every timer and ticker.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Container) { c.clock = clock }
}

// WithLogger substitutes the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Container) { c.logger = logger }
}

// WithNotifier substitutes the user-visible notice sink.
func WithNotifier(n cache.Notifier) Option {
	return func(c *Container) { c.notifier = n }
}

// WithTransport substitutes the change-feed transport.
func WithTransport(t realtime.Transport) Option {
	return func(c *Container) { c.transport = t }
}

// WithConnectivity substitutes the connectivity provider.
func WithConnectivity(p syncer.ConnectivityProvider) Option {
	return func(c *Container) { c.provider = p }
}

// WithRules substitutes the invalidation rule table.
func WithRules(rules invalidation.RuleSet) Option {
	return func(c *Container) { c.rules = rules }
}

// NewContainer validates the configuration and wires all components. Call
// Start to begin connectivity tracking and automatic sync, and Close to
// tear everything down.
func NewContainer(cfg cache.Config, backend cache.Backend, opts ...Option) (*Container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Container{cfg: cfg, backend: backend}
	for _, opt := range opts {
		opt(c)
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.notifier == nil {
		c.notifier = cache.LogNotifier{Logger: c.logger}
	}
	if c.transport == nil {
		c.transport = realtime.NewWebsocketTransport(backend)
	}
	if c.rules == nil {
		c.rules = invalidation.DefaultRules()
	}

	probe := syncer.NewHTTPProbe(backend, cfg.Sync.ProbeTimeout, nil)
	if c.provider == nil {
		c.provider = syncer.NewProbeProvider(probe, cfg.Sync.Interval, c.clock)
	}

	c.store = cachestore.New(cfg, c.clock, c.logger)
	c.engine = invalidation.New(c.store, c.rules, c.logger)
	c.manager = realtime.NewManager(c.transport, c.engine, cfg.Reconnect, c.notifier, c.clock, c.logger)
	c.monitor = syncer.NewMonitor(c.provider, c.notifier, c.logger)
	c.scheduler = syncer.NewScheduler(probe, c.engine, c.monitor, cfg.Sync, c.notifier, c.clock, c.logger)

	return c, nil
}

// NewContainerWithDefaults wires a container with the default configuration.
func NewContainerWithDefaults(backend cache.Backend, opts ...Option) (*Container, error) {
	return NewContainer(cache.DefaultConfig(), backend, opts...)
}

// Start begins connectivity tracking and, when configured, automatic sync.
// The scheduler starts first so its reconnect hook is registered before the
// monitor consumes any events.
func (c *Container) Start() {
	c.scheduler.Start()
	c.monitor.Start()
}

// Store returns the cache store singleton.
func (c *Container) Store() cache.Store { return c.store }

// Engine returns the invalidation engine singleton.
func (c *Container) Engine() *invalidation.Engine { return c.engine }

// Realtime returns the realtime channel manager singleton.
func (c *Container) Realtime() *realtime.Manager { return c.manager }

// Monitor returns the connectivity monitor singleton.
func (c *Container) Monitor() *syncer.Monitor { return c.monitor }

// Scheduler returns the sync scheduler singleton.
func (c *Container) Scheduler() *syncer.Scheduler { return c.scheduler }

// Config returns a copy of the container configuration.
func (c *Container) Config() cache.Config { return c.cfg }

// Close tears down every component and cancels all outstanding timers so
// nothing leaks across test runs.
func (c *Container) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.scheduler.Close()
	c.manager.Close()
	c.monitor.Close()
	if closer, ok := c.provider.(interface{ Close() }); ok {
		closer.Close()
	}
	c.store.Close()
}
