// Package realtime supervises one push subscription per watched entity type
// and converts inbound change messages into invalidations.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/fieldledger/go-sync-cache/cache"
	"github.com/fieldledger/go-sync-cache/invalidation"
)

// ConnState is the lifecycle state of one subscription.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateJoined
	StateClosed
	StateErrored
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Applier consumes parsed change events. The invalidation engine satisfies
// it; tests substitute a recorder.
type Applier interface {
	Apply(ctx context.Context, ev invalidation.ChangeEvent)
}

type subscription struct {
	id        string
	entity    string
	filter    string
	consumers int
	state     ConnState
	cancel    context.CancelFunc
}

// Manager owns the subscriptions. There is exactly one active subscription
// per watched entity type; it is opened on the first Watch and closed on the
// last Unwatch. A later Watch opens a fresh subscription, never a stale
// handle.
type Manager struct {
	transport Transport
	applier   Applier
	cfg       cache.ReconnectConfig
	notifier  cache.Notifier
	clock     clockwork.Clock
	logger    *slog.Logger

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
	wg     sync.WaitGroup
}

// NewManager constructs a Manager. notifier, clock and logger fall back to
// defaults when nil.
func NewManager(transport Transport, applier Applier, cfg cache.ReconnectConfig, notifier cache.Notifier, clock clockwork.Clock, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if notifier == nil {
		notifier = cache.LogNotifier{Logger: logger}
	}
	return &Manager{
		transport: transport,
		applier:   applier,
		cfg:       cfg,
		notifier:  notifier,
		clock:     clock,
		logger:    logger.With("component", "realtime"),
		subs:      make(map[string]*subscription),
	}
}

// Watch registers a consumer for an entity type's change feed. The first
// consumer opens the subscription; later ones share it.
func (m *Manager) Watch(entity, filter string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if sub, ok := m.subs[entity]; ok {
		sub.consumers++
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		id:        uuid.NewString(),
		entity:    entity,
		filter:    filter,
		consumers: 1,
		state:     StateConnecting,
		cancel:    cancel,
	}
	m.subs[entity] = sub
	m.wg.Add(1)
	go m.run(ctx, sub)
}

// Unwatch drops a consumer. When the last one detaches the subscription is
// closed and its resources released.
func (m *Manager) Unwatch(entity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[entity]
	if !ok {
		return
	}
	sub.consumers--
	if sub.consumers > 0 {
		return
	}
	sub.cancel()
	sub.state = StateClosed
	delete(m.subs, entity)
}

// State reports the connection state of the entity's subscription.
func (m *Manager) State(entity string) (ConnState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[entity]
	if !ok {
		return StateClosed, false
	}
	return sub.state, true
}

// Close tears down every subscription and waits for their loops to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for entity, sub := range m.subs {
		sub.cancel()
		sub.state = StateClosed
		delete(m.subs, entity)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) setState(sub *subscription, state ConnState) {
	m.mu.Lock()
	// Unwatch may already have marked the subscription closed.
	if sub.state != StateClosed {
		sub.state = state
	}
	m.mu.Unlock()
}

// run drives the subscription state machine:
// connecting -> joined <-> errored -> connecting, closed on last detach.
func (m *Manager) run(ctx context.Context, sub *subscription) {
	defer m.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.InitialDelay
	b.MaxInterval = m.cfg.MaxDelay
	attempts := 0

	logger := m.logger.With("entity", sub.entity, "subscription", sub.id)

	for ctx.Err() == nil {
		m.setState(sub, StateConnecting)
		conn, err := m.transport.Subscribe(ctx, sub.entity, sub.filter)
		if err == nil {
			m.setState(sub, StateJoined)
			logger.Info("subscription joined")
			attempts = 0
			b.Reset()

			err = m.readLoop(ctx, sub, conn)
			_ = conn.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Warn("subscription dropped", "error", err)
		} else {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("subscribe failed", "error", err)
		}

		m.setState(sub, StateErrored)
		attempts++
		if attempts >= m.cfg.MaxAttempts {
			m.notifier.Notify(cache.Notice{
				Kind:    cache.NoticeDegradedRealtime,
				Message: fmt.Sprintf("live updates unavailable for %s, falling back to periodic sync", sub.entity),
				Err:     err,
			})
			logger.Error("reconnect budget exhausted", "attempts", attempts)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(b.NextBackOff()):
		}
	}
}

// readLoop parses and forwards messages until the connection drops.
// Malformed messages and messages for other entity types are dropped and
// logged; they never abort the subscription.
func (m *Manager) readLoop(ctx context.Context, sub *subscription, conn Conn) error {
	logger := m.logger.With("entity", sub.entity, "subscription", sub.id)
	for {
		data, err := conn.Recv(ctx)
		if err != nil {
			return err
		}
		var ev invalidation.ChangeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			logger.Warn("dropping malformed change message", "error", err)
			continue
		}
		if ev.Entity == "" || ev.Operation == "" {
			logger.Warn("dropping incomplete change message")
			continue
		}
		if ev.Entity != sub.entity {
			logger.Debug("ignoring change for unrequested entity", "got", ev.Entity)
			continue
		}
		m.applier.Apply(ctx, ev)
	}
}
