package testsupport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fieldledger/go-sync-cache/cache"
	"github.com/fieldledger/go-sync-cache/realtime"
)

// ErrConnClosed is returned by a fake connection after Close.
var ErrConnClosed = errors.New("fake connection closed")

// FakeTransport is a scriptable change-feed transport. Each Subscribe
// produces a FakeConn the test can push messages and errors into.
type FakeTransport struct {
	mu           sync.Mutex
	subscribeErr error
	conns        []*FakeConn
	subscribed   chan *FakeConn
}

// NewFakeTransport builds a transport that accepts subscriptions.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{subscribed: make(chan *FakeConn, 16)}
}

// FailSubscribe makes subsequent Subscribe calls fail with err; pass nil to
// accept subscriptions again.
func (t *FakeTransport) FailSubscribe(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribeErr = err
}

// Subscribe implements realtime.Transport.
func (t *FakeTransport) Subscribe(_ context.Context, entity, filter string) (realtime.Conn, error) {
	t.mu.Lock()
	if t.subscribeErr != nil {
		err := t.subscribeErr
		t.mu.Unlock()
		return nil, err
	}
	conn := &FakeConn{
		Entity: entity,
		Filter: filter,
		msgs:   make(chan []byte, 16),
		errs:   make(chan error, 1),
	}
	t.conns = append(t.conns, conn)
	t.mu.Unlock()

	t.subscribed <- conn
	return conn, nil
}

// NextConn waits for the next subscription to be opened.
func (t *FakeTransport) NextConn(tb testing.TB, timeout time.Duration) *FakeConn {
	tb.Helper()
	select {
	case conn := <-t.subscribed:
		return conn
	case <-time.After(timeout):
		tb.Fatalf("no subscription opened within %v", timeout)
		return nil
	}
}

// ConnCount returns how many subscriptions were opened in total.
func (t *FakeTransport) ConnCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// FakeConn is one scripted subscription stream.
type FakeConn struct {
	Entity string
	Filter string

	mu     sync.Mutex
	closed bool
	msgs   chan []byte
	errs   chan error
}

// Push delivers a raw message to the reader.
func (c *FakeConn) Push(msg []byte) {
	c.msgs <- msg
}

// PushJSON marshals v and delivers it.
func (c *FakeConn) PushJSON(tb testing.TB, v any) {
	tb.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		tb.Fatalf("marshal fake message: %v", err)
	}
	c.Push(data)
}

// Fail makes the next Recv return err, simulating a transport drop.
func (c *FakeConn) Fail(err error) {
	c.errs <- err
}

// Recv implements realtime.Conn.
func (c *FakeConn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-c.errs:
		return nil, err
	case msg := <-c.msgs:
		return msg, nil
	}
}

// Close implements realtime.Conn.
func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// FakeConnectivity is a scriptable connectivity provider.
type FakeConnectivity struct {
	mu     sync.Mutex
	online bool
	events chan bool
}

// NewFakeConnectivity builds a provider in the given initial state.
func NewFakeConnectivity(online bool) *FakeConnectivity {
	return &FakeConnectivity{online: online, events: make(chan bool, 16)}
}

// Events implements syncer.ConnectivityProvider.
func (f *FakeConnectivity) Events() <-chan bool { return f.events }

// Online implements syncer.ConnectivityProvider.
func (f *FakeConnectivity) Online() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

// SetOnline scripts a connectivity transition.
func (f *FakeConnectivity) SetOnline(online bool) {
	f.mu.Lock()
	f.online = online
	f.mu.Unlock()
	f.events <- online
}

// RecordingNotifier captures user-visible notices for assertions.
type RecordingNotifier struct {
	mu      sync.Mutex
	notices []cache.Notice
}

// Notify implements cache.Notifier.
func (n *RecordingNotifier) Notify(notice cache.Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

// Notices returns a copy of the captured notices.
func (n *RecordingNotifier) Notices() []cache.Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]cache.Notice(nil), n.notices...)
}

// HasNotice reports whether a notice of the given kind was captured.
func (n *RecordingNotifier) HasNotice(kind cache.NoticeKind) bool {
	for _, notice := range n.Notices() {
		if notice.Kind == kind {
			return true
		}
	}
	return false
}
