package syncer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fieldledger/go-sync-cache/cache"
)

// Prober checks backend reachability. A nil return means the backend
// answered within the probe timeout.
type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPProbe is the production Prober: a lightweight GET against the
// backend's health endpoint with a short client-side timeout. Timeouts are
// transient failures, not auth failures.
type HTTPProbe struct {
	backend cache.Backend
	client  *http.Client
	timeout time.Duration
}

var _ Prober = (*HTTPProbe)(nil)

// NewHTTPProbe builds a probe. client may be nil.
func NewHTTPProbe(backend cache.Backend, timeout time.Duration, client *http.Client) *HTTPProbe {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPProbe{backend: backend, client: client, timeout: timeout}
}

// Probe implements Prober.
func (p *HTTPProbe) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	u := strings.TrimRight(p.backend.BaseURL, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.backend.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &cache.HTTPError{StatusCode: resp.StatusCode, Message: "health probe rejected"}
	}
	return nil
}

// ProbeProvider derives connectivity transitions by polling a Prober. It is
// the production ConnectivityProvider for environments without a platform
// connectivity signal.
type ProbeProvider struct {
	prober   Prober
	clock    clockwork.Clock
	interval time.Duration

	events chan bool
	online chan bool
	done   chan struct{}
}

var _ ConnectivityProvider = (*ProbeProvider)(nil)

// NewProbeProvider starts polling immediately. The initial state is assumed
// online until a probe fails.
func NewProbeProvider(prober Prober, interval time.Duration, clock clockwork.Clock) *ProbeProvider {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	p := &ProbeProvider{
		prober:   prober,
		clock:    clock,
		interval: interval,
		events:   make(chan bool, 1),
		online:   make(chan bool, 1),
		done:     make(chan struct{}),
	}
	p.online <- true
	go p.loop()
	return p
}

// Events implements ConnectivityProvider.
func (p *ProbeProvider) Events() <-chan bool { return p.events }

// Online implements ConnectivityProvider.
func (p *ProbeProvider) Online() bool {
	state := <-p.online
	p.online <- state
	return state
}

// Close stops polling and closes the event channel.
func (p *ProbeProvider) Close() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

func (p *ProbeProvider) loop() {
	defer close(p.events)
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.Chan():
			ok := p.prober.Probe(context.Background()) == nil
			state := <-p.online
			if state == ok {
				p.online <- state
				continue
			}
			p.online <- ok
			select {
			case p.events <- ok:
			case <-p.done:
				return
			}
		}
	}
}
