// Package tunnel exposes a game's local port through a public relay and
// keeps the relay up until it is closed on purpose.
package tunnel

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	apperrors "github.com/lairsandllamas/host/internal/errors"
	"github.com/lairsandllamas/host/internal/metrics"
)

// Defaults for a Manager.
const (
	DefaultOpenTimeout = 30 * time.Second
	DefaultRetryDelay  = 3 * time.Second
)

// Relay is one open public endpoint forwarding to a local port.
type Relay interface {
	// URL is the public http(s) address of the relay.
	URL() string
	// Done is closed when the relay goes away for any reason.
	Done() <-chan struct{}
	// Err reports why the relay went away, once Done is closed.
	Err() error
	Close() error
}

// Opener opens relays to a local port.
type Opener interface {
	Open(ctx context.Context, port int) (Relay, error)
}

// Status is reported to a tunnel's StatusFunc whenever it opens or drops.
type Status struct {
	Open bool
	// URL is the WebSocket join address while Open.
	URL string
	// Err is the reason the relay dropped.
	Err error
}

// StatusFunc observes a tunnel. It is called from the manager's goroutines
// and must not block for long.
type StatusFunc func(Status)

// Config configures a Manager.
type Config struct {
	OpenTimeout time.Duration
	RetryDelay  time.Duration
	Metrics     *metrics.Metrics
}

// Manager owns the relays of every hosted game.
type Manager struct {
	opener  Opener
	timeout time.Duration
	retry   time.Duration
	metrics *metrics.Metrics

	mu      sync.Mutex
	tunnels map[string]*tunnel
}

type tunnel struct {
	id   string
	port int
	cb   StatusFunc
	// ctx is cancelled when the tunnel is closed on purpose.
	ctx    context.Context
	cancel context.CancelFunc
	relay  Relay
	// down is set between an unexpected drop and the next successful reopen.
	down bool
}

// NewManager creates a manager that opens relays with opener.
func NewManager(opener Opener, cfg Config) *Manager {
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	return &Manager{
		opener:  opener,
		timeout: cfg.OpenTimeout,
		retry:   cfg.RetryDelay,
		metrics: cfg.Metrics,
		tunnels: make(map[string]*tunnel),
	}
}

// Open requests a relay for the game listening on port and returns its
// WebSocket join address. An existing tunnel for id is closed first.
// Failures are returned to the caller and never retried; once open, a
// relay that drops is reopened until Close is called.
func (m *Manager) Open(ctx context.Context, id string, port int, cb StatusFunc) (string, error) {
	m.Close(id)

	relay, err := m.openRelay(ctx, port)
	if err != nil {
		log.Printf("tunnel: open for game %s failed: %v", id, err)
		return "", err
	}

	tctx, cancel := context.WithCancel(context.Background())
	t := &tunnel{id: id, port: port, cb: cb, ctx: tctx, cancel: cancel, relay: relay}

	m.mu.Lock()
	if old := m.tunnels[id]; old != nil {
		// Lost a race with a concurrent Open for the same game.
		old.cancel()
		old.relay.Close()
	}
	m.tunnels[id] = t
	m.mu.Unlock()

	url := JoinURL(relay.URL())
	log.Printf("tunnel: game %s reachable at %s", id, url)
	t.notify(Status{Open: true, URL: url})
	go m.watch(t, relay)
	return url, nil
}

// openRelay opens one relay within the manager's timeout.
func (m *Manager) openRelay(ctx context.Context, port int) (Relay, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	relay, err := m.opener.Open(ctx, port)
	if err == nil {
		return relay, nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, apperrors.TunnelTimeout(int(m.timeout / time.Second))
	}
	return nil, apperrors.TunnelOpenFailed(err)
}

// watch reopens the relay each time it drops, until the tunnel is closed.
func (m *Manager) watch(t *tunnel, relay Relay) {
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-relay.Done():
		}
		if t.ctx.Err() != nil {
			return
		}

		log.Printf("tunnel: relay for game %s closed unexpectedly: %v", t.id, relay.Err())
		m.mu.Lock()
		t.down = true
		m.mu.Unlock()
		t.notify(Status{Open: false, Err: relay.Err()})

		next, err := m.reopen(t)
		if err != nil {
			// Only a deliberate Close ends the retry loop.
			return
		}

		m.mu.Lock()
		if t.ctx.Err() != nil {
			m.mu.Unlock()
			next.Close()
			return
		}
		t.relay = next
		t.down = false
		m.mu.Unlock()

		url := JoinURL(next.URL())
		log.Printf("tunnel: game %s reconnected at %s", t.id, url)
		t.notify(Status{Open: true, URL: url})
		relay = next
	}
}

// reopen retries at a fixed delay until a relay opens or t is closed.
func (m *Manager) reopen(t *tunnel) (Relay, error) {
	var relay Relay
	op := func() error {
		m.metrics.TunnelReconnect()
		r, err := m.openRelay(t.ctx, t.port)
		if err != nil {
			if t.ctx.Err() != nil {
				return backoff.Permanent(t.ctx.Err())
			}
			return err
		}
		relay = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Printf("tunnel: reconnect for game %s failed, retrying in %s: %v", t.id, wait, err)
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(m.retry), t.ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	return relay, nil
}

// Close tears down the tunnel for id. No reconnect is attempted afterwards.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	t := m.tunnels[id]
	delete(m.tunnels, id)
	m.mu.Unlock()

	if t == nil {
		return apperrors.TunnelNotFound(id)
	}
	t.cancel()
	m.mu.Lock()
	relay := t.relay
	m.mu.Unlock()
	if err := relay.Close(); err != nil {
		log.Printf("tunnel: closing relay for game %s: %v", id, err)
	}
	log.Printf("tunnel: closed for game %s", id)
	return nil
}

// URL returns the current join address for id. It reports false while a
// dropped relay is being reopened.
func (m *Manager) URL(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tunnels[id]
	if t == nil || t.down {
		return "", false
	}
	return JoinURL(t.relay.URL()), true
}

// CloseAll tears down every tunnel.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.tunnels))
	for id := range m.tunnels {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Close(id)
	}
}

func (t *tunnel) notify(s Status) {
	if t.cb != nil {
		t.cb(s)
	}
}

// JoinURL turns a relay's http(s) address into a WebSocket address.
func JoinURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	}
	return httpURL
}
