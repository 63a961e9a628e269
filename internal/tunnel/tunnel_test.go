package tunnel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/lairsandllamas/host/internal/errors"
)

type fakeRelay struct {
	url    string
	done   chan struct{}
	once   sync.Once
	err    error
	closed atomic.Bool
}

func newFakeRelay(url string) *fakeRelay {
	return &fakeRelay{url: url, done: make(chan struct{})}
}

func (r *fakeRelay) URL() string           { return r.url }
func (r *fakeRelay) Done() <-chan struct{} { return r.done }
func (r *fakeRelay) Err() error            { return r.err }

func (r *fakeRelay) drop(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

func (r *fakeRelay) Close() error {
	r.closed.Store(true)
	r.drop(nil)
	return nil
}

type openFunc func(ctx context.Context) (Relay, error)

// fakeOpener plays a script of Open results, then falls back to fallback,
// or blocks until the context ends when there is none.
type fakeOpener struct {
	mu       sync.Mutex
	script   []openFunc
	fallback openFunc
	calls    int
}

func (o *fakeOpener) Open(ctx context.Context, port int) (Relay, error) {
	o.mu.Lock()
	o.calls++
	f := o.fallback
	if len(o.script) > 0 {
		f = o.script[0]
		o.script = o.script[1:]
	}
	o.mu.Unlock()

	if f == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f(ctx)
}

func (o *fakeOpener) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func succeed(r Relay) openFunc {
	return func(context.Context) (Relay, error) { return r, nil }
}

func failWith(err error) openFunc {
	return func(context.Context) (Relay, error) { return nil, err }
}

func statusRecorder() (StatusFunc, <-chan Status) {
	ch := make(chan Status, 32)
	return func(s Status) { ch <- s }, ch
}

func nextStatus(t *testing.T, ch <-chan Status) Status {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for status")
		return Status{}
	}
}

func noStatus(t *testing.T, ch <-chan Status, d time.Duration) {
	t.Helper()
	select {
	case s := <-ch:
		t.Fatalf("unexpected status %+v", s)
	case <-time.After(d):
	}
}

func TestManager_Open(t *testing.T) {
	relay := newFakeRelay("https://brave-llama.loca.lt")
	m := NewManager(&fakeOpener{script: []openFunc{succeed(relay)}}, Config{})
	defer m.CloseAll()
	cb, statuses := statusRecorder()

	url, err := m.Open(context.Background(), "game-1", 4242, cb)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if url != "wss://brave-llama.loca.lt" {
		t.Errorf("Open() = %q", url)
	}
	if s := nextStatus(t, statuses); !s.Open || s.URL != url {
		t.Errorf("status = %+v", s)
	}
	if got, ok := m.URL("game-1"); !ok || got != url {
		t.Errorf("URL() = %q, %v", got, ok)
	}
}

func TestManager_OpenFailureIsNotRetried(t *testing.T) {
	opener := &fakeOpener{script: []openFunc{failWith(errors.New("connection refused"))}}
	m := NewManager(opener, Config{RetryDelay: 5 * time.Millisecond})
	cb, statuses := statusRecorder()

	_, err := m.Open(context.Background(), "game-1", 4242, cb)
	if !apperrors.IsCode(err, apperrors.CodeTunnelOpenFailed) {
		t.Fatalf("Open() error = %v, want tunnel.open_failed", err)
	}
	noStatus(t, statuses, 50*time.Millisecond)
	if opener.Calls() != 1 {
		t.Errorf("opener called %d times, want 1", opener.Calls())
	}
	if _, ok := m.URL("game-1"); ok {
		t.Error("failed tunnel should not be registered")
	}
}

func TestManager_OpenTimeout(t *testing.T) {
	m := NewManager(&fakeOpener{}, Config{OpenTimeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := m.Open(context.Background(), "game-1", 4242, nil)
	if !apperrors.IsCode(err, apperrors.CodeTunnelTimeout) {
		t.Fatalf("Open() error = %v, want tunnel.timeout", err)
	}
	if time.Since(start) > time.Second {
		t.Error("timeout was not enforced")
	}
}

func TestManager_ReconnectsAfterUnexpectedClose(t *testing.T) {
	first := newFakeRelay("https://one.loca.lt")
	second := newFakeRelay("https://two.loca.lt")
	opener := &fakeOpener{script: []openFunc{
		succeed(first),
		failWith(errors.New("relay busy")),
		succeed(second),
	}}
	m := NewManager(opener, Config{RetryDelay: 10 * time.Millisecond})
	defer m.CloseAll()
	cb, statuses := statusRecorder()

	if _, err := m.Open(context.Background(), "game-1", 4242, cb); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	nextStatus(t, statuses)

	first.drop(errors.New("socket hang up"))
	if s := nextStatus(t, statuses); s.Open || s.Err == nil {
		t.Errorf("drop status = %+v", s)
	}
	if s := nextStatus(t, statuses); !s.Open || s.URL != "wss://two.loca.lt" {
		t.Errorf("reconnect status = %+v", s)
	}
	if opener.Calls() != 3 {
		t.Errorf("opener called %d times, want 3", opener.Calls())
	}
	if got, _ := m.URL("game-1"); got != "wss://two.loca.lt" {
		t.Errorf("URL() after reconnect = %q", got)
	}
}

func TestManager_URLHiddenWhileReconnecting(t *testing.T) {
	relay := newFakeRelay("https://one.loca.lt")
	// No fallback: reopen attempts block until the tunnel is closed.
	opener := &fakeOpener{script: []openFunc{succeed(relay)}}
	m := NewManager(opener, Config{RetryDelay: 5 * time.Millisecond})
	defer m.CloseAll()
	cb, statuses := statusRecorder()

	m.Open(context.Background(), "game-1", 4242, cb)
	nextStatus(t, statuses)

	relay.drop(errors.New("socket hang up"))
	nextStatus(t, statuses)
	if got, ok := m.URL("game-1"); ok || got != "" {
		t.Errorf("URL() while reconnecting = %q, %v; want none", got, ok)
	}
}

func TestManager_CloseNeverRetries(t *testing.T) {
	relay := newFakeRelay("https://one.loca.lt")
	opener := &fakeOpener{script: []openFunc{succeed(relay)}}
	m := NewManager(opener, Config{RetryDelay: 5 * time.Millisecond})
	cb, statuses := statusRecorder()

	m.Open(context.Background(), "game-1", 4242, cb)
	nextStatus(t, statuses)

	if err := m.Close("game-1"); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if !relay.closed.Load() {
		t.Error("relay was not closed")
	}
	noStatus(t, statuses, 50*time.Millisecond)
	if opener.Calls() != 1 {
		t.Errorf("opener called %d times after Close, want 1", opener.Calls())
	}
	if err := m.Close("game-1"); !apperrors.IsCode(err, apperrors.CodeTunnelNotFound) {
		t.Errorf("second Close() = %v, want tunnel.not_found", err)
	}
}

func TestManager_CloseStopsRetryLoop(t *testing.T) {
	relay := newFakeRelay("https://one.loca.lt")
	opener := &fakeOpener{
		script:   []openFunc{succeed(relay)},
		fallback: failWith(errors.New("still down")),
	}
	m := NewManager(opener, Config{RetryDelay: 5 * time.Millisecond})
	cb, statuses := statusRecorder()

	m.Open(context.Background(), "game-1", 4242, cb)
	nextStatus(t, statuses)
	relay.drop(errors.New("gone"))
	nextStatus(t, statuses)

	deadline := time.Now().Add(2 * time.Second)
	for opener.Calls() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	m.Close("game-1")
	time.Sleep(20 * time.Millisecond)
	calls := opener.Calls()
	time.Sleep(50 * time.Millisecond)
	if opener.Calls() != calls {
		t.Errorf("retries continued after Close: %d -> %d", calls, opener.Calls())
	}
	noStatus(t, statuses, 10*time.Millisecond)
}

func TestManager_OpenReplacesExisting(t *testing.T) {
	first := newFakeRelay("https://one.loca.lt")
	second := newFakeRelay("https://two.loca.lt")
	opener := &fakeOpener{script: []openFunc{succeed(first), succeed(second)}}
	m := NewManager(opener, Config{RetryDelay: 5 * time.Millisecond})
	defer m.CloseAll()

	m.Open(context.Background(), "game-1", 4242, nil)
	url, err := m.Open(context.Background(), "game-1", 4242, nil)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	if url != "wss://two.loca.lt" || !first.closed.Load() {
		t.Errorf("Open() = %q, first closed = %v", url, first.closed.Load())
	}
	time.Sleep(30 * time.Millisecond)
	if opener.Calls() != 2 {
		t.Errorf("closing the replaced relay triggered a reconnect (%d calls)", opener.Calls())
	}
}

func TestJoinURL(t *testing.T) {
	tests := map[string]string{
		"https://a.loca.lt":    "wss://a.loca.lt",
		"http://127.0.0.1:900": "ws://127.0.0.1:900",
		"wss://already":        "wss://already",
	}
	for in, want := range tests {
		if got := JoinURL(in); got != want {
			t.Errorf("JoinURL(%q) = %q, want %q", in, got, want)
		}
	}
}
