// Package agenttest provides a scripted in-memory game master for tests.
package agenttest

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/lairsandllamas/host/internal/agent"
)

// Agent records every Query and hands each new Stream to the test.
type Agent struct {
	mu      sync.Mutex
	queries []agent.QueryOptions
	failErr error
	streams chan *Stream
}

// New returns an empty scripted agent.
func New() *Agent {
	return &Agent{streams: make(chan *Stream, 16)}
}

// Query implements agent.Agent.
func (a *Agent) Query(ctx context.Context, opts agent.QueryOptions) (agent.Stream, error) {
	a.mu.Lock()
	a.queries = append(a.queries, opts)
	err := a.failErr
	a.failErr = nil
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s := &Stream{
		Opts:        opts,
		ctx:         ctx,
		items:       make(chan item, 256),
		interrupted: make(chan struct{}),
		closed:      make(chan struct{}),
	}
	a.streams <- s
	return s, nil
}

// FailNextQuery makes the next Query return err.
func (a *Agent) FailNextQuery(err error) {
	a.mu.Lock()
	a.failErr = err
	a.mu.Unlock()
}

// Queries returns the options of every Query so far.
func (a *Agent) Queries() []agent.QueryOptions {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]agent.QueryOptions(nil), a.queries...)
}

// NextStream waits for the next opened Stream.
func (a *Agent) NextStream(t testing.TB) *Stream {
	t.Helper()
	select {
	case s := <-a.streams:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for a query")
		return nil
	}
}

// NoStream fails the test if a Query arrives within d.
func (a *Agent) NoStream(t testing.TB, d time.Duration) {
	t.Helper()
	select {
	case s := <-a.streams:
		t.Fatalf("unexpected query with prompt %q", s.Opts.Prompt)
	case <-time.After(d):
	}
}

type item struct {
	ev  agent.Event
	err error
}

// Stream is a scripted turn. Tests push events with Emit and finish the
// turn with End, Finish or Fail.
type Stream struct {
	Opts agent.QueryOptions

	ctx   context.Context
	items chan item

	interruptOnce sync.Once
	interrupted   chan struct{}
	closeOnce     sync.Once
	closed        chan struct{}
}

// Emit queues events in order.
func (s *Stream) Emit(events ...agent.Event) {
	for _, ev := range events {
		s.push(item{ev: ev})
	}
}

// End queues a successful TurnEnd followed by end of stream.
func (s *Stream) End() {
	s.Emit(agent.TurnEnd{Subtype: "success"})
	s.Finish()
}

// Finish ends the stream without a TurnEnd.
func (s *Stream) Finish() {
	s.push(item{err: io.EOF})
}

// Fail breaks the stream with err.
func (s *Stream) Fail(err error) {
	s.push(item{err: err})
}

func (s *Stream) push(it item) {
	select {
	case s.items <- it:
	case <-s.closed:
	}
}

// Permission asks the controller to decide a tool request exactly as the
// game master would, blocking until it answers.
func (s *Stream) Permission(toolName, toolUseID string, input map[string]any) (agent.PermissionResult, error) {
	if s.Opts.CanUseTool == nil {
		return agent.AllowTool(input), nil
	}
	return s.Opts.CanUseTool(s.ctx, agent.PermissionRequest{
		ToolName:  toolName,
		ToolUseID: toolUseID,
		Input:     input,
	})
}

// Interrupted is closed once Interrupt has been called.
func (s *Stream) Interrupted() <-chan struct{} { return s.interrupted }

// Closed is closed once Close has been called.
func (s *Stream) Closed() <-chan struct{} { return s.closed }

// Next implements agent.Stream.
func (s *Stream) Next(ctx context.Context) (agent.Event, error) {
	select {
	case it := <-s.items:
		if it.err != nil {
			return nil, it.err
		}
		return it.ev, nil
	case <-s.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Interrupt implements agent.Stream.
func (s *Stream) Interrupt(ctx context.Context) error {
	s.interruptOnce.Do(func() { close(s.interrupted) })
	return nil
}

// Close implements agent.Stream.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
