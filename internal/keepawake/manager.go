package keepawake

import (
	"context"
	"log"
	"sync"
	"time"

	apperrors "github.com/lairsandllamas/host/internal/errors"
)

// Manager holds the inhibitor while at least one game needs it.
type Manager struct {
	mu sync.Mutex

	adapter Adapter
	now     func() time.Time

	holders int
	status  Status
	handle  Handle
	closed  bool
	monitor uint64
}

// NewManager creates a keep-awake manager with the given adapter.
func NewManager(adapter Adapter, opts Options) *Manager {
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Manager{
		adapter: adapter,
		now:     nowFn,
		status:  Status{State: StateOff, UpdatedAt: nowFn()},
	}
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Hold adds a holder. The inhibitor is acquired when none is active,
// which also retries after an earlier failure.
func (m *Manager) Hold(ctx context.Context) Status {
	m.mu.Lock()
	if m.closed {
		defer m.mu.Unlock()
		return m.status
	}
	m.holders++
	m.status.Holders = m.holders

	if m.status.State == StatePending || m.aliveLocked() {
		defer m.mu.Unlock()
		return m.status
	}
	m.transitionLocked(StatePending, "", "")
	m.mu.Unlock()

	return m.acquire(ctx)
}

// aliveLocked reports whether the held inhibitor is still running. A dead
// one is dropped so the caller acquires a fresh one.
func (m *Manager) aliveLocked() bool {
	if m.handle == nil {
		return false
	}
	select {
	case <-m.handle.Done():
		m.handle = nil
		m.monitor++
		return false
	default:
		return true
	}
}

func (m *Manager) acquire(ctx context.Context) Status {
	h, err := m.adapter.Acquire(ctx)

	m.mu.Lock()
	if err != nil {
		m.transitionLocked(StateDegraded, classifyAcquireReason(err), err.Error())
		st := m.status
		m.mu.Unlock()
		log.Printf("keepawake: %v", err)
		return st
	}
	if m.holders == 0 || m.closed || m.handle != nil {
		// Every holder left while we were acquiring, or a concurrent
		// acquire won.
		if m.handle == nil {
			m.transitionLocked(StateOff, "", "")
		}
		st := m.status
		m.mu.Unlock()
		if err := h.Release(context.Background()); err != nil {
			log.Printf("keepawake: releasing surplus inhibitor: %v", err)
		}
		return st
	}

	m.handle = h
	m.monitor++
	gen := m.monitor
	m.transitionLocked(StateOn, "", "")
	st := m.status
	m.mu.Unlock()

	log.Printf("keepawake: holding the host awake")
	go m.watchHandle(h, gen)
	return st
}

// Unhold removes a holder and releases the inhibitor after the last one.
func (m *Manager) Unhold(ctx context.Context) Status {
	m.mu.Lock()
	if m.closed || m.holders == 0 {
		defer m.mu.Unlock()
		return m.status
	}
	m.holders--
	m.status.Holders = m.holders
	if m.holders > 0 {
		defer m.mu.Unlock()
		return m.status
	}

	h := m.handle
	m.handle = nil
	m.monitor++
	m.transitionLocked(StateOff, "", "")
	m.mu.Unlock()

	return m.release(ctx, h)
}

// Close releases the inhibitor and blocks until the release attempt
// completes. The manager ignores holds afterwards.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.holders = 0
	m.status.Holders = 0

	h := m.handle
	m.handle = nil
	m.monitor++
	m.transitionLocked(StateOff, "", "")
	m.mu.Unlock()

	if h == nil {
		return nil
	}
	if err := h.Release(ctx); err != nil {
		m.mu.Lock()
		m.recordLifecycleErrorLocked(err.Error())
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Manager) release(ctx context.Context, h Handle) Status {
	if h != nil {
		if err := h.Release(ctx); err != nil {
			log.Printf("keepawake: release failed: %v", err)
			m.mu.Lock()
			m.recordLifecycleErrorLocked(err.Error())
			m.mu.Unlock()
		} else {
			log.Printf("keepawake: released")
		}
	}
	return m.Snapshot()
}

func (m *Manager) watchHandle(h Handle, gen uint64) {
	<-h.Done()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle != h || m.monitor != gen || m.closed || m.holders == 0 {
		return
	}

	msg := "inhibitor exited unexpectedly"
	if err := h.Err(); err != nil {
		msg = err.Error()
	}
	log.Printf("keepawake: %s", msg)
	m.handle = nil
	m.transitionLocked(StateDegraded, DegradedReasonIntegrityLost, msg)
}

func (m *Manager) transitionLocked(next State, reason DegradedReason, lastErr string) {
	m.status.State = next
	m.status.Reason = reason
	m.status.LastError = lastErr
	m.status.UpdatedAt = m.now()
	m.status.Revision++
}

// recordLifecycleErrorLocked keeps a release failure for diagnostics
// without leaving OFF.
func (m *Manager) recordLifecycleErrorLocked(lastErr string) {
	m.status.Reason = ""
	m.status.LastError = lastErr
	m.status.UpdatedAt = m.now()
	m.status.Revision++
}

func classifyAcquireReason(err error) DegradedReason {
	if apperrors.IsCode(err, apperrors.CodeKeepAwakeUnsupported) {
		return DegradedReasonUnsupportedEnvironment
	}
	return DegradedReasonAcquireFailed
}
