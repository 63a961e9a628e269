// Package keepawake stops the host machine from sleeping while it serves
// games. A sleeping host drops every player, so each running game holds
// the inhibitor and the last one to stop releases it.
package keepawake

import (
	"context"
	"time"
)

// State is the keep-awake runtime state.
type State string

const (
	StateOff      State = "OFF"
	StatePending  State = "PENDING"
	StateOn       State = "ON"
	StateDegraded State = "DEGRADED"
)

// DegradedReason identifies why keep-awake entered degraded mode.
type DegradedReason string

const (
	// DegradedReasonUnsupportedEnvironment means the platform has no
	// inhibitor command.
	DegradedReasonUnsupportedEnvironment DegradedReason = "unsupported_environment"
	DegradedReasonAcquireFailed          DegradedReason = "acquire_failed"
	// DegradedReasonIntegrityLost means the inhibitor exited while games
	// still held it.
	DegradedReasonIntegrityLost DegradedReason = "integrity_lost"
)

// Status is a snapshot of keep-awake state.
type Status struct {
	State State
	// Holders is the number of games keeping the host awake.
	Holders int
	// Reason is set when state is DEGRADED.
	Reason DegradedReason
	// LastError stores the most recent lifecycle failure.
	LastError string
	UpdatedAt time.Time
	// Revision increments on every state transition.
	Revision int64
}

// Handle is an acquired inhibitor.
type Handle interface {
	// Done is closed when the inhibitor exits.
	Done() <-chan struct{}
	// Err returns the exit error after Done closes.
	Err() error
	Release(ctx context.Context) error
}

// Adapter acquires platform inhibitors.
type Adapter interface {
	Acquire(ctx context.Context) (Handle, error)
}

// Options configures a Manager.
type Options struct {
	// Now defaults to time.Now.
	Now func() time.Time
}
