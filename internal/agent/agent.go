// Package agent consumes the game master as an asynchronous event source.
//
// A turn is opened with Agent.Query and yields Events one at a time from
// Stream.Next until io.EOF. Tool permission requests are answered through
// the PermissionFunc supplied in QueryOptions, which may block (for example
// while the players answer a question) without stalling event delivery.
package agent

import "context"

// Effort levels accepted by the game master.
const (
	EffortLow    = "low"
	EffortMedium = "medium"
	EffortHigh   = "high"
)

// ValidEffort reports whether effort is a known level.
func ValidEffort(effort string) bool {
	switch effort {
	case EffortLow, EffortMedium, EffortHigh:
		return true
	}
	return false
}

// ThinkingTokens maps an effort level to a thinking budget.
func ThinkingTokens(effort string) int {
	switch effort {
	case EffortLow:
		return 1024
	case EffortHigh:
		return 16384
	default:
		return 4096
	}
}

// Agent opens turns against the game master.
type Agent interface {
	Query(ctx context.Context, opts QueryOptions) (Stream, error)
}

// Stream is the event source of one turn.
type Stream interface {
	// Next blocks until the next event. It returns io.EOF after the turn
	// has ended cleanly and any other error if the stream broke.
	Next(ctx context.Context) (Event, error)
	// Interrupt asks the game master to stop the turn.
	Interrupt(ctx context.Context) error
	// Close releases the stream. It is safe to call more than once.
	Close() error
}

// QueryOptions configure one turn.
type QueryOptions struct {
	Prompt       string
	SystemPrompt string
	Cwd          string
	Model        string
	Effort       string
	// Resume continues an earlier conversation when set.
	Resume     string
	CanUseTool PermissionFunc
}

// PermissionFunc decides one tool request. It may block.
type PermissionFunc func(ctx context.Context, req PermissionRequest) (PermissionResult, error)

// PermissionRequest is the game master asking to use a tool.
type PermissionRequest struct {
	ToolName  string
	ToolUseID string
	Input     map[string]any
}

// Permission behaviors.
const (
	PermissionAllow = "allow"
	PermissionDeny  = "deny"
)

// PermissionResult answers a PermissionRequest.
type PermissionResult struct {
	Behavior     string         `json:"behavior"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	Message      string         `json:"message,omitempty"`
}

// AllowTool lets the tool run with the given input.
func AllowTool(input map[string]any) PermissionResult {
	if input == nil {
		input = map[string]any{}
	}
	return PermissionResult{Behavior: PermissionAllow, UpdatedInput: input}
}

// DenyTool refuses the tool with an explanation for the game master.
func DenyTool(message string) PermissionResult {
	return PermissionResult{Behavior: PermissionDeny, Message: message}
}
