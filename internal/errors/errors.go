// Package errors provides standardized error codes for the game host.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (server, agent, tunnel, storage)
//   - error: The specific error type within that domain
//
// These codes are stable and travel to connected clients alongside the
// human-readable message in error broadcasts.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
const (
	// Storage domain - game records and settings
	CodeStorageNotFound    = "storage.not_found"    // Game or setting not found
	CodeStorageOpenFailed  = "storage.open_failed"  // Database open failed
	CodeStorageQueryFailed = "storage.query_failed" // Database query failed
	CodeStorageSaveFailed  = "storage.save_failed"  // Failed to save data

	// Server domain - WebSocket and network errors
	CodeServerUpgradeFailed  = "server.upgrade_failed"  // WebSocket upgrade failed
	CodeServerInvalidMessage = "server.invalid_message" // Malformed or invalid command
	CodeServerRateLimited    = "server.rate_limited"    // Too many commands per second
	CodeServerStopped        = "server.stopped"         // Server already stopped

	// Auth domain - shared secret
	CodeAuthRequired = "auth.required" // Client must authenticate first
	CodeAuthInvalid  = "auth.invalid"  // Wrong secret

	// Agent domain - game master event stream
	CodeAgentStartFailed  = "agent.start_failed"  // Agent process could not be started
	CodeAgentStreamFailed = "agent.stream_failed" // Event stream broke mid-turn
	CodeAgentTurnFailed   = "agent.turn_failed"   // Agent reported an error result

	// Question domain - structured questions awaiting an answer
	CodeQuestionNotPending     = "question.not_pending"     // No question to answer
	CodeQuestionAlreadyPending = "question.already_pending" // A question is already open
	CodeQuestionCancelled      = "question.cancelled"       // Question withdrawn before an answer

	// Tunnel domain - public relay
	CodeTunnelOpenFailed = "tunnel.open_failed" // Relay refused or unreachable
	CodeTunnelTimeout    = "tunnel.timeout"     // Relay did not answer in time
	CodeTunnelNotFound   = "tunnel.not_found"   // No tunnel for that game

	// Game domain - registry of running games
	CodeGameNotFound = "game.not_found" // Game is not running

	// Keep-awake domain - sleep inhibitor while hosting
	CodeKeepAwakeUnsupported   = "keepawake.unsupported"    // No inhibitor on this platform
	CodeKeepAwakeAcquireFailed = "keepawake.acquire_failed" // Inhibitor could not be started

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal server error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "storage.not_found")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// Falls back to CodeUnknown for errors that carry no code.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to client messages.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// NotFound creates a "storage.not_found" error.
func NotFound(resource string) *CodedError {
	return New(CodeStorageNotFound, fmt.Sprintf("%s not found", resource))
}

// InvalidMessage creates a "server.invalid_message" error.
func InvalidMessage(reason string) *CodedError {
	return New(CodeServerInvalidMessage, reason)
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}

// AuthRequired creates an "auth.required" error.
func AuthRequired() *CodedError {
	return New(CodeAuthRequired, "Authentication required")
}

// ServerStopped creates a "server.stopped" error.
func ServerStopped() *CodedError {
	return New(CodeServerStopped, "server already stopped")
}

// UpgradeFailed creates a "server.upgrade_failed" error.
func UpgradeFailed(cause error) *CodedError {
	return Wrap(CodeServerUpgradeFailed, "websocket upgrade failed", cause)
}

// AuthInvalid creates an "auth.invalid" error.
func AuthInvalid() *CodedError {
	return New(CodeAuthInvalid, "Invalid password")
}

// AgentStartFailed creates an "agent.start_failed" error.
func AgentStartFailed(cause error) *CodedError {
	return Wrap(CodeAgentStartFailed, "failed to start the game master", cause)
}

// AgentStreamFailed creates an "agent.stream_failed" error.
// The message shown to players is the underlying failure text.
func AgentStreamFailed(cause error) *CodedError {
	msg := "game master stream failed"
	if cause != nil {
		msg = cause.Error()
	}
	return Wrap(CodeAgentStreamFailed, msg, cause)
}

// AgentTurnFailed creates an "agent.turn_failed" error carrying the
// agent's own result text.
func AgentTurnFailed(result string) *CodedError {
	if result == "" {
		result = "the game master reported an error"
	}
	return New(CodeAgentTurnFailed, result)
}

// QuestionNotPending creates a "question.not_pending" error.
func QuestionNotPending() *CodedError {
	return New(CodeQuestionNotPending, "no question is waiting for an answer")
}

// QuestionAlreadyPending creates a "question.already_pending" error.
func QuestionAlreadyPending() *CodedError {
	return New(CodeQuestionAlreadyPending, "a question is already waiting for an answer")
}

// QuestionCancelled creates a "question.cancelled" error.
func QuestionCancelled() *CodedError {
	return New(CodeQuestionCancelled, "question was withdrawn before it was answered")
}

// TunnelOpenFailed creates a "tunnel.open_failed" error.
func TunnelOpenFailed(cause error) *CodedError {
	return Wrap(CodeTunnelOpenFailed, "failed to open tunnel", cause)
}

// TunnelTimeout creates a "tunnel.timeout" error.
func TunnelTimeout(seconds int) *CodedError {
	return New(CodeTunnelTimeout, fmt.Sprintf("Tunnel connection timed out after %ds", seconds))
}

// TunnelNotFound creates a "tunnel.not_found" error.
func TunnelNotFound(id string) *CodedError {
	return New(CodeTunnelNotFound, fmt.Sprintf("no tunnel open for game %s", id))
}

// GameNotFound creates a "game.not_found" error.
func GameNotFound(id string) *CodedError {
	return New(CodeGameNotFound, fmt.Sprintf("game %s is not running", id))
}
