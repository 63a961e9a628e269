package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestCodedError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *CodedError
		expected string
	}{
		{
			name:     "error without cause",
			err:      New(CodeStorageNotFound, "game not found"),
			expected: "storage.not_found: game not found",
		},
		{
			name:     "error with cause",
			err:      Wrap(CodeTunnelOpenFailed, "failed to open tunnel", errors.New("connection refused")),
			expected: "tunnel.open_failed: failed to open tunnel (connection refused)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestCodedError_Unwrap(t *testing.T) {
	cause := errors.New("original error")
	err := Wrap(CodeInternal, "wrapped", cause)

	if err.Unwrap() != cause {
		t.Error("Unwrap() should return the original cause")
	}

	err2 := New(CodeStorageNotFound, "not found")
	if err2.Unwrap() != nil {
		t.Error("Unwrap() should return nil when no cause")
	}
}

func TestGetCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{name: "nil error", err: nil, expected: ""},
		{name: "CodedError", err: New(CodeStorageNotFound, "not found"), expected: CodeStorageNotFound},
		{name: "wrapped CodedError", err: Wrap(CodeAgentStreamFailed, "failed", errors.New("cause")), expected: CodeAgentStreamFailed},
		{name: "plain error", err: errors.New("some error"), expected: CodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCode(tt.err); got != tt.expected {
				t.Errorf("GetCode() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestToCodeAndMessage(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantCode    string
		wantMessage string
	}{
		{name: "nil error"},
		{
			name:        "CodedError",
			err:         New(CodeStorageNotFound, "game not found"),
			wantCode:    CodeStorageNotFound,
			wantMessage: "game not found",
		},
		{
			name:        "plain error",
			err:         errors.New("some error"),
			wantCode:    CodeUnknown,
			wantMessage: "some error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, message := ToCodeAndMessage(tt.err)
			if code != tt.wantCode {
				t.Errorf("ToCodeAndMessage() code = %q, want %q", code, tt.wantCode)
			}
			if message != tt.wantMessage {
				t.Errorf("ToCodeAndMessage() message = %q, want %q", message, tt.wantMessage)
			}
			if GetMessage(tt.err) != tt.wantMessage {
				t.Errorf("GetMessage() = %q, want %q", GetMessage(tt.err), tt.wantMessage)
			}
		})
	}
}

func TestIsCode(t *testing.T) {
	err := New(CodeStorageNotFound, "not found")

	if !IsCode(err, CodeStorageNotFound) {
		t.Error("IsCode() should return true for matching code")
	}
	if IsCode(err, CodeTunnelTimeout) {
		t.Error("IsCode() should return false for non-matching code")
	}
	if IsCode(nil, CodeStorageNotFound) {
		t.Error("IsCode() should return false for nil error")
	}
}

func TestErrorConstructors(t *testing.T) {
	t.Run("NotFound", func(t *testing.T) {
		err := NotFound("game")
		if !IsCode(err, CodeStorageNotFound) {
			t.Errorf("NotFound() code = %q, want %q", GetCode(err), CodeStorageNotFound)
		}
		if err.Message != "game not found" {
			t.Errorf("NotFound() message = %q, want %q", err.Message, "game not found")
		}
	})

	t.Run("AgentStreamFailed uses cause text", func(t *testing.T) {
		cause := errors.New("process exited with status 1")
		err := AgentStreamFailed(cause)
		if err.Message != cause.Error() {
			t.Errorf("AgentStreamFailed() message = %q", err.Message)
		}
		if !errors.Is(err, cause) {
			t.Error("AgentStreamFailed() should preserve cause")
		}
	})

	t.Run("AgentTurnFailed default message", func(t *testing.T) {
		if err := AgentTurnFailed(""); err.Message == "" {
			t.Error("AgentTurnFailed(\"\") should have a message")
		}
	})

	t.Run("TunnelTimeout", func(t *testing.T) {
		err := TunnelTimeout(30)
		if err.Message != "Tunnel connection timed out after 30s" {
			t.Errorf("TunnelTimeout() message = %q", err.Message)
		}
	})
}

func TestErrorsAs(t *testing.T) {
	coded := Wrap(CodeTunnelOpenFailed, "wrapped", errors.New("original"))
	wrapped := Wrap(CodeInternal, "double wrapped", coded)

	var target *CodedError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As should find CodedError in chain")
	}
	if target.Code != CodeInternal {
		t.Errorf("errors.As should find outermost CodedError, got code %q", target.Code)
	}
}

func TestErrorCodes(t *testing.T) {
	codes := []string{
		CodeStorageNotFound, CodeStorageOpenFailed, CodeStorageQueryFailed, CodeStorageSaveFailed,
		CodeServerUpgradeFailed, CodeServerInvalidMessage, CodeServerRateLimited, CodeServerStopped,
		CodeAuthRequired, CodeAuthInvalid,
		CodeAgentStartFailed, CodeAgentStreamFailed, CodeAgentTurnFailed,
		CodeQuestionNotPending, CodeQuestionAlreadyPending, CodeQuestionCancelled,
		CodeTunnelOpenFailed, CodeTunnelTimeout, CodeTunnelNotFound,
		CodeGameNotFound,
		CodeUnknown, CodeInternal,
	}

	for _, code := range codes {
		parts := strings.Split(code, ".")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			t.Errorf("error code %q should have format domain.error", code)
		}
	}
}
