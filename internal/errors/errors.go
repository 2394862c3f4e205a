// Package errors provides standardized error codes for the relay.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (server, session, relay)
//   - error: The specific error type within that domain
//
// These codes are stable and travel to peers inside exit payloads, so UI
// clients can branch on them. Human-readable messages are provided alongside.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
const (
	// Server domain - websocket and protocol errors
	CodeServerInvalidMessage = "server.invalid_message" // Malformed or invalid message
	CodeServerUnknownType    = "server.unknown_type"    // Message tag outside the protocol
	CodeServerSendFailed     = "server.send_failed"     // Failed to send message
	CodeServerConnectionLost = "server.connection_lost" // Connection unexpectedly closed

	// Session domain - PTY and process errors
	CodeSessionSpawnFailed  = "session.spawn_failed"  // Failed to spawn PTY
	CodeSessionNotRunning   = "session.not_running"   // Session not started or already exited
	CodeSessionWriteFailed  = "session.write_failed"  // Failed to write to PTY
	CodeSessionLimitReached = "session.limit_reached" // Too many live PTY sessions

	// Relay domain - canvas/automation command routing
	CodeRelayNoAutomation   = "relay.no_automation"   // No automation peer is bound
	CodeRelayRequestExpired = "relay.request_expired" // Pending request never received a reply

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal server error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "session.spawn_failed")
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

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to peer payloads.
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

// InvalidMessage creates a "server.invalid_message" error.
func InvalidMessage(reason string, cause error) *CodedError {
	return Wrap(CodeServerInvalidMessage, reason, cause)
}

// UnknownType creates a "server.unknown_type" error for a tag the
// protocol does not define.
func UnknownType(tag string) *CodedError {
	return New(CodeServerUnknownType, fmt.Sprintf("unknown message type %q", tag))
}

// SpawnFailed creates a "session.spawn_failed" error.
func SpawnFailed(shell string, cause error) *CodedError {
	return Wrap(CodeSessionSpawnFailed, fmt.Sprintf("failed to start %s", shell), cause)
}

// SessionLimitReached creates a "session.limit_reached" error.
func SessionLimitReached(limit int) *CodedError {
	return New(CodeSessionLimitReached, fmt.Sprintf("maximum of %d terminal sessions reached", limit))
}

// RequestExpired creates a "relay.request_expired" error.
// The request was broadcast to canvas peers but no reply arrived in time.
func RequestExpired(requestID string) *CodedError {
	return New(CodeRelayRequestExpired, fmt.Sprintf("request %s received no reply", requestID))
}

// NotRunning creates a "session.not_running" error.
func NotRunning() *CodedError {
	return New(CodeSessionNotRunning, "session not running")
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}
