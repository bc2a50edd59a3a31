// Package apperrors provides shared sentinel errors and structured error
// types for the prior-authorization browser-agent services.
package apperrors

import "errors"

// Sentinel errors for consistent error handling across the application.
// These can be checked with errors.Is() for type-safe error handling.
var (
	// Slot allocator (C1) errors
	ErrPoolExhausted = errors.New("slot pool exhausted: no slots available")

	// Process supervisor (C2) errors
	ErrDisplayNotReady    = errors.New("display server did not become ready in time")
	ErrVNCStartFailed     = errors.New("vnc server failed to start")
	ErrProxyStartFailed   = errors.New("websocket proxy failed to start")
	ErrBrowserAttachFailed = errors.New("browser process failed to attach after all retries")
	ErrCleanupFailed      = errors.New("session cleanup failed")

	// Session registry (C3) errors
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionAlreadyExists = errors.New("session already exists")
	ErrAlreadyInUse         = errors.New("a session already exists in single-session mode")
	ErrTooManySessions      = errors.New("maximum number of sessions reached")

	// Agent runner (C4) errors
	ErrInvalidSession    = errors.New("invalid session for agent run")
	ErrNoBrowser         = errors.New("session has no attached browser handle")
	ErrAgentFailed       = errors.New("agent run failed")
	ErrMissingAPIKey     = errors.New("missing LLM API key")
	ErrFileNotWhitelisted = errors.New("upload path is outside the request's file whitelist")
	ErrFileNotFound      = errors.New("upload path does not exist on the local filesystem")

	// Batch ingestor (C5) errors
	ErrEmptyBatch    = errors.New("batch contains no requests")
	ErrPublishFailed = errors.New("failed to publish one or more messages to the work topic")

	// Dispatch consumer (C6) errors
	ErrMalformedMessage = errors.New("message could not be decoded")
	ErrPlannerNon2xx    = errors.New("planner returned a non-2xx response")

	// Progress store (C7) errors
	ErrRequestNotFound = errors.New("request not found")
	ErrActionNotFound  = errors.New("manual action not found")

	// Log relay (C8) errors
	ErrBrokerUnavailable = errors.New("log broker is unavailable")
)

// SlotError carries detail about a slot-allocator (C1) failure.
type SlotError struct {
	Operation string // "acquire" or "release"
	Message   string
	Err       error
}

func (e *SlotError) Error() string { return e.Message }
func (e *SlotError) Unwrap() error { return e.Err }

// NewPoolExhaustedError builds the standard 503 slot-exhaustion error.
func NewPoolExhaustedError() *SlotError {
	return &SlotError{
		Operation: "acquire",
		Message:   "No free sessions available",
		Err:       ErrPoolExhausted,
	}
}

// SupervisorError carries detail about a process-supervisor (C2) failure.
// Kind is one of: DisplayNotReady, VncStartFailed, ProxyStartFailed,
// BrowserAttachFailed, CleanupFailed.
type SupervisorError struct {
	Kind      string
	SessionID string
	Message   string
	Err       error
}

func (e *SupervisorError) Error() string { return e.Message }
func (e *SupervisorError) Unwrap() error { return e.Err }

func newSupervisorError(kind, sessionID, message string, cause error) *SupervisorError {
	return &SupervisorError{Kind: kind, SessionID: sessionID, Message: message, Err: cause}
}

// NewDisplayNotReadyError builds a DisplayNotReady supervisor error.
func NewDisplayNotReadyError(sessionID string) *SupervisorError {
	return newSupervisorError("DisplayNotReady", sessionID,
		"virtual display did not become ready before timeout", ErrDisplayNotReady)
}

// NewVNCStartFailedError builds a VncStartFailed supervisor error.
func NewVNCStartFailedError(sessionID string, cause error) *SupervisorError {
	return newSupervisorError("VncStartFailed", sessionID,
		"vnc server failed to start: "+causeMessage(cause), ErrVNCStartFailed)
}

// NewProxyStartFailedError builds a ProxyStartFailed supervisor error.
func NewProxyStartFailedError(sessionID string, cause error) *SupervisorError {
	return newSupervisorError("ProxyStartFailed", sessionID,
		"websocket proxy failed to start: "+causeMessage(cause), ErrProxyStartFailed)
}

// NewBrowserAttachFailedError builds a BrowserAttachFailed supervisor error.
func NewBrowserAttachFailedError(sessionID string, attempts int, cause error) *SupervisorError {
	return newSupervisorError("BrowserAttachFailed", sessionID,
		"browser failed to attach after retries", joinErr(ErrBrowserAttachFailed, cause))
}

// NewCleanupFailedError builds a CleanupFailed supervisor error.
func NewCleanupFailedError(sessionID string, cause error) *SupervisorError {
	return newSupervisorError("CleanupFailed", sessionID,
		"cleanup failed for session: "+causeMessage(cause), ErrCleanupFailed)
}

// DispatchError carries detail about a dispatch-consumer (C6) failure.
type DispatchError struct {
	RequestID string
	Message   string
	Err       error
}

func (e *DispatchError) Error() string { return e.Message }
func (e *DispatchError) Unwrap() error { return e.Err }

// NewMalformedMessageError builds a DispatchError for an undecodable message.
func NewMalformedMessageError(cause error) *DispatchError {
	return &DispatchError{Message: "malformed message: " + causeMessage(cause), Err: ErrMalformedMessage}
}

// NewPlannerFailureError builds a DispatchError for a non-2xx planner response.
func NewPlannerFailureError(requestID string, statusCode int) *DispatchError {
	return &DispatchError{
		RequestID: requestID,
		Message:   "planner returned a non-2xx response",
		Err:       ErrPlannerNon2xx,
	}
}

func causeMessage(err error) string {
	if err == nil {
		return "unknown reason"
	}
	return err.Error()
}

func joinErr(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return errors.Join(sentinel, cause)
}
