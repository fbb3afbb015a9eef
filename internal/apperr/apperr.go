package apperr

import (
	"errors"
	"fmt"
)

// Code categorizes an engine error.
type Code string

const (
	// CodeInvalidInput indicates bad submission data; no job is created.
	CodeInvalidInput Code = "invalid_input"
	// CodeNotFound indicates an unknown job id.
	CodeNotFound Code = "not_found"
	// CodeInvalidTransition indicates an illegal state machine move. This is
	// a worker bug and is always logged by the caller.
	CodeInvalidTransition Code = "invalid_transition"
	// CodeAlreadyTerminal indicates a benign no-op request against a job that
	// already reached a terminal state.
	CodeAlreadyTerminal Code = "already_terminal"
	// CodeQueueSaturated is the backpressure signal; callers should retry later.
	CodeQueueSaturated Code = "queue_saturated"
	// CodeNotConfigured indicates a disabled integration or missing credentials.
	CodeNotConfigured Code = "not_configured"
	// CodeInternal is everything else.
	CodeInternal Code = "internal"
)

// Error is a structured engine error with a code, message, and optional cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an error with the given code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error. Returns nil for a
// nil cause so call sites can wrap unconditionally.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: err}
}

// InvalidInput builds an invalid_input error.
func InvalidInput(message string) *Error { return New(CodeInvalidInput, message) }

// NotFound builds a not_found error.
func NotFound(message string) *Error { return New(CodeNotFound, message) }

// InvalidTransition builds an invalid_transition error.
func InvalidTransition(message string) *Error { return New(CodeInvalidTransition, message) }

// AlreadyTerminal builds an already_terminal error.
func AlreadyTerminal(message string) *Error { return New(CodeAlreadyTerminal, message) }

// QueueSaturated builds a queue_saturated error.
func QueueSaturated(message string) *Error { return New(CodeQueueSaturated, message) }

// NotConfigured builds a not_configured error.
func NotConfigured(message string) *Error { return New(CodeNotConfigured, message) }

func isCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// IsInvalidInput reports whether err carries invalid_input.
func IsInvalidInput(err error) bool { return isCode(err, CodeInvalidInput) }

// IsNotFound reports whether err carries not_found.
func IsNotFound(err error) bool { return isCode(err, CodeNotFound) }

// IsInvalidTransition reports whether err carries invalid_transition.
func IsInvalidTransition(err error) bool { return isCode(err, CodeInvalidTransition) }

// IsAlreadyTerminal reports whether err carries already_terminal.
func IsAlreadyTerminal(err error) bool { return isCode(err, CodeAlreadyTerminal) }

// IsQueueSaturated reports whether err carries queue_saturated.
func IsQueueSaturated(err error) bool { return isCode(err, CodeQueueSaturated) }

// IsNotConfigured reports whether err carries not_configured.
func IsNotConfigured(err error) bool { return isCode(err, CodeNotConfigured) }

// GetCode extracts the code, or CodeInternal for foreign errors.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
