// Package fault defines the error taxonomy shared by the HTTP layer and the
// durable runtime. The Retryable flag is the only thing the runtime looks at
// when deciding whether a failed execution should be attempted again.
package fault

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeValidation     Code = "VALIDATION_ERROR"
	CodeNotFound       Code = "NOT_FOUND"
	CodeConflict       Code = "CONFLICT"
	CodeReauthRequired Code = "REAUTH_REQUIRED"
	CodeTransient      Code = "TRANSIENT_PROVIDER"
	CodeUnknownEvent   Code = "UNKNOWN_EVENT"
	CodeUnsupported    Code = "UNSUPPORTED_CREDENTIAL_KIND"
	CodeInternal       Code = "INTERNAL_ERROR"
)

// FieldError describes a single invalid field of a request or payload.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Fault struct {
	Code      Code
	Message   string
	Retryable bool
	Fields    []FieldError
	Details   map[string]any
	cause     error
}

func (f Fault) Error() string {
	if f.cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.cause)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f Fault) Unwrap() error {
	return f.cause
}

func New(code Code, message string, retryable bool) Fault {
	return Fault{Code: code, Message: message, Retryable: retryable}
}

func Validation(message string, fields ...FieldError) Fault {
	f := New(CodeValidation, message, false)
	f.Fields = fields
	return f
}

func NotFound(message string) Fault {
	return New(CodeNotFound, message, false)
}

func Conflict(message string) Fault {
	return New(CodeConflict, message, false)
}

func Unsupported(message string) Fault {
	return New(CodeUnsupported, message, false)
}

// ReauthRequired marks a credential whose refresh token was rejected. Retrying
// can never succeed; the owner has to consent again.
func ReauthRequired(message string, cause error) Fault {
	f := New(CodeReauthRequired, message, false)
	f.cause = cause
	return f
}

func Transient(message string, cause error) Fault {
	f := New(CodeTransient, message, true)
	f.cause = cause
	return f
}

func UnknownEvent(eventName string) Fault {
	f := New(CodeUnknownEvent, fmt.Sprintf("no handler registered for event %q", eventName), false)
	f.Details = map[string]any{"event": eventName}
	return f
}

// Permanent wraps an arbitrary error as non-retryable.
func Permanent(message string, cause error) Fault {
	f := New(CodeInternal, message, false)
	f.cause = cause
	return f
}

func Internal(message string, cause error) Fault {
	f := New(CodeInternal, message, true)
	f.cause = cause
	return f
}

func As(err error) (Fault, bool) {
	var target Fault
	if errors.As(err, &target) {
		return target, true
	}
	return Fault{}, false
}

// Is reports whether err carries a fault with the given code.
func Is(err error, code Code) bool {
	f, ok := As(err)
	return ok && f.Code == code
}

// IsRetryable reports whether err should be retried. Errors that are not
// faults are assumed transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	f, ok := As(err)
	if !ok {
		return true
	}
	return f.Retryable
}

func (f Fault) WithDetails(details map[string]any) Fault {
	f.Details = details
	return f
}
