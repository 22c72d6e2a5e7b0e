package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type ErrorType int

const (
	ErrConfiguration ErrorType = iota
	ErrNetwork
	ErrParse
	ErrTranslationUnchanged
	ErrQueueFull
	ErrCancelled
	ErrTimeout
	ErrEncryption
	ErrUnknown
)

// EngineError is the typed error used across the orchestration engine.
// The Type drives retry and propagation policy: batch-level failures are
// absorbed by the translator, job-level failures abort the job.
type EngineError struct {
	Type    ErrorType
	Message string
	Context map[string]any
	Cause   error
}

func NewError(errorType ErrorType, message string) *EngineError {
	return &EngineError{
		Type:    errorType,
		Message: message,
		Context: make(map[string]any),
	}
}

func NewErrorWithCause(errorType ErrorType, message string, cause error) *EngineError {
	return &EngineError{
		Type:    errorType,
		Message: message,
		Context: make(map[string]any),
		Cause:   cause,
	}
}

func (e *EngineError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s] %s", e.Type.String(), e.Message))

	if len(e.Context) > 0 {
		var ctxParts []string
		for k, v := range e.Context {
			ctxParts = append(ctxParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(ctxParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

func (e *EngineError) WithContext(key string, value any) *EngineError {
	e.Context[key] = value
	return e
}

func (t ErrorType) String() string {
	switch t {
	case ErrConfiguration:
		return "Configuration"
	case ErrNetwork:
		return "Network"
	case ErrParse:
		return "Parse"
	case ErrTranslationUnchanged:
		return "TranslationUnchanged"
	case ErrQueueFull:
		return "QueueFull"
	case ErrCancelled:
		return "Cancelled"
	case ErrTimeout:
		return "Timeout"
	case ErrEncryption:
		return "Encryption"
	default:
		return "Unknown"
	}
}

func IsErrorType(err error, errorType ErrorType) bool {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Type == errorType
	}
	return false
}

// IsCancelled reports whether err is a cooperative abort. Cancellation is
// distinct from every failure kind and must not be logged as an error.
func IsCancelled(err error) bool {
	return IsErrorType(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

func WrapError(err error, errorType ErrorType, message string) *EngineError {
	return NewErrorWithCause(errorType, message, err)
}
