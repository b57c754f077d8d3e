package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeStepFailed         = "STEP_FAILED"
	ErrCodeCompensationFailed = "COMPENSATION_FAILED"
	ErrCodeDefinitionNotFound = "DEFINITION_NOT_FOUND"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeTimeout            = "TIMEOUT_ERROR"
	ErrCodeExpression         = "EXPRESSION_ERROR"
)

// Sentinels for errors.Is matching. Any SagaError with the same code matches.
var (
	ErrNotFound = NewError(ErrCodeNotFound, "not found")
	ErrConflict = NewError(ErrCodeConflict, "conflict")
)

// SagaError is the structured error type for all saga core operations.
type SagaError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    string         `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *SagaError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *SagaError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a SagaError carrying the same code.
func (e *SagaError) Is(target error) bool {
	t, ok := target.(*SagaError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new SagaError.
func NewError(code, message string) *SagaError {
	return &SagaError{Code: code, Message: message}
}

// NewErrorf creates a new SagaError with a formatted message.
func NewErrorf(code, format string, args ...any) *SagaError {
	return &SagaError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step name to the error.
func (e *SagaError) WithStep(step string) *SagaError {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *SagaError) WithCause(err error) *SagaError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *SagaError) WithDetails(details map[string]any) *SagaError {
	e.Details = details
	return e
}
