package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNoWorkflow        = "NO_WORKFLOW"
	ErrCodeConnection        = "CONNECTION_ERROR"
	ErrCodeUnresolvedParam   = "UNRESOLVED_PARAMETER"
	ErrCodeTemplateParse     = "TEMPLATE_PARSE_ERROR"
	ErrCodeSubmitFailed      = "SUBMIT_FAILED"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeInterrupted       = "INTERRUPTED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStore             = "STORE_ERROR"
)

// RunError is the structured error type for all graphrun operations.
type RunError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	ParamID string         `json:"param_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *RunError) Error() string {
	if e.ParamID != "" {
		return fmt.Sprintf("[%s] param %s: %s", e.Code, e.ParamID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *RunError) Unwrap() error {
	return e.Cause
}

// NewError creates a new RunError.
func NewError(code, message string) *RunError {
	return &RunError{Code: code, Message: message}
}

// NewErrorf creates a new RunError with a formatted message.
func NewErrorf(code, format string, args ...any) *RunError {
	return &RunError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithParam attaches a parameter ID to the error.
func (e *RunError) WithParam(paramID string) *RunError {
	e.ParamID = paramID
	return e
}

// WithCause attaches an underlying cause.
func (e *RunError) WithCause(err error) *RunError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *RunError) WithDetails(details map[string]any) *RunError {
	e.Details = details
	return e
}
