// Package engineerr defines the transform engine's error-code taxonomy,
// the kinds surfaced upward per spec.md §6.
package engineerr

import "fmt"

// Code is one of the error kinds the engine surfaces to callers.
type Code string

const (
	CodeParseError                    Code = "parse_error"
	CodeCycle                         Code = "cycle"
	CodeValidationError               Code = "validation_error"
	CodeMissingUpstream               Code = "missing_upstream"
	CodeIncrementalRequiresUniqueKey  Code = "incremental_requires_unique_key"
	CodeAssertionFailed               Code = "assertion_failed"
	CodeExecutionError                Code = "execution_error"
	CodeCancelled                     Code = "cancelled"
	CodeTimeout                       Code = "timeout"
)

// EngineError is a structured error carrying a stable code plus contextual
// details (file, line, model, cycle path, ...).
type EngineError struct {
	Code    Code
	Message string
	Details map[string]interface{}
	Err     error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error, if any.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// WithDetail attaches a contextual key/value pair and returns the receiver.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates an EngineError with the given code and message.
func New(code Code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// Wrap creates an EngineError that wraps an underlying error.
func Wrap(code Code, message string, err error) *EngineError {
	return &EngineError{Code: code, Message: message, Err: err}
}

// ParseError reports a directive/parse error at a specific file and line.
func ParseError(file string, line int, reason string) *EngineError {
	return New(CodeParseError, reason).WithDetail("file", file).WithDetail("line", line)
}

// Cycle reports a dependency cycle, naming the models involved in order.
func Cycle(path []string) *EngineError {
	return New(CodeCycle, "dependency cycle detected").WithDetail("path", path)
}

// ValidationError reports a compile-time validation failure for a model.
func ValidationError(fullName string, err error) *EngineError {
	return Wrap(CodeValidationError, "model failed validation", err).WithDetail("model", fullName)
}

// MissingUpstream reports a declared dependency that resolves to nothing
// known and no recognized external source prefix.
func MissingUpstream(fullName, upstream string) *EngineError {
	return New(CodeMissingUpstream, "declared dependency not found").
		WithDetail("model", fullName).
		WithDetail("upstream", upstream)
}

// IncrementalRequiresUniqueKey reports a merge/delete+insert strategy
// declared without the required unique_key.
func IncrementalRequiresUniqueKey(fullName string) *EngineError {
	return New(CodeIncrementalRequiresUniqueKey, "incremental strategy requires unique_key").
		WithDetail("model", fullName)
}

// AssertionFailed reports a required assertion failure.
func AssertionFailed(fullName, expression, detail string) *EngineError {
	return New(CodeAssertionFailed, "required assertion failed").
		WithDetail("model", fullName).
		WithDetail("expression", expression).
		WithDetail("detail", detail)
}

// ExecutionError wraps a database/DDL execution failure for a model.
func ExecutionError(fullName string, err error) *EngineError {
	return Wrap(CodeExecutionError, "materialization failed", err).WithDetail("model", fullName)
}

// Cancelled reports that a run was interrupted by its cancellation signal.
func Cancelled(fullName string) *EngineError {
	e := New(CodeCancelled, "run cancelled")
	if fullName != "" {
		e.WithDetail("model", fullName)
	}
	return e
}

// Timeout reports a statement that exceeded its wall-clock budget.
func Timeout(fullName string) *EngineError {
	e := New(CodeTimeout, "statement timed out")
	if fullName != "" {
		e.WithDetail("model", fullName)
	}
	return e
}
