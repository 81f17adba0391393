package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies why a transaction did not succeed.
type Kind string

const (
	// KindValidation indicates a malformed payload or chain definition.
	// Rejected before a worker is assigned whenever possible.
	KindValidation Kind = "validation"

	// KindDependencyFailed indicates an upstream step did not succeed.
	KindDependencyFailed Kind = "dependency_failed"

	// KindCommandFailed indicates an external operation exited with an
	// unexpected status.
	KindCommandFailed Kind = "command_failed"

	// KindNotImplemented indicates the handler lacks the requested entry point.
	KindNotImplemented Kind = "not_implemented"

	// KindUnexpected indicates any other fault, captured with diagnostics.
	KindUnexpected Kind = "unexpected"

	// KindRollbackFailed indicates a compensating action itself failed.
	KindRollbackFailed Kind = "rollback_failed"

	// KindKilled indicates an administrative cancellation.
	KindKilled Kind = "killed"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Kind is the error classification.
	Kind Kind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource the error relates to, if any.
	Resource string `json:"resource,omitempty"`

	// Operation is the handler entry or engine operation being performed.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Kind, e.Message)
	if e.Resource != "" {
		fmt.Fprintf(&b, " (resource=%s", e.Resource)
		if e.Operation != "" {
			fmt.Fprintf(&b, ", operation=%s", e.Operation)
		}
		b.WriteString(")")
	} else if e.Operation != "" {
		fmt.Fprintf(&b, " (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// NewError creates a new classified error.
func NewError(kind Kind, message string, err error) *EngineError {
	return &EngineError{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *EngineError {
	return NewError(KindValidation, message, err).WithCode(ErrCodeValidation)
}

// NewNotImplementedError creates a new not-implemented error.
func NewNotImplementedError(operation string) *EngineError {
	return NewError(KindNotImplemented, "Command not implemented", nil).
		WithCode(ErrCodeNotImplemented).
		WithOperation(operation)
}

// NewUnexpectedError creates a new unexpected error.
func NewUnexpectedError(message string, err error) *EngineError {
	return NewError(KindUnexpected, message, err).WithCode(ErrCodeInternal)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// CommandError is raised when an external operation exits with an
// unexpected status.
type CommandError struct {
	Cmd        string
	ExitStatus int
	Output     string
}

// NewCommandError creates a new command failure.
func NewCommandError(cmd string, exitStatus int, output string) *CommandError {
	return &CommandError{Cmd: cmd, ExitStatus: exitStatus, Output: output}
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	if e.Cmd == "" {
		return e.Output
	}
	return fmt.Sprintf("command '%s' exited with %d: %s", e.Cmd, e.ExitStatus, e.Output)
}

// KindOf returns the classification of err. Errors that carry no
// classification are unexpected.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *CommandError
	if errors.As(err, &ce) {
		return KindCommandFailed
	}
	var e *EngineError
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnexpected
}

// IsValidation returns true if the error is classified as validation.
func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}

// IsCommandFailure returns true if the error is a command failure.
func IsCommandFailure(err error) bool {
	return KindOf(err) == KindCommandFailed
}

// IsNotImplemented returns true if the error is classified as not implemented.
func IsNotImplemented(err error) bool {
	return KindOf(err) == KindNotImplemented
}

// Sentinel errors.
var (
	ErrNotFound        = errors.New("not found")
	ErrUnknownType     = errors.New("unknown transaction type")
	ErrLockAfterAppend = errors.New("locks must be acquired before the first append")
	ErrChainClosed     = errors.New("chain already committed or discarded")
	ErrTerminal        = errors.New("transaction already in a terminal state")
	ErrUnknownAnchor   = errors.New("unknown chain anchor")
)

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeNotImplemented   = "NOT_IMPLEMENTED"
	ErrCodeBadParams        = "BAD_PARAMS"
	ErrCodeUnsupported      = "UNSUPPORTED_COMMAND"
	ErrCodeBadReturn        = "BAD_RETURN_VALUE"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodePolicy           = "POLICY_VIOLATION"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodeKilled           = "KILLED"
)
