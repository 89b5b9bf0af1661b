package workgraph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/workgraph/retry"
)

var (
	ErrCycleDetected      = errors.New("dependency cycle detected")
	ErrDanglingDependency = errors.New("dangling dependency")
	ErrExecutionFailed    = errors.New("unit execution failed")
	ErrRetriesExhausted   = errors.New("retries exhausted")
	ErrIntegrity          = errors.New("checkpoint integrity check failed")
	ErrCancelled          = errors.New("execution cancelled")
	ErrUnitTimeout        = errors.New("unit timed out")
	ErrUnknownKind        = errors.New("no executor registered for unit kind")
	ErrInvalidRollback    = errors.New("unit cannot be rolled back")
	ErrNoProgress         = errors.New("no progress possible")
	ErrAlreadyStarted     = errors.New("execution already started")
	ErrUnitNotFound       = errors.New("unit not found")
)

// CycleError reports the units that form a dependency cycle.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCycleDetected, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Is(target error) bool {
	return target == ErrCycleDetected
}

// DanglingDependencyError reports a reference to a unit that does not exist.
type DanglingDependencyError struct {
	UnitID    string
	Reference string
}

func (e *DanglingDependencyError) Error() string {
	return fmt.Sprintf("%s: unit %q references unknown unit %q", ErrDanglingDependency, e.UnitID, e.Reference)
}

func (e *DanglingDependencyError) Is(target error) bool {
	return target == ErrDanglingDependency
}

// IntegrityError is returned when a checkpoint cannot be trusted.
type IntegrityError struct {
	CheckpointID string
	Reason       string
	Err          error
}

func (e *IntegrityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: checkpoint %s: %s: %v", ErrIntegrity, e.CheckpointID, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: checkpoint %s: %s", ErrIntegrity, e.CheckpointID, e.Reason)
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

// Error type constants for classification
const (
	// ErrorTypeExecutionFailed is the default classification. Units failing
	// with it are retried while attempts remain.
	ErrorTypeExecutionFailed = "execution_failed"

	// ErrorTypeTimeout indicates the unit exceeded its deadline. Retryable.
	ErrorTypeTimeout = "timeout"

	// ErrorTypeFatal indicates an error that must not be retried.
	ErrorTypeFatal = "fatal"

	// ErrorTypeCancelled indicates the run was stopped. Never retried.
	ErrorTypeCancelled = "cancelled"
)

// UnitError represents a classified unit failure. It supports Go's error
// wrapping patterns with Unwrap().
type UnitError struct {
	Type    string `json:"type"`
	Cause   string `json:"cause"`
	Details any    `json:"details,omitempty"`
	Wrapped error  `json:"-"`
}

// Error implements the error interface
func (e *UnitError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

// Unwrap implements the error unwrapping interface for Go's errors.Is and errors.As
func (e *UnitError) Unwrap() error {
	return e.Wrapped
}

// Retryable reports whether a unit failing with this error may be retried.
func (e *UnitError) Retryable() bool {
	return e.Type != ErrorTypeFatal && e.Type != ErrorTypeCancelled
}

// NewUnitError creates a new UnitError with the specified type and cause.
func NewUnitError(errorType, cause string) *UnitError {
	return &UnitError{Type: errorType, Cause: cause}
}

// NewFatalError wraps err so that the unit fails without retry.
func NewFatalError(err error) *UnitError {
	return &UnitError{Type: ErrorTypeFatal, Cause: err.Error(), Wrapped: err}
}

// ClassifyError converts an arbitrary executor error into a UnitError.
// Errors that are not already classified are sorted by retry.Classify.
func ClassifyError(err error) *UnitError {
	var unitErr *UnitError
	if errors.As(err, &unitErr) {
		return unitErr
	}
	errorType := ErrorTypeExecutionFailed
	switch {
	case errors.Is(err, ErrCancelled):
		errorType = ErrorTypeCancelled
	case errors.Is(err, ErrUnitTimeout):
		errorType = ErrorTypeTimeout
	default:
		switch retry.Classify(err) {
		case retry.ClassPermanent:
			errorType = ErrorTypeFatal
		case retry.ClassCancelled:
			errorType = ErrorTypeCancelled
		case retry.ClassTimeout:
			errorType = ErrorTypeTimeout
		}
	}
	return &UnitError{Type: errorType, Cause: err.Error(), Wrapped: err}
}

// MatchesErrorType checks if an error matches a specified error type.
func MatchesErrorType(err error, errorType string) bool {
	return ClassifyError(err).Type == errorType
}
