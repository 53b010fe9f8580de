// Package sageattn structured error types for host-side failure reporting
package sageattn

import (
	"fmt"
)

// ErrorType represents categories of errors
type ErrorType int

const (
	// Invalid argument errors (wrong dtype, layout, head ratio, granularity)
	ErrTypeInvalidArg ErrorType = iota
	// Shape mismatch errors (tensor or scale array shape vs tile geometry)
	ErrTypeShape
	// Dispatch errors (no kernel specialization for the parameters)
	ErrTypeDispatch
	// Execution errors
	ErrTypeExecution
)

// AttnError represents a structured error with context. All precondition
// and shape violations are raised host-side before any kernel launch;
// device-level failures do not take this path (they are fatal, see the
// exceptions-based panic in the descriptor and dispatch layers).
type AttnError struct {
	Type    ErrorType
	Op      string // Operation that failed
	Message string // Human-readable message
	Err     error  // Underlying error if any
}

// Error implements the error interface
func (e *AttnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sageattn %s error in %s: %s (caused by: %v)",
			e.Type.String(), e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("sageattn %s error in %s: %s",
		e.Type.String(), e.Op, e.Message)
}

// Unwrap allows error chain inspection
func (e *AttnError) Unwrap() error {
	return e.Err
}

// String returns the error type as a string
func (t ErrorType) String() string {
	switch t {
	case ErrTypeInvalidArg:
		return "InvalidArgument"
	case ErrTypeShape:
		return "Shape"
	case ErrTypeDispatch:
		return "Dispatch"
	case ErrTypeExecution:
		return "Execution"
	default:
		return "Unknown"
	}
}

// Common error constructors

// newInvalidArgError creates an invalid argument error
func newInvalidArgError(op string, message string) error {
	return &AttnError{
		Type:    ErrTypeInvalidArg,
		Op:      op,
		Message: message,
	}
}

// newShapeError creates a shape mismatch error
func newShapeError(op string, err error) error {
	return &AttnError{
		Type:    ErrTypeShape,
		Op:      op,
		Message: "shape mismatch",
		Err:     err,
	}
}

// newDispatchError creates a dispatch error
func newDispatchError(op string, message string) error {
	return &AttnError{
		Type:    ErrTypeDispatch,
		Op:      op,
		Message: message,
	}
}

// IsInvalidArgError checks if an error is an invalid argument error
func IsInvalidArgError(err error) bool {
	if e, ok := err.(*AttnError); ok {
		return e.Type == ErrTypeInvalidArg
	}
	return false
}

// IsShapeError checks if an error is a shape mismatch error
func IsShapeError(err error) bool {
	if e, ok := err.(*AttnError); ok {
		return e.Type == ErrTypeShape
	}
	return false
}
