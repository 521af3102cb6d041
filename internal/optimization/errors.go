package optimization

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Match them with errors.Is.
var (
	// ErrInvalidSpace reports a malformed dimension or search space. Fatal,
	// no run starts.
	ErrInvalidSpace = errors.New("invalid search space")
	// ErrInvalidConfig reports an optimizer configuration that cannot run.
	ErrInvalidConfig = errors.New("invalid optimizer configuration")
	// ErrSurrogateFit reports a covariance factorization that kept failing
	// after every nugget increase. Fatal for the run.
	ErrSurrogateFit = errors.New("surrogate fit failed")
	// ErrObjectiveEvaluation reports a single failed objective call. The
	// controller recovers from it locally.
	ErrObjectiveEvaluation = errors.New("objective evaluation failed")
	// ErrCancelled reports that a run stopped early on a cancellation signal.
	ErrCancelled = errors.New("optimization cancelled")
)

// Error represents an optimization error with context
// that can be wrapped with additional information.
type Error struct {
	// Message describes the error that occurred.
	Message string
	// Op is the operation that caused the error.
	Op string
	// Component is the component where the error occurred.
	Component string
	// Kind is one of the sentinel errors above, if any.
	Kind error
	// Err is the underlying error that triggered this one, if any.
	Err error
}

// Error returns the string representation of the error.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var prefix string
	if e.Component != "" && e.Op != "" {
		prefix = fmt.Sprintf("%s: %s", e.Component, e.Op)
	} else if e.Component != "" {
		prefix = e.Component
	} else if e.Op != "" {
		prefix = e.Op
	}

	msg := e.Message
	if e.Kind != nil {
		if msg == "" {
			msg = e.Kind.Error()
		} else {
			msg = e.Kind.Error() + ": " + msg
		}
	}

	if e.Err != nil {
		if prefix != "" {
			return fmt.Sprintf("%s: %s: %v", prefix, msg, e.Err)
		}
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}

	if prefix != "" {
		return fmt.Sprintf("%s: %s", prefix, msg)
	}
	return msg
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target is the error's kind.
func (e *Error) Is(target error) bool {
	return e != nil && e.Kind != nil && e.Kind == target
}

// WithOperation adds operation context to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Op = op
	return e
}

// WithComponent adds component context to the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// NewError creates a new optimization error with the given message.
func NewError(message string) *Error {
	return &Error{
		Message: message,
	}
}

// NewErrorf creates a new optimization error with formatted message.
func NewErrorf(format string, args ...interface{}) *Error {
	return &Error{
		Message: fmt.Sprintf(format, args...),
	}
}

// NewKindError creates an error of the given kind with a formatted message.
func NewKindError(kind error, format string, args ...interface{}) *Error {
	return &Error{
		Message: fmt.Sprintf(format, args...),
		Kind:    kind,
	}
}

// WrapError wraps an existing error with additional context.
// If err is nil, WrapError returns nil.
func WrapError(err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Message: message,
		Err:     err,
	}
}

// WrapErrorf wraps an existing error with additional formatted context.
// If err is nil, WrapErrorf returns nil.
func WrapErrorf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// WrapKind wraps err and tags it with kind. Unlike WrapError it does not
// return nil for a nil err, since the kind alone is meaningful.
func WrapKind(kind, err error, message string) *Error {
	return &Error{
		Message: message,
		Kind:    kind,
		Err:     err,
	}
}

// IsOptimizationError checks if an error is of type Error.
// If the error is an optimization error, it returns the error and true.
// Otherwise, it returns nil and false.
func IsOptimizationError(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
