// Package errors turns panics into errors carrying the stack they were
// raised on, and provides HTTP middleware built on that.
package errors

import (
	"fmt"
	"runtime"
	"strings"
)

// PanicError is a recovered panic turned into an error.
type PanicError struct {
	// Value is the value passed to panic
	Value interface{}
	// Stack holds one "function\n\tfile:line" entry per frame, runtime
	// frames and the recovery helpers excluded
	Stack []string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap returns the panic value if it was an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// StackTrace joins the captured frames into one string.
func (e *PanicError) StackTrace() string {
	return strings.Join(e.Stack, "\n")
}

// FromPanic converts a value returned by recover into an error. It returns
// nil when rec is nil. Call it from the deferred function that recovered so
// the panicking frames are still on the stack.
func FromPanic(rec interface{}) error {
	if rec == nil {
		return nil
	}
	if pe, ok := rec.(*PanicError); ok {
		return pe
	}
	return &PanicError{Value: rec, Stack: stackTrace(3)}
}

// Safely calls fn and converts a panic inside it into an error.
func Safely(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = FromPanic(rec)
		}
	}()
	return fn()
}

// stackTrace returns the current stack, skipping skip frames.
func stackTrace(skip int) []string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(skip, pcs[:])
	if n == 0 {
		return nil
	}

	frames := runtime.CallersFrames(pcs[:n])
	stack := make([]string, 0, n)

	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") && !strings.HasSuffix(frame.File, "internal/errors/errors.go") {
			stack = append(stack, fmt.Sprintf("%s\n\t%s:%d", frame.Function, frame.File, frame.Line))
		}
		if !more {
			break
		}
	}

	return stack
}
