package runner

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/abdul-hamid-achik/specrun/packages/core/event"
	pkgerrors "github.com/pkg/errors"
)

// ErrLateDeclaration is raised when a task is declared after Run started.
var ErrLateDeclaration = errors.New("all tests and hooks must be declared synchronously in your test file, and cannot be nested within other tests or hooks")

// DeclarationError aborts loading a test file. It is raised with panic
// from the Chain so a file's declaration code needs no error handling.
type DeclarationError struct {
	Title   string
	Message string
	Err     error
	Source  *event.Source
}

func (e *DeclarationError) Error() string {
	return e.Message
}

func (e *DeclarationError) Unwrap() error {
	return e.Err
}

// Location implements event.Locator.
func (e *DeclarationError) Location() *event.Source {
	return e.Source
}

func declarationError(title, format string, args ...any) *DeclarationError {
	return &DeclarationError{Title: title, Message: fmt.Sprintf(format, args...)}
}

// AsDeclarationError extracts a DeclarationError from a recovered panic
// value.
func AsDeclarationError(rec any) (*DeclarationError, bool) {
	err, ok := rec.(error)
	if !ok {
		return nil, false
	}
	var de *DeclarationError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// AssertionError is a failed assertion.
type AssertionError struct {
	Message string
	Diff    string

	source *event.Source
	cause  error
}

func newAssertionError(skip int, message, diff string) *AssertionError {
	e := &AssertionError{
		Message: message,
		Diff:    diff,
		cause:   pkgerrors.New(message),
	}
	if _, file, line, ok := runtime.Caller(skip + 1); ok {
		e.source = &event.Source{File: file, Line: line}
	}
	return e
}

func (e *AssertionError) Error() string {
	if e.Diff == "" {
		return e.Message
	}
	return e.Message + "\n" + e.Diff
}

func (e *AssertionError) Unwrap() error {
	return e.cause
}

// Location implements event.Locator.
func (e *AssertionError) Location() *event.Source {
	return e.source
}

// PanicError wraps a value recovered from a test or hook.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	if err, ok := e.Value.(error); ok {
		return "panic: " + err.Error()
	}
	return fmt.Sprintf("panic: %v", e.Value)
}

func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// serializeResult picks the error kind for a failed result.
func serializeResult(err error) *event.SerializedError {
	if err == nil {
		return nil
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		se := event.Serialize(event.KindPanic, err)
		if se.Stack == "" {
			se.Stack = string(pe.Stack)
		}
		return se
	}
	var ae *AssertionError
	if errors.As(err, &ae) {
		return event.Serialize(event.KindAssertion, err)
	}
	return event.Serialize(event.KindError, err)
}
