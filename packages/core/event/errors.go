package event

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// Error kinds carried by SerializedError.
const (
	KindAssertion = "assertion"
	KindPanic     = "panic"
	KindError     = "error"
	KindInternal  = "internal"
)

// Source points at the line that produced an error.
type Source struct {
	File string `json:"file"`
	Line int    `json:"line"`
}

// SerializedError is the wire form of an error raised while running a
// hook or test.
type SerializedError struct {
	Kind    string  `json:"kind"`
	Name    string  `json:"name,omitempty"`
	Message string  `json:"message"`
	Stack   string  `json:"stack,omitempty"`
	Source  *Source `json:"source,omitempty"`
}

func (e *SerializedError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// Locator is implemented by errors that know which source line raised
// them, such as failed assertions.
type Locator interface {
	Location() *Source
}

// Serialize normalizes err into a SerializedError of the given kind.
// Errors created with github.com/pkg/errors keep their stack; the first
// frame of that stack becomes the source location.
func Serialize(kind string, err error) *SerializedError {
	if err == nil {
		return nil
	}
	var se *SerializedError
	if errors.As(err, &se) {
		return se
	}

	out := &SerializedError{
		Kind:    kind,
		Name:    fmt.Sprintf("%T", err),
		Message: err.Error(),
	}

	var loc Locator
	if errors.As(err, &loc) {
		out.Source = loc.Location()
	}

	var st stackTracer
	if errors.As(err, &st) {
		trace := st.StackTrace()
		out.Stack = strings.TrimSpace(fmt.Sprintf("%+v", trace))
		if out.Source == nil && len(trace) > 0 {
			pc := uintptr(trace[0]) - 1
			if fn := runtime.FuncForPC(pc); fn != nil {
				file, line := fn.FileLine(pc)
				out.Source = &Source{File: file, Line: line}
			}
		}
	}
	return out
}
