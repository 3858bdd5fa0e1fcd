// Package loader turns a test file path into declarations on a
// runner.Chain.
//
// Two kinds of files are supported. Compiled suites register themselves
// from an init function:
//
//	var _ = loader.Register(func(test *runner.Chain) {
//		test.Test("adds", func(t *runner.T) { t.Is(1+1, 2) })
//	})
//
// and are addressed by their source path. Any other .go file is evaluated
// with the yaegi interpreter and must define
//
//	func Tests(test *runner.Chain)
package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/abdul-hamid-achik/specrun/packages/core/runner"
)

// Loader declares the tasks of one file.
type Loader interface {
	Load(ctx context.Context, file string, test *runner.Chain) error
	// Dependencies lists the files the last Load of file read.
	Dependencies(file string) []string
}

// Suite declares the tasks of a compiled test file.
type Suite func(test *runner.Chain)

// declare runs suite, turning declaration panics into errors.
func declare(file string, suite Suite, test *runner.Chain) (err error) {
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		if de, ok := runner.AsDeclarationError(rec); ok {
			err = fmt.Errorf("%s: %w", file, de)
			return
		}
		err = fmt.Errorf("%s: %w", file, &runner.PanicError{Value: rec, Stack: debug.Stack()})
	}()
	suite(test)
	return nil
}

// Auto prefers a registered compiled suite and falls back to interpreting
// the file.
type Auto struct {
	Registry    *Registry
	Interpreter *Interpreter
}

// NewAuto combines the default registry with a fresh interpreter.
func NewAuto() (*Auto, error) {
	interpreter, err := NewInterpreter(DefaultCacheSize)
	if err != nil {
		return nil, err
	}
	return &Auto{Registry: Default(), Interpreter: interpreter}, nil
}

func (a *Auto) pick(file string) (Loader, error) {
	if a.Registry != nil && a.Registry.Has(file) {
		return a.Registry, nil
	}
	if a.Interpreter != nil && filepath.Ext(file) == ".go" {
		if _, err := os.Stat(file); err == nil {
			return a.Interpreter, nil
		}
	}
	return nil, fmt.Errorf("%s: no registered suite and not an interpretable Go file", file)
}

func (a *Auto) Load(ctx context.Context, file string, test *runner.Chain) error {
	l, err := a.pick(file)
	if err != nil {
		return err
	}
	return l.Load(ctx, file, test)
}

func (a *Auto) Dependencies(file string) []string {
	l, err := a.pick(file)
	if err != nil {
		return nil
	}
	return l.Dependencies(file)
}
