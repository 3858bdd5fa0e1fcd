package event

import (
	"fmt"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type locatedError struct{}

func (locatedError) Error() string     { return "located" }
func (locatedError) Location() *Source { return &Source{File: "math_test.go", Line: 12} }

func TestSerialize(t *testing.T) {
	t.Run("nil error", func(t *testing.T) {
		assert.Nil(t, Serialize(KindError, nil))
	})

	t.Run("plain error", func(t *testing.T) {
		se := Serialize(KindError, fmt.Errorf("boom"))
		require.NotNil(t, se)
		assert.Equal(t, KindError, se.Kind)
		assert.Equal(t, "boom", se.Message)
		assert.Empty(t, se.Stack)
		assert.Nil(t, se.Source)
	})

	t.Run("error with stack", func(t *testing.T) {
		se := Serialize(KindPanic, pkgerrors.New("kaboom"))
		require.NotNil(t, se)
		assert.Equal(t, "kaboom", se.Message)
		assert.Contains(t, se.Stack, "TestSerialize")
		require.NotNil(t, se.Source)
		assert.Contains(t, se.Source.File, "errors_test.go")
	})

	t.Run("located error wins over stack", func(t *testing.T) {
		se := Serialize(KindAssertion, pkgerrors.WithStack(locatedError{}))
		require.NotNil(t, se.Source)
		assert.Equal(t, 12, se.Source.Line)
	})

	t.Run("already serialized", func(t *testing.T) {
		orig := &SerializedError{Kind: KindInternal, Message: "kept"}
		assert.Same(t, orig, Serialize(KindError, fmt.Errorf("wrapped: %w", orig)))
	})
}

func TestStateChange_IsFailure(t *testing.T) {
	assert.True(t, StateChange{Type: TestFailed}.IsFailure())
	assert.True(t, StateChange{Type: WorkerFailed}.IsFailure())
	assert.False(t, StateChange{Type: TestPassed}.IsFailure())
	assert.False(t, StateChange{Type: FileNotRun}.IsFailure())
}
