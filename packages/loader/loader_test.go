package loader

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/abdul-hamid-achik/specrun/packages/core/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var registeredHere = Register(func(test *runner.Chain) {
	test.Test("registered", func(t *runner.T) {})
})

const interpretedSuite = `package suite

import (
	"strings"

	"github.com/abdul-hamid-achik/specrun/packages/core/runner"
)

func Tests(test *runner.Chain) {
	test.Before().Do(func(t *runner.T) {
		t.SetContext(strings.ToUpper("ready"))
	})
	test.Test("reads context", func(t *runner.T) {
		t.Is(t.Context(), "READY")
	})
	test.Todo("later")
}
`

func declared(t *testing.T, l Loader, file string) *runner.Runner {
	t.Helper()
	r, test := runner.New(runner.Options{File: file})
	require.NoError(t, l.Load(context.Background(), file, test))
	return r
}

func TestRegistry_RegisterUsesCallerFile(t *testing.T) {
	_, thisFile, _, _ := runtime.Caller(0)
	assert.Equal(t, thisFile, registeredHere)
	assert.True(t, Default().Has(thisFile))
	assert.True(t, Default().Has("loader/loader_test.go"), "relative suffixes resolve")

	r := declared(t, Default(), thisFile)
	tests := r.Tasks().Tests()
	require.Len(t, tests, 1)
	assert.Equal(t, "registered", tests[0].Title)
	assert.Equal(t, []string{thisFile}, Default().Dependencies(thisFile))
}

func TestRegistry_DeclarationErrorsBecomeErrors(t *testing.T) {
	reg := NewRegistry()
	reg.Add("dup_test.go", func(test *runner.Chain) {
		test.Test("same", func(t *runner.T) {})
		test.Test("same", func(t *runner.T) {})
	})

	_, test := runner.New(runner.Options{})
	err := reg.Load(context.Background(), "dup_test.go", test)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Duplicate test title: same")

	var de *runner.DeclarationError
	assert.ErrorAs(t, err, &de)
}

func TestRegistry_Unknown(t *testing.T) {
	_, test := runner.New(runner.Options{})
	err := NewRegistry().Load(context.Background(), "missing_test.go", test)
	assert.Error(t, err)
}

func TestInterpreter_LoadsTests(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "suite.go")
	require.NoError(t, os.WriteFile(file, []byte(interpretedSuite), 0644))

	it, err := NewInterpreter(4)
	require.NoError(t, err)

	r := declared(t, it, file)
	tasks := r.Tasks()
	assert.Len(t, tasks.Before, 1)
	assert.Len(t, tasks.Concurrent, 1)
	assert.Len(t, tasks.Todo, 1)
	assert.Equal(t, 1, it.Cached())

	declared(t, it, file)
	assert.Equal(t, 1, it.Cached(), "unchanged files are served from the cache")
}

func TestInterpreter_MissingEntryPoint(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "empty.go")
	require.NoError(t, os.WriteFile(file, []byte("package empty\n\nfunc helper() {}\n"), 0644))

	it, err := NewInterpreter(4)
	require.NoError(t, err)

	_, test := runner.New(runner.Options{})
	err = it.Load(context.Background(), file, test)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must define func Tests")
}

func TestInterpreter_SyntaxError(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "broken.go")
	require.NoError(t, os.WriteFile(file, []byte("package broken\n\nfunc Tests(\n"), 0644))

	it, err := NewInterpreter(4)
	require.NoError(t, err)

	_, test := runner.New(runner.Options{})
	assert.Error(t, it.Load(context.Background(), file, test))
}

func TestAuto_Picks(t *testing.T) {
	_, thisFile, _, _ := runtime.Caller(0)
	auto, err := NewAuto()
	require.NoError(t, err)

	_, test := runner.New(runner.Options{})
	require.NoError(t, auto.Load(context.Background(), thisFile, test))

	_, test = runner.New(runner.Options{})
	err = auto.Load(context.Background(), "does/not/exist.txt", test)
	assert.Error(t, err)
	assert.Nil(t, auto.Dependencies("does/not/exist.txt"))
}
