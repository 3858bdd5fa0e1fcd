package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/abdul-hamid-achik/specrun/packages/core/config"
	"github.com/abdul-hamid-achik/specrun/packages/core/event"
	"github.com/abdul-hamid-achik/specrun/packages/loader"
	"github.com/abdul-hamid-achik/specrun/packages/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passingSpec = `package passing

import "github.com/abdul-hamid-achik/specrun/packages/core/runner"

func Tests(test *runner.Chain) {
	test.Test("adds", func(t *runner.T) {
		t.Is(1+1, 2)
	})
	test.Serial().Test("subtracts", func(t *runner.T) {
		t.Is(3-1, 2)
	})
}
`

const failingSpec = `package failing

import "github.com/abdul-hamid-achik/specrun/packages/core/runner"

func Tests(test *runner.Chain) {
	test.Test("is wrong", func(t *runner.T) {
		t.Is(1+1, 3)
	})
}
`

func writeSpec(t *testing.T, name, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(src), 0644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	_, err := rootCmd.ExecuteC()
	return out.String(), err
}

func TestParseFileArg(t *testing.T) {
	tests := []struct {
		arg     string
		want    pool.File
		wantErr bool
	}{
		{arg: "math.go", want: pool.File{Path: "math.go"}},
		{arg: "math.go:12", want: pool.File{Path: "math.go", LineNumbers: []int{12}}},
		{arg: "specs/math.go:12,15", want: pool.File{Path: "specs/math.go", LineNumbers: []int{12, 15}}},
		{arg: `C:\specs\math.go`, want: pool.File{Path: `C:\specs\math.go`}},
		{arg: "math.go:abc", wantErr: true},
		{arg: "math.go:0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			got, err := parseFileArg(tt.arg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCollectFiles(t *testing.T) {
	file := writeSpec(t, "math.go", passingSpec)

	t.Run("merges line selections", func(t *testing.T) {
		files, err := collectFiles([]string{file + ":3", file + ":7"})
		require.NoError(t, err)
		require.Len(t, files, 1)
		assert.Equal(t, []int{3, 7}, files[0].LineNumbers)
		assert.True(t, filepath.IsAbs(files[0].Path))
	})

	t.Run("whole file wins", func(t *testing.T) {
		files, err := collectFiles([]string{file + ":3", file})
		require.NoError(t, err)
		require.Len(t, files, 1)
		assert.Empty(t, files[0].LineNumbers)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := collectFiles([]string{filepath.Join(t.TempDir(), "nope.go")})
		assert.Error(t, err)
	})

	t.Run("directory", func(t *testing.T) {
		_, err := collectFiles([]string{t.TempDir()})
		assert.ErrorContains(t, err, "is a directory")
	})
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("SPECRUN_TEST_STRING", "value")
	t.Setenv("SPECRUN_TEST_BOOL", "yes")
	t.Setenv("SPECRUN_TEST_INT", "7")
	t.Setenv("SPECRUN_TEST_BAD_INT", "seven")
	t.Setenv("SPECRUN_TEST_LIST", "a*, !b ,,c")

	assert.Equal(t, "value", getEnvString("SPECRUN_TEST_STRING", "default"))
	assert.Equal(t, "default", getEnvString("SPECRUN_TEST_UNSET", "default"))
	assert.True(t, getEnvBool("SPECRUN_TEST_BOOL", false))
	assert.Equal(t, 7, getEnvInt("SPECRUN_TEST_INT", 1))
	assert.Equal(t, 1, getEnvInt("SPECRUN_TEST_BAD_INT", 1))
	assert.Equal(t, []string{"a*", "!b", "c"}, getEnvList("SPECRUN_TEST_LIST"))
	assert.Nil(t, getEnvList("SPECRUN_TEST_UNSET"))
}

func TestStrategyFor(t *testing.T) {
	auto, err := loader.NewAuto()
	require.NoError(t, err)

	tests := []struct {
		name         string
		cfg          *config.Config
		wantMode     pool.Mode
		wantLauncher any
	}{
		{name: "process", cfg: &config.Config{WorkerMode: config.WorkerProcess}, wantMode: pool.PerFile, wantLauncher: pool.ProcessLauncher{}},
		{name: "shared goroutines", cfg: &config.Config{WorkerMode: config.WorkerGoroutine, ShareWorkers: config.BoolPtr(true)}, wantMode: pool.Shared, wantLauncher: pool.GoroutineLauncher{}},
		{name: "inline", cfg: &config.Config{WorkerMode: config.WorkerInline, ShareWorkers: config.BoolPtr(true)}, wantMode: pool.SingleProcess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mode, launcher := strategyFor(tt.cfg, auto, nil)
			assert.Equal(t, tt.wantMode, mode)
			if tt.wantLauncher == nil {
				assert.Nil(t, launcher)
			} else {
				assert.IsType(t, tt.wantLauncher, launcher)
			}
		})
	}
}

func TestRun_Inline(t *testing.T) {
	t.Chdir(t.TempDir())
	file := writeSpec(t, "passing.go", passingSpec)

	out, err := execute(t, "run", "--worker-mode", "inline", "--reporter", "json", "--timeout", "0", file)
	require.NoError(t, err)

	var passed []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if strings.Contains(line, `"type":"summary"`) {
			continue
		}
		var sc event.StateChange
		require.NoError(t, json.Unmarshal([]byte(line), &sc), line)
		if sc.Type == event.TestPassed {
			passed = append(passed, sc.Title)
		}
	}
	assert.ElementsMatch(t, []string{"adds", "subtracts"}, passed)
	assert.Contains(t, out, `"type":"summary"`)
}

func TestRun_FailureExitCode(t *testing.T) {
	t.Chdir(t.TempDir())
	file := writeSpec(t, "failing.go", failingSpec)

	out, err := execute(t, "run", "--worker-mode", "inline", "--reporter", "tap", "--timeout", "0", file)
	var exit *ExitError
	require.True(t, errors.As(err, &exit))
	assert.Equal(t, ExitTestFailure, exit.Code)
	assert.Contains(t, out, "not ok 1 - ")
	assert.Contains(t, out, "is wrong")
}

func TestRun_NoFiles(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := execute(t, "run", "--worker-mode", "inline")
	var exit *ExitError
	require.True(t, errors.As(err, &exit))
	assert.Equal(t, ExitNoFiles, exit.Code)
}

func TestFlagsOverrideConfig(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	cfg := config.DefaultConfig()
	cfg.Concurrency = 3
	cfg.Reporter = "tap"
	require.NoError(t, cfg.SaveConfig(filepath.Join(dir, ".specrun.yaml")))

	t.Setenv("SPECRUN_REPORTER", "junit")
	require.NoError(t, runCmd.Flags().Set("fail-fast", "true"))
	t.Cleanup(func() {
		_ = runCmd.Flags().Set("fail-fast", "false")
		runCmd.Flags().Lookup("fail-fast").Changed = false
	})
	reporterFlag = "junit"
	t.Cleanup(func() { reporterFlag = config.DefaultConfig().Reporter })

	got, err := loadRunConfig(runCmd)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Concurrency)
	assert.Equal(t, "junit", got.Reporter)
	assert.True(t, got.GetFailFast())
}

func TestInitThenValidate(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	out, err := execute(t, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "specrun project initialized!")

	cfg, err := config.FindAndLoadConfig(dir)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join("_specs", "example.go")}, cfg.Files)

	out, err = execute(t, "validate", filepath.Join("_specs", "example.go"))
	require.NoError(t, err)
	assert.Contains(t, out, "(4 tests)")

	out, err = execute(t, "list", filepath.Join("_specs", "example.go"))
	require.NoError(t, err)
	assert.Contains(t, out, "- runs alone [serial]")
	assert.Contains(t, out, "- write more tests [todo]")
	assert.Contains(t, out, "hooks: 1")

	_, err = execute(t, "init")
	assert.ErrorContains(t, err, "already exists")
}

func TestValidate_DeclarationError(t *testing.T) {
	file := writeSpec(t, "broken.go", "package broken\n\nfunc helper() {}\n")

	_, err := execute(t, "validate", file)
	var exit *ExitError
	require.True(t, errors.As(err, &exit))
	assert.Equal(t, ExitDeclarationError, exit.Code)
}
