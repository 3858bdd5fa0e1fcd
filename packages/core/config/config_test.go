package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_Formats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name:    "json",
			file:    ".specrun.json",
			content: `{"concurrency": 3, "failFast": true, "workerMode": "goroutine", "timeout": "2s", "match": ["*db*"]}`,
		},
		{
			name: "yaml",
			file: ".specrun.yaml",
			content: `concurrency: 3
failFast: true
workerMode: goroutine
timeout: 2s
match:
  - "*db*"
`,
		},
		{
			name: "toml",
			file: ".specrun.toml",
			content: `concurrency = 3
failFast = true
workerMode = "goroutine"
timeout = "2s"
match = ["*db*"]
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			write(t, dir, tt.file, tt.content)

			cfg, err := FindAndLoadConfig(dir)
			require.NoError(t, err)
			assert.Equal(t, 3, cfg.Concurrency)
			assert.True(t, cfg.GetFailFast())
			assert.Equal(t, WorkerGoroutine, cfg.WorkerMode)
			assert.Equal(t, 2*time.Second, cfg.GetTimeout())
			assert.Equal(t, []string{"*db*"}, cfg.Match)
			assert.Equal(t, "console", cfg.Reporter, "unset fields keep defaults")
		})
	}
}

func TestFindAndLoadConfig_NoFile(t *testing.T) {
	cfg, err := FindAndLoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.True(t, cfg.IsDefault())
}

func TestFindAndLoadConfig_SearchOrder(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, ".specrun.yaml", "concurrency: 2\n")
	write(t, dir, ".specrun.json", `{"concurrency": 7}`)

	cfg, err := FindAndLoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Concurrency)
}

func TestLoadConfig_SchemaErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "unknown field", content: `{"bail": true}`},
		{name: "bad worker mode", content: `{"workerMode": "threads"}`},
		{name: "negative concurrency", content: `{"concurrency": -1}`},
		{name: "bad timeout", content: `{"timeout": "soon"}`},
		{name: "wrong type", content: `{"failFast": "yes"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := write(t, t.TempDir(), "specrun.json", tt.content)
			_, err := LoadConfig(path)
			var schemaErr *SchemaError
			require.True(t, errors.As(err, &schemaErr), "got %v", err)
			assert.NotEmpty(t, schemaErr.Problems)
		})
	}
}

func TestLoadConfig_ParseError(t *testing.T) {
	path := write(t, t.TempDir(), ".specrun.yaml", "concurrency: [\n")
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestMerge(t *testing.T) {
	base := DefaultConfig()
	merged := base.Merge(&Config{
		Concurrency: 8,
		FailFast:    BoolPtr(true),
		Reporter:    "tap",
	})

	assert.Equal(t, 8, merged.Concurrency)
	assert.True(t, merged.GetFailFast())
	assert.Equal(t, "tap", merged.Reporter)
	assert.Equal(t, WorkerProcess, merged.WorkerMode)
	assert.False(t, base.GetFailFast(), "base is not modified")

	assert.Same(t, base, base.Merge(nil))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, (&Config{Concurrency: -2}).Validate())
	assert.Error(t, (&Config{Timeout: "-1s"}).Validate())
	assert.Error(t, (&Config{WorkerMode: "fork"}).Validate())
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	for _, name := range []string{"out.json", "out.yaml", "out.toml"} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig().Merge(&Config{Concurrency: 4, ShareWorkers: BoolPtr(true), Match: []string{"api*"}})
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, cfg.SaveConfig(path))

			loaded, err := LoadConfig(path)
			require.NoError(t, err)
			assert.Equal(t, 4, loaded.Concurrency)
			assert.True(t, loaded.GetShareWorkers())
			assert.Equal(t, []string{"api*"}, loaded.Match)
		})
	}
}
