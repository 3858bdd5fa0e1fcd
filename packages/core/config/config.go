package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Worker modes.
const (
	WorkerProcess   = "process"
	WorkerGoroutine = "goroutine"
	WorkerInline    = "inline"
)

// Config represents the specrun configuration
type Config struct {
	Files           []string `json:"files,omitempty" yaml:"files,omitempty" toml:"files,omitempty"`
	Concurrency     int      `json:"concurrency,omitempty" yaml:"concurrency,omitempty" toml:"concurrency,omitempty"`
	FailFast        *bool    `json:"failFast,omitempty" yaml:"failFast,omitempty" toml:"failFast,omitempty"`
	Serial          *bool    `json:"serial,omitempty" yaml:"serial,omitempty" toml:"serial,omitempty"`
	WorkerMode      string   `json:"workerMode,omitempty" yaml:"workerMode,omitempty" toml:"workerMode,omitempty"`
	ShareWorkers    *bool    `json:"shareWorkers,omitempty" yaml:"shareWorkers,omitempty" toml:"shareWorkers,omitempty"`
	Timeout         string   `json:"timeout,omitempty" yaml:"timeout,omitempty" toml:"timeout,omitempty"` // e.g. "10s"; empty disables the watchdog
	Match           []string `json:"match,omitempty" yaml:"match,omitempty" toml:"match,omitempty"`
	UpdateSnapshots *bool    `json:"updateSnapshots,omitempty" yaml:"updateSnapshots,omitempty" toml:"updateSnapshots,omitempty"`
	SnapshotDir     string   `json:"snapshotDir,omitempty" yaml:"snapshotDir,omitempty" toml:"snapshotDir,omitempty"`
	Verbose         *bool    `json:"verbose,omitempty" yaml:"verbose,omitempty" toml:"verbose,omitempty"`
	NoColor         *bool    `json:"noColor,omitempty" yaml:"noColor,omitempty" toml:"noColor,omitempty"`
	Reporter        string   `json:"reporter,omitempty" yaml:"reporter,omitempty" toml:"reporter,omitempty"`
	LogLevel        string   `json:"logLevel,omitempty" yaml:"logLevel,omitempty" toml:"logLevel,omitempty"`
	LogFormat       string   `json:"logFormat,omitempty" yaml:"logFormat,omitempty" toml:"logFormat,omitempty"`
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool {
	return &b
}

// getBool returns the value of a bool pointer, or the default if nil
func getBool(b *bool, defaultVal bool) bool {
	if b == nil {
		return defaultVal
	}
	return *b
}

// GetFailFast returns the fail-fast setting, defaulting to false
func (c *Config) GetFailFast() bool {
	return getBool(c.FailFast, false)
}

// GetSerial returns the serial setting, defaulting to false
func (c *Config) GetSerial() bool {
	return getBool(c.Serial, false)
}

// GetShareWorkers returns whether idle workers are reused, defaulting to false
func (c *Config) GetShareWorkers() bool {
	return getBool(c.ShareWorkers, false)
}

// GetUpdateSnapshots returns the snapshot update setting, defaulting to false
func (c *Config) GetUpdateSnapshots() bool {
	return getBool(c.UpdateSnapshots, false)
}

// GetVerbose returns the verbose setting, defaulting to false
func (c *Config) GetVerbose() bool {
	return getBool(c.Verbose, false)
}

// GetNoColor returns the no color setting, defaulting to false
func (c *Config) GetNoColor() bool {
	return getBool(c.NoColor, false)
}

// GetTimeout returns the watchdog period. Zero disables it.
func (c *Config) GetTimeout() time.Duration {
	if c.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// Validate checks values the schema cannot express.
func (c *Config) Validate() error {
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative, got %d", c.Concurrency)
	}
	if c.Timeout != "" {
		d, err := time.ParseDuration(c.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout %q: %w", c.Timeout, err)
		}
		if d < 0 {
			return fmt.Errorf("timeout must not be negative, got %s", c.Timeout)
		}
	}
	switch c.WorkerMode {
	case "", WorkerProcess, WorkerGoroutine, WorkerInline:
	default:
		return fmt.Errorf("unknown worker mode %q (want %s, %s or %s)", c.WorkerMode, WorkerProcess, WorkerGoroutine, WorkerInline)
	}
	return nil
}

// ConfigFilenames contains the possible config file names, in search order
var ConfigFilenames = []string{
	".specrun.json",
	"specrun.json",
	".specrun.yaml",
	".specrun.yml",
	".specrun.toml",
}

// LoadConfig loads configuration from the specified path or searches for config files
func LoadConfig(path string) (*Config, error) {
	if path != "" {
		return loadConfigFromFile(path)
	}

	// Search for config file in current directory
	return FindAndLoadConfig(".")
}

// FindAndLoadConfig searches for a config file in the given directory
func FindAndLoadConfig(dir string) (*Config, error) {
	for _, filename := range ConfigFilenames {
		configPath := filepath.Join(dir, filename)
		if _, err := os.Stat(configPath); err == nil {
			return loadConfigFromFile(configPath)
		}
	}

	// Return defaults if no config file found
	return DefaultConfig(), nil
}

// loadConfigFromFile loads, validates and decodes a config file. Every
// format is converted to JSON first so one schema and one decoder serve
// them all.
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	doc, err := toJSON(path, data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := validateSchema(path, doc); err != nil {
		return nil, err
	}

	config := DefaultConfig()
	if err := json.Unmarshal(doc, config); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return config, nil
}

// Merge merges another config into this one, with other taking precedence
func (c *Config) Merge(other *Config) *Config {
	if other == nil {
		return c
	}

	result := *c // Copy

	if len(other.Files) > 0 {
		result.Files = other.Files
	}
	if other.Concurrency > 0 {
		result.Concurrency = other.Concurrency
	}
	if other.WorkerMode != "" {
		result.WorkerMode = other.WorkerMode
	}
	if other.Timeout != "" {
		result.Timeout = other.Timeout
	}
	if len(other.Match) > 0 {
		result.Match = other.Match
	}
	if other.SnapshotDir != "" {
		result.SnapshotDir = other.SnapshotDir
	}
	if other.Reporter != "" {
		result.Reporter = other.Reporter
	}
	if other.LogLevel != "" {
		result.LogLevel = other.LogLevel
	}
	if other.LogFormat != "" {
		result.LogFormat = other.LogFormat
	}

	// Boolean flags - only override if explicitly set in other config
	if other.FailFast != nil {
		result.FailFast = other.FailFast
	}
	if other.Serial != nil {
		result.Serial = other.Serial
	}
	if other.ShareWorkers != nil {
		result.ShareWorkers = other.ShareWorkers
	}
	if other.UpdateSnapshots != nil {
		result.UpdateSnapshots = other.UpdateSnapshots
	}
	if other.Verbose != nil {
		result.Verbose = other.Verbose
	}
	if other.NoColor != nil {
		result.NoColor = other.NoColor
	}

	return &result
}

// SaveConfig saves the configuration to a file, in the format its
// extension names
func (c *Config) SaveConfig(path string) error {
	var (
		data []byte
		err  error
	)
	switch formatOf(path) {
	case formatYAML:
		data, err = yaml.Marshal(c)
	case formatTOML:
		data, err = encodeTOML(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

type format int

const (
	formatJSON format = iota
	formatYAML
	formatTOML
)

func formatOf(path string) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML
	case ".toml":
		return formatTOML
	default:
		return formatJSON
	}
}
