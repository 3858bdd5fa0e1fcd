package config

import "runtime"

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Concurrency:     runtime.GOMAXPROCS(0),
		FailFast:        BoolPtr(false),
		Serial:          BoolPtr(false),
		WorkerMode:      WorkerProcess,
		ShareWorkers:    BoolPtr(false),
		Timeout:         "10s",
		UpdateSnapshots: BoolPtr(false),
		Verbose:         BoolPtr(false),
		NoColor:         BoolPtr(false),
		Reporter:        "console",
		LogLevel:        "warn",
		LogFormat:       "text",
	}
}

// IsDefault returns true if the config matches defaults
func (c *Config) IsDefault() bool {
	defaults := DefaultConfig()
	return len(c.Files) == 0 &&
		c.Concurrency == defaults.Concurrency &&
		c.GetFailFast() == defaults.GetFailFast() &&
		c.GetSerial() == defaults.GetSerial() &&
		c.WorkerMode == defaults.WorkerMode &&
		c.GetShareWorkers() == defaults.GetShareWorkers() &&
		c.Timeout == defaults.Timeout &&
		len(c.Match) == 0 &&
		c.GetUpdateSnapshots() == defaults.GetUpdateSnapshots() &&
		c.SnapshotDir == defaults.SnapshotDir &&
		c.GetVerbose() == defaults.GetVerbose() &&
		c.GetNoColor() == defaults.GetNoColor() &&
		c.Reporter == defaults.Reporter &&
		c.LogLevel == defaults.LogLevel &&
		c.LogFormat == defaults.LogFormat
}
