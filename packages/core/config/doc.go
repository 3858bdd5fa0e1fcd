// Package config handles configuration loading and management for specrun.
//
// It provides functionality for:
//   - Loading configuration from .specrun.json, .specrun.yaml or .specrun.toml files
//   - Validating configuration files against an embedded JSON schema
//   - Default configuration values and merging of overrides
package config
