// Package cmd implements the specrun CLI commands using Cobra.
//
// Available commands:
//   - run: Execute test files in a worker pool
//   - list: Display the tests each file declares, without running them
//   - validate: Load test files and report declaration errors
//   - init: Create a config file and an example test file
//   - version: Show specrun version information
//
// A hidden worker command is the entry point of worker processes started
// by run. Flags default from SPECRUN_* environment variables and override
// values from the config file.
package cmd
