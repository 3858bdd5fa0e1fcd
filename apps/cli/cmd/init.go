package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/abdul-hamid-achik/specrun/packages/core/config"
	"github.com/spf13/cobra"
)

var forceInit bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new specrun project",
	Long: `Initialize a new specrun project in the current directory.

This creates:
  - .specrun.yaml        - Configuration file
  - _specs/example.go    - Example test file, ignored by the go tool

Examples:
  specrun init
  specrun init --force`,
	RunE: initCommand,
}

func init() {
	initCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "Overwrite existing files")
}

const exampleSpec = `package example

import (
	"strings"

	"github.com/abdul-hamid-achik/specrun/packages/core/runner"
)

func Tests(test *runner.Chain) {
	test.Before().Do(func(t *runner.T) {
		t.SetContext("specrun")
	})

	test.Test("reads the shared context", func(t *runner.T) {
		t.Is(t.Context(), "specrun")
	})

	test.Test("upper-cases", func(t *runner.T) {
		t.Is(strings.ToUpper("abc"), "ABC")
	})

	test.Serial().Test("runs alone", func(t *runner.T) {
		t.Log("serial tests run one at a time, before the concurrent ones")
		t.True(len("abc") == 3)
	})

	test.Todo("write more tests")
}
`

func initCommand(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	configFile := filepath.Join(cwd, ".specrun.yaml")
	exampleFile := filepath.Join(cwd, "_specs", "example.go")

	if !forceInit {
		for _, f := range []string{configFile, exampleFile} {
			if _, err := os.Stat(f); err == nil {
				return fmt.Errorf("file already exists: %s (use --force to overwrite)", f)
			}
		}
	}

	cfg := config.DefaultConfig()
	cfg.Files = []string{filepath.Join("_specs", "example.go")}
	if err := cfg.SaveConfig(configFile); err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created: %s\n", configFile)

	if err := os.MkdirAll(filepath.Dir(exampleFile), 0755); err != nil {
		return fmt.Errorf("failed to create example directory: %w", err)
	}
	if err := os.WriteFile(exampleFile, []byte(exampleSpec), 0644); err != nil {
		return fmt.Errorf("failed to create example file: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created: %s\n", exampleFile)

	fmt.Fprintf(cmd.OutOrStdout(), "\nspecrun project initialized!\n")
	fmt.Fprintf(cmd.OutOrStdout(), "Run 'specrun run' to execute the example tests.\n")

	return nil
}
