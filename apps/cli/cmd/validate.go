package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/abdul-hamid-achik/specrun/packages/loader"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Check that test files load and declare their tests cleanly",
	Long: `Load test files and report declaration errors, such as duplicate titles
or interpreted files without a Tests function, without running anything.

Examples:
  specrun validate math.go
  specrun validate specs/*.go`,
	Args: cobra.MinimumNArgs(1),
	RunE: validateCommand,
}

func validateCommand(cmd *cobra.Command, args []string) error {
	files, err := collectFiles(args)
	if err != nil {
		return exitWith(ExitUsageError, err)
	}

	auto, err := loader.NewAuto()
	if err != nil {
		return err
	}

	hasErrors := false
	for _, f := range files {
		tasks, err := declareFile(context.Background(), auto, f.Path)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Error in %s: %v\n", f.Path, err)
			hasErrors = true
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Valid: %s (%d tests)\n", f.Path, len(tasks.Tests()))
	}

	if hasErrors {
		return exitWith(ExitDeclarationError, errors.New("validation failed"))
	}
	return nil
}
