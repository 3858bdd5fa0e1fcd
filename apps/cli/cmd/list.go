package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/abdul-hamid-achik/specrun/packages/core/runner"
	"github.com/abdul-hamid-achik/specrun/packages/loader"
	"github.com/abdul-hamid-achik/specrun/packages/logging"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list <file>...",
	Short: "List the tests declared in test files",
	Long: `List the tests and hooks each file declares, without running them.

Examples:
  specrun list math.go
  specrun list specs/*.go`,
	Args: cobra.MinimumNArgs(1),
	RunE: listCommand,
}

// declareFile loads file into a fresh runner and returns its tasks.
func declareFile(ctx context.Context, l loader.Loader, file string) (runner.TaskSet, error) {
	r, test := runner.New(runner.Options{File: file, Logger: logging.Discard()})
	defer r.Discard()
	if err := l.Load(ctx, file, test); err != nil {
		return runner.TaskSet{}, err
	}
	return r.Tasks(), nil
}

func taskMarkers(m runner.Metadata) string {
	var markers []string
	if m.Exclusive {
		markers = append(markers, "only")
	}
	if m.Serial {
		markers = append(markers, "serial")
	}
	if m.Skipped {
		markers = append(markers, "skip")
	}
	if m.Todo {
		markers = append(markers, "todo")
	}
	if m.Failing {
		markers = append(markers, "failing")
	}
	if len(markers) == 0 {
		return ""
	}
	return " [" + strings.Join(markers, ", ") + "]"
}

func listCommand(cmd *cobra.Command, args []string) error {
	files, err := collectFiles(args)
	if err != nil {
		return exitWith(ExitUsageError, err)
	}

	auto, err := loader.NewAuto()
	if err != nil {
		return err
	}

	failed := false
	for _, f := range files {
		tasks, err := declareFile(context.Background(), auto, f.Path)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Error loading %s: %v\n", f.Path, err)
			failed = true
			continue
		}

		fmt.Fprintf(cmd.OutOrStdout(), "\n%s:\n", f.Path)
		for _, task := range tasks.Tests() {
			line := ""
			if task.Metadata.Line > 0 {
				line = fmt.Sprintf(":%d", task.Metadata.Line)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "  - %s%s%s\n", task.Title, taskMarkers(task.Metadata), line)
		}
		hooks := len(tasks.Before) + len(tasks.BeforeEach) + len(tasks.After) +
			len(tasks.AfterAlways) + len(tasks.AfterEach) + len(tasks.AfterEachAlways)
		if hooks > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "    hooks: %d\n", hooks)
		}
	}

	if failed {
		return exitWith(ExitDeclarationError, errors.New("some files could not be loaded"))
	}
	return nil
}
