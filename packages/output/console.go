package output

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/abdul-hamid-achik/specrun/packages/core/event"
	"github.com/fatih/color"
)

// ConsoleReporter prints each outcome as it happens and a summary at the
// end.
type ConsoleReporter struct {
	writer  io.Writer
	verbose bool
	noColor bool

	green  func(a ...any) string
	red    func(a ...any) string
	yellow func(a ...any) string
	blue   func(a ...any) string
	cyan   func(a ...any) string
	dim    func(a ...any) string
	bold   func(a ...any) string
}

type ConsoleOption func(*ConsoleReporter)

func NewConsoleReporter(opts ...ConsoleOption) *ConsoleReporter {
	r := &ConsoleReporter{
		writer: os.Stdout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.noColor {
		color.NoColor = true
	}
	r.green = color.New(color.FgGreen).SprintFunc()
	r.red = color.New(color.FgRed).SprintFunc()
	r.yellow = color.New(color.FgYellow).SprintFunc()
	r.blue = color.New(color.FgBlue).SprintFunc()
	r.cyan = color.New(color.FgCyan).SprintFunc()
	r.dim = color.New(color.Faint).SprintFunc()
	r.bold = color.New(color.Bold).SprintFunc()
	return r
}

func WithWriter(w io.Writer) ConsoleOption {
	return func(r *ConsoleReporter) {
		if w != nil {
			r.writer = w
		}
	}
}

func WithVerbose(v bool) ConsoleOption {
	return func(r *ConsoleReporter) {
		r.verbose = v
	}
}

func WithNoColor(nc bool) ConsoleOption {
	return func(r *ConsoleReporter) {
		r.noColor = nc
	}
}

func (r *ConsoleReporter) Header(version string) {
	fmt.Fprintf(r.writer, "%s %s\n\n", r.bold("specrun"), version)
}

func (r *ConsoleReporter) StateChange(sc event.StateChange) {
	w := r.writer
	switch sc.Type {
	case event.SelectedTest:
		switch {
		case sc.Todo:
			fmt.Fprintf(w, "  %s %s %s\n", r.blue("-"), displayTitle(sc), r.blue("(todo)"))
		case sc.Skip:
			fmt.Fprintf(w, "  %s %s\n", r.yellow("-"), displayTitle(sc))
		}
	case event.TestPassed:
		symbol := r.green("✓")
		if sc.KnownFailing {
			symbol = r.red("✓")
		}
		fmt.Fprintf(w, "  %s %s %s\n", symbol, displayTitle(sc), r.cyan(fmt.Sprintf("(%dms)", sc.Duration.Milliseconds())))
		r.logs(sc)
	case event.TestFailed:
		fmt.Fprintf(w, "  %s %s %s\n", r.red("✗"), displayTitle(sc), r.red(errMessage(sc.Err)))
		r.logs(sc)
	case event.HookFailed:
		fmt.Fprintf(w, "  %s %s %s\n", r.red("✗"), displayTitle(sc), r.red(errMessage(sc.Err)))
		r.logs(sc)
	case event.HookFinished:
		if r.verbose {
			fmt.Fprintf(w, "  %s %s\n", r.dim("·"), r.dim(displayTitle(sc)))
		}
		r.logs(sc)
	case event.UncaughtException:
		fmt.Fprintf(w, "  %s %s %s\n", r.red("✗"), sc.TestFile, r.red("uncaught exception: "+errMessage(sc.Err)))
	case event.UnhandledRejection:
		fmt.Fprintf(w, "  %s %s %s\n", r.red("✗"), sc.TestFile, r.red("unhandled error: "+errMessage(sc.Err)))
	case event.InternalError:
		fmt.Fprintf(w, "  %s %s %s\n", r.red("✗"), sc.TestFile, r.red("internal error: "+errMessage(sc.Err)))
	case event.WorkerFailed:
		if sc.ForcedExit {
			fmt.Fprintf(w, "  %s %s %s\n", r.red("✗"), sc.TestFile, r.red("worker stopped"))
		} else {
			fmt.Fprintf(w, "  %s %s %s\n", r.red("✗"), sc.TestFile, r.red(errMessage(sc.Err)))
		}
	case event.Timeout:
		fmt.Fprintf(w, "\n  %s %s\n", r.red("✗"), r.red(fmt.Sprintf("Timed out after %s without any progress", sc.Period)))
		for _, f := range sc.Files {
			fmt.Fprintf(w, "    %s %s\n", r.dim("-"), f)
		}
	case event.FileNotRun:
		if r.verbose {
			fmt.Fprintf(w, "  %s %s %s\n", r.yellow("-"), sc.TestFile, r.yellow("(not run)"))
		}
	case event.WorkerFinished:
		if r.verbose {
			fmt.Fprintf(w, "  %s %s\n", r.dim("·"), r.dim(sc.TestFile+" finished"))
		}
	}
}

func (r *ConsoleReporter) logs(sc event.StateChange) {
	if !r.verbose && sc.Type != event.TestFailed && sc.Type != event.HookFailed {
		return
	}
	for _, line := range sc.Logs {
		fmt.Fprintf(r.writer, "    %s %s\n", r.dim("ℹ"), line)
	}
}

func (r *ConsoleReporter) Finish(s *Summary) error {
	w := r.writer
	fmt.Fprintf(w, "\n")

	for _, f := range s.Failures {
		title := f.File
		if f.Title != "" {
			title += " › " + f.Title
		}
		fmt.Fprintf(w, "  %s\n", r.bold(title))
		if f.Err != nil {
			fmt.Fprintf(w, "    %s\n", r.red(f.Err.Message))
			if f.Err.Source != nil {
				fmt.Fprintf(w, "    %s\n", r.dim(fmt.Sprintf("%s:%d", f.Err.Source.File, f.Err.Source.Line)))
			}
			if r.verbose && f.Err.Stack != "" {
				for _, line := range strings.Split(strings.TrimRight(f.Err.Stack, "\n"), "\n") {
					fmt.Fprintf(w, "      %s\n", r.dim(line))
				}
			}
		}
		fmt.Fprintf(w, "\n")
	}

	fmt.Fprintf(w, "Tests: ")
	if s.Passed > 0 {
		fmt.Fprintf(w, "%s, ", r.green(fmt.Sprintf("%d passed", s.Passed)))
	}
	if s.KnownFailing > 0 {
		fmt.Fprintf(w, "%s, ", r.red(fmt.Sprintf("%d known failure", s.KnownFailing)))
	}
	if s.Failed > 0 {
		fmt.Fprintf(w, "%s, ", r.red(fmt.Sprintf("%d failed", s.Failed)))
	}
	if s.Skipped > 0 {
		fmt.Fprintf(w, "%s, ", r.yellow(fmt.Sprintf("%d skipped", s.Skipped)))
	}
	if s.Todo > 0 {
		fmt.Fprintf(w, "%s, ", r.blue(fmt.Sprintf("%d todo", s.Todo)))
	}
	fmt.Fprintf(w, "%d total\n", s.Tests())

	if s.HooksFailed+s.Errors+s.WorkerFailed > 0 {
		fmt.Fprintf(w, "Errors: %s\n", r.red(fmt.Sprintf("%d hooks failed, %d uncaught, %d workers failed", s.HooksFailed, s.Errors, s.WorkerFailed)))
	}
	fmt.Fprintf(w, "Files: %d run", s.Files)
	if s.NotRun > 0 {
		fmt.Fprintf(w, ", %s", r.yellow(fmt.Sprintf("%d not run", s.NotRun)))
	}
	fmt.Fprintf(w, "\n")
	if s.P50 > 0 || s.Max > 0 {
		fmt.Fprintf(w, "Durations: p50 %dms, p95 %dms, p99 %dms, max %dms\n",
			s.P50.Milliseconds(), s.P95.Milliseconds(), s.P99.Milliseconds(), s.Max.Milliseconds())
	}
	fmt.Fprintf(w, "Time:  %dms\n", s.Duration.Milliseconds())
	return nil
}
