package output

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/abdul-hamid-achik/specrun/packages/core/event"
)

// TAPReporter formats a run in TAP (Test Anything Protocol) format
type TAPReporter struct {
	writer  io.Writer
	results []tapResult
}

type tapResult struct {
	name      string
	passed    bool
	directive string
	message   string
	at        string
}

type TAPOption func(*TAPReporter)

func NewTAPReporter(opts ...TAPOption) *TAPReporter {
	r := &TAPReporter{
		writer:  os.Stdout,
		results: make([]tapResult, 0),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func TAPWithWriter(w io.Writer) TAPOption {
	return func(r *TAPReporter) {
		if w != nil {
			r.writer = w
		}
	}
}

func (r *TAPReporter) Header(version string) {
	// Header is written in Finish
}

func (r *TAPReporter) StateChange(sc event.StateChange) {
	res := tapResult{name: displayTitle(sc)}
	switch sc.Type {
	case event.SelectedTest:
		switch {
		case sc.Todo:
			res.directive = "TODO"
		case sc.Skip:
			res.passed = true
			res.directive = "SKIP"
		default:
			return
		}
	case event.TestPassed:
		res.passed = true
	case event.TestFailed, event.HookFailed:
		res.message = errMessage(sc.Err)
		res.at = location(sc.Err)
	case event.UncaughtException, event.UnhandledRejection, event.InternalError:
		res.name = fmt.Sprintf("%s: %s", sc.Type, sc.TestFile)
		res.message = errMessage(sc.Err)
		res.at = location(sc.Err)
	case event.WorkerFailed:
		res.name = "worker failed: " + sc.TestFile
		res.message = errMessage(sc.Err)
	case event.Timeout:
		res.name = "timeout"
		res.message = fmt.Sprintf("no progress for %s in %s", sc.Period, strings.Join(sc.Files, ", "))
	default:
		return
	}
	r.results = append(r.results, res)
}

func location(err *event.SerializedError) string {
	if err == nil || err.Source == nil {
		return ""
	}
	return fmt.Sprintf("%s:%d", err.Source.File, err.Source.Line)
}

// Finish writes the accumulated TAP output
func (r *TAPReporter) Finish(s *Summary) error {
	fmt.Fprintf(r.writer, "TAP version 13\n")

	for i, res := range r.results {
		status := "ok"
		if !res.passed {
			status = "not ok"
		}
		fmt.Fprintf(r.writer, "%s %d - %s", status, i+1, res.name)
		if res.directive != "" {
			fmt.Fprintf(r.writer, " # %s", res.directive)
		}
		fmt.Fprintf(r.writer, "\n")

		if res.message != "" || res.at != "" {
			fmt.Fprintf(r.writer, "  ---\n")
			if res.message != "" {
				fmt.Fprintf(r.writer, "  message: %s\n", escapeYAML(res.message))
			}
			if res.at != "" {
				fmt.Fprintf(r.writer, "  at: %s\n", escapeYAML(res.at))
			}
			fmt.Fprintf(r.writer, "  ...\n")
		}
	}

	fmt.Fprintf(r.writer, "\n1..%d\n", len(r.results))
	fmt.Fprintf(r.writer, "# tests %d\n", s.Tests())
	fmt.Fprintf(r.writer, "# pass %d\n", s.Passed)
	if s.Skipped > 0 {
		fmt.Fprintf(r.writer, "# skip %d\n", s.Skipped)
	}
	if s.Todo > 0 {
		fmt.Fprintf(r.writer, "# todo %d\n", s.Todo)
	}
	fmt.Fprintf(r.writer, "# fail %d\n", s.Failed+s.HooksFailed+s.Errors+s.WorkerFailed)
	return nil
}

func escapeYAML(s string) string {
	// Simple YAML escaping - wrap in quotes if contains special chars
	if strings.ContainsAny(s, ":\n\"'[]{}#&*!|>%@`") {
		s = strings.ReplaceAll(s, "\"", "\\\"")
		s = strings.ReplaceAll(s, "\n", "\\n")
		return "\"" + s + "\""
	}
	return s
}
