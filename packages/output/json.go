package output

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/abdul-hamid-achik/specrun/packages/core/event"
)

// JSONSummary is the last line written by the JSON reporter.
type JSONSummary struct {
	Type         string  `json:"type"`
	Files        int     `json:"files"`
	Total        int     `json:"total"`
	Passed       int     `json:"passed"`
	Failed       int     `json:"failed"`
	KnownFailing int     `json:"knownFailing"`
	Skipped      int     `json:"skipped"`
	Todo         int     `json:"todo"`
	HooksFailed  int     `json:"hooksFailed"`
	Errors       int     `json:"errors"`
	WorkerFailed int     `json:"workerFailed"`
	NotRun       int     `json:"notRun"`
	TimedOut     bool    `json:"timedOut"`
	OK           bool    `json:"ok"`
	Duration     float64 `json:"duration"`
	P50          float64 `json:"p50"`
	P95          float64 `json:"p95"`
	P99          float64 `json:"p99"`
	Time         string  `json:"time"`
}

// JSONReporter writes every state change as one JSON object per line.
type JSONReporter struct {
	encoder *json.Encoder
}

type JSONOption func(*JSONReporter)

func NewJSONReporter(opts ...JSONOption) *JSONReporter {
	r := &JSONReporter{
		encoder: json.NewEncoder(os.Stdout),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func JSONWithWriter(w io.Writer) JSONOption {
	return func(r *JSONReporter) {
		if w != nil {
			r.encoder = json.NewEncoder(w)
		}
	}
}

func (r *JSONReporter) Header(version string) {
	// No header needed for JSON output
}

func (r *JSONReporter) StateChange(sc event.StateChange) {
	_ = r.encoder.Encode(sc)
}

func (r *JSONReporter) Finish(s *Summary) error {
	return r.encoder.Encode(JSONSummary{
		Type:         "summary",
		Files:        s.Files,
		Total:        s.Tests(),
		Passed:       s.Passed,
		Failed:       s.Failed,
		KnownFailing: s.KnownFailing,
		Skipped:      s.Skipped,
		Todo:         s.Todo,
		HooksFailed:  s.HooksFailed,
		Errors:       s.Errors,
		WorkerFailed: s.WorkerFailed,
		NotRun:       s.NotRun,
		TimedOut:     s.TimedOut,
		OK:           s.OK(),
		Duration:     float64(s.Duration.Milliseconds()),
		P50:          float64(s.P50.Microseconds()) / 1000,
		P95:          float64(s.P95.Microseconds()) / 1000,
		P99:          float64(s.P99.Microseconds()) / 1000,
		Time:         time.Now().Format(time.RFC3339),
	})
}
