package output

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/abdul-hamid-achik/specrun/packages/core/event"
)

// Failure is one entry in the summary's failure list.
type Failure struct {
	File  string
	Title string
	Type  event.Type
	Err   *event.SerializedError
}

// Summary aggregates a whole run.
type Summary struct {
	Files        int
	Passed       int
	Failed       int
	KnownFailing int
	Skipped      int
	Todo         int
	HooksFailed  int
	Errors       int
	WorkerFailed int
	NotRun       int
	TimedOut     bool

	Duration time.Duration
	P50      time.Duration
	P95      time.Duration
	P99      time.Duration
	Max      time.Duration

	Failures []Failure
}

// Tests returns the number of tests that ran or were skipped.
func (s *Summary) Tests() int {
	return s.Passed + s.Failed + s.Skipped + s.Todo
}

// OK reports whether the run should be considered successful.
func (s *Summary) OK() bool {
	return s.Failed == 0 && s.HooksFailed == 0 && s.Errors == 0 &&
		s.WorkerFailed == 0 && !s.TimedOut
}

// Collector builds a Summary from state changes. It is safe for
// concurrent use.
type Collector struct {
	mu        sync.Mutex
	started   time.Time
	summary   Summary
	histogram *hdrhistogram.Histogram
}

// NewCollector starts timing a run.
func NewCollector() *Collector {
	return &Collector{
		started:   time.Now(),
		histogram: hdrhistogram.New(1, 3_600_000_000, 3), // microseconds, up to an hour
	}
}

// StateChange records sc.
func (c *Collector) StateChange(sc event.StateChange) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &c.summary
	switch sc.Type {
	case event.SelectedTest:
		if sc.Skip {
			s.Skipped++
		}
		if sc.Todo {
			s.Todo++
		}
	case event.TestPassed:
		s.Passed++
		if sc.KnownFailing {
			s.KnownFailing++
		}
		c.observe(sc.Duration)
	case event.TestFailed:
		s.Failed++
		c.observe(sc.Duration)
	case event.HookFailed:
		s.HooksFailed++
	case event.UncaughtException, event.UnhandledRejection, event.InternalError:
		s.Errors++
	case event.WorkerFailed:
		s.WorkerFailed++
	case event.WorkerFinished:
		s.Files++
	case event.FileNotRun:
		s.NotRun++
	case event.Timeout:
		s.TimedOut = true
	}

	if sc.IsFailure() && !(sc.Type == event.WorkerFailed && sc.ForcedExit) {
		s.Failures = append(s.Failures, Failure{File: sc.TestFile, Title: sc.Title, Type: sc.Type, Err: sc.Err})
	}
}

func (c *Collector) observe(d time.Duration) {
	us := d.Microseconds()
	if us < 1 {
		us = 1
	}
	_ = c.histogram.RecordValue(us)
}

// Summary returns a copy of the summary so far.
func (c *Collector) Summary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.summary
	s.Failures = append([]Failure(nil), c.summary.Failures...)
	s.Duration = time.Since(c.started)
	if c.histogram.TotalCount() > 0 {
		s.P50 = time.Duration(c.histogram.ValueAtQuantile(50)) * time.Microsecond
		s.P95 = time.Duration(c.histogram.ValueAtQuantile(95)) * time.Microsecond
		s.P99 = time.Duration(c.histogram.ValueAtQuantile(99)) * time.Microsecond
		s.Max = time.Duration(c.histogram.Max()) * time.Microsecond
	}
	return &s
}
