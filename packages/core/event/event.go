// Package event defines the state changes reported by a test file run.
//
// A StateChange is a tagged union: Type selects which of the remaining
// fields are meaningful. The same value travels from the scheduler, over
// the worker channel, through the pool and into reporters.
package event

import (
	"time"
)

// Type identifies a state change variant.
type Type string

const (
	// Emitted by the scheduler.
	DeclaredTest          Type = "declared-test"
	SelectedTest          Type = "selected-test"
	HookFinished          Type = "hook-finished"
	HookFailed            Type = "hook-failed"
	TestPassed            Type = "test-passed"
	TestFailed            Type = "test-failed"
	TestTimeoutConfigured Type = "test-timeout-configured"

	// Emitted by the worker.
	WorkerFinished     Type = "worker-finished"
	Dependencies       Type = "dependencies"
	TouchedFiles       Type = "touched-files"
	InternalError      Type = "internal-error"
	UncaughtException  Type = "uncaught-exception"
	UnhandledRejection Type = "unhandled-rejection"

	// Synthesized by the pool.
	WorkerFailed Type = "worker-failed"
	FileNotRun   Type = "file-not-run"
	Timeout      Type = "timeout"
)

// StateChange is one transition of a test file run.
type StateChange struct {
	Type         Type             `json:"type"`
	TestFile     string           `json:"testFile,omitempty"`
	Title        string           `json:"title,omitempty"`
	Duration     time.Duration    `json:"duration,omitempty"`
	Err          *SerializedError `json:"err,omitempty"`
	Logs         []string         `json:"logs,omitempty"`
	KnownFailing bool             `json:"knownFailing,omitempty"`
	Skip         bool             `json:"skip,omitempty"`
	Todo         bool             `json:"todo,omitempty"`
	Period       time.Duration    `json:"period,omitempty"`
	Files        []string         `json:"files,omitempty"`
	ForcedExit   bool             `json:"forcedExit,omitempty"`
}

// IsFailure reports whether the change represents a failure that counts
// against the run and can trigger fail-fast.
func (s StateChange) IsFailure() bool {
	switch s.Type {
	case HookFailed, TestFailed, WorkerFailed, InternalError,
		UncaughtException, UnhandledRejection, Timeout:
		return true
	}
	return false
}
