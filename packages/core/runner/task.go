package runner

import "time"

// Type is the kind of a declared task.
type Type string

const (
	TypeTest       Type = "test"
	TypeBefore     Type = "before"
	TypeBeforeEach Type = "beforeEach"
	TypeAfter      Type = "after"
	TypeAfterEach  Type = "afterEach"
)

// IsHook reports whether t is one of the hook types.
func (t Type) IsHook() bool {
	return t != TypeTest
}

// Func is a test or hook body.
type Func func(t *T)

// Macro is a reusable implementation; Args of the task are passed after t.
type Macro func(t *T, args ...any)

// Metadata describes how a task is scheduled.
type Metadata struct {
	Type      Type
	Serial    bool
	Exclusive bool
	Skipped   bool
	Todo      bool
	Failing   bool
	Always    bool
	Inline    bool
	// TaskIndex orders snapshot blocks; it never affects execution order.
	TaskIndex int
	// Line is the declaration line, 0 when it could not be resolved.
	Line int
}

// Task is a declared test or hook.
type Task struct {
	Title          string
	Implementation Macro
	Args           []any
	Metadata       Metadata
}

// TaskSet buckets declared tasks. A task lives in exactly one bucket.
type TaskSet struct {
	Before          []*Task
	BeforeEach      []*Task
	After           []*Task
	AfterAlways     []*Task
	AfterEach       []*Task
	AfterEachAlways []*Task
	Concurrent      []*Task
	Serial          []*Task
	Todo            []*Task
}

func (s *TaskSet) add(task *Task) {
	m := task.Metadata
	switch m.Type {
	case TypeBefore:
		s.Before = append(s.Before, task)
	case TypeBeforeEach:
		s.BeforeEach = append(s.BeforeEach, task)
	case TypeAfter:
		if m.Always {
			s.AfterAlways = append(s.AfterAlways, task)
		} else {
			s.After = append(s.After, task)
		}
	case TypeAfterEach:
		if m.Always {
			s.AfterEachAlways = append(s.AfterEachAlways, task)
		} else {
			s.AfterEach = append(s.AfterEach, task)
		}
	default:
		switch {
		case m.Todo:
			s.Todo = append(s.Todo, task)
		case m.Serial:
			s.Serial = append(s.Serial, task)
		default:
			s.Concurrent = append(s.Concurrent, task)
		}
	}
}

// Tests returns every test and todo in declaration order.
func (s TaskSet) Tests() []*Task {
	all := make([]*Task, 0, len(s.Serial)+len(s.Concurrent)+len(s.Todo))
	all = append(all, s.Serial...)
	all = append(all, s.Concurrent...)
	all = append(all, s.Todo...)
	sortByIndex(all)
	return all
}

// ExecutionResult is the outcome of running one task.
type ExecutionResult struct {
	Title    string
	Passed   bool
	Duration time.Duration
	Err      error
	Logs     []string
	Metadata Metadata
}
