package runner

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/abdul-hamid-achik/specrun/packages/core/event"
	"github.com/abdul-hamid-achik/specrun/packages/core/match"
	"github.com/abdul-hamid-achik/specrun/packages/core/queue"
	"github.com/abdul-hamid-achik/specrun/packages/logging"
	"github.com/abdul-hamid-achik/specrun/packages/snapshot"
	"github.com/sourcegraph/conc"
)

// Snapshotter is the part of a snapshot manager the scheduler and its
// tests use.
type Snapshotter interface {
	Touch(title string, taskIndex int)
	SkipBlock(title string, taskIndex int)
	Compare(title string, index int, actual any) *snapshot.Result
	SkipSnapshot(title string, index int)
}

// Options configures a Runner for one test file.
type Options struct {
	File        string
	FailFast    bool
	Serial      bool
	Match       []string
	LineNumbers []int
	// Matcher selects titles by pattern. Defaults to match.Titles.
	Matcher       func(titles, patterns []string) []string
	Snapshots     Snapshotter
	SharedWorkers Connector
	Logger        *slog.Logger
}

// Stats counts what a run did.
type Stats struct {
	Declared     int
	Selected     int
	Passed       int
	Failed       int
	KnownFailing int
	Skipped      int
	Todo         int
	// SkippedByFailFast counts serial tests not started after a failure.
	SkippedByFailFast int
	HooksFailed       int
}

// Runner owns the tasks of one file and executes them.
type Runner struct {
	opts Options
	log  *slog.Logger

	mu               sync.Mutex
	started          bool
	tasks            TaskSet
	titles           map[string]bool
	nextTaskIndex    int
	runOnlyExclusive bool
	interrupted      atomic.Bool
	stats            Stats
	events           *queue.Queue[event.StateChange]
}

// New returns a Runner and the Chain used to declare its tasks.
func New(opts Options) (*Runner, *Chain) {
	if opts.Matcher == nil {
		opts.Matcher = match.Titles
	}
	if opts.Snapshots == nil {
		opts.Snapshots = noSnapshots{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.New("runner")
	}
	r := &Runner{
		opts:   opts,
		log:    opts.Logger.With("file", opts.File),
		titles: make(map[string]bool),
		events: queue.New[event.StateChange](),
	}
	return r, &Chain{r: r, flags: Flags{Type: TypeTest}}
}

// StateChanges delivers every transition in emission order. It is closed
// when Run returns or Discard is called.
func (r *Runner) StateChanges() <-chan event.StateChange {
	return r.events.Out()
}

// Discard closes StateChanges without delivering pending transitions.
func (r *Runner) Discard() {
	r.events.Discard()
}

// Interrupt stops new work from starting. Work in flight finishes.
func (r *Runner) Interrupt() {
	r.interrupted.Store(true)
}

// Interrupted reports whether Interrupt was called.
func (r *Runner) Interrupted() bool {
	return r.interrupted.Load()
}

// Tasks returns the declared tasks.
func (r *Runner) Tasks() TaskSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks
}

// Stats returns the counters of the run so far.
func (r *Runner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Runner) count(f func(*Stats)) {
	r.mu.Lock()
	f(&r.stats)
	r.mu.Unlock()
}

func (r *Runner) emit(sc event.StateChange) {
	sc.TestFile = r.opts.File
	r.events.Push(sc)
}

func (r *Runner) declare(flags Flags, title string, titled bool, impl Macro, args []any) {
	source := callerSource(2)

	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if started {
		panic(&DeclarationError{Title: title, Message: ErrLateDeclaration.Error(), Err: ErrLateDeclaration, Source: source})
	}

	if !legalFlags[flags] {
		err := ValidateFlags(flags)
		panic(&DeclarationError{Title: title, Message: fmt.Sprintf("%s: %v", flags, err), Err: err, Source: source})
	}

	fail := func(format string, args ...any) {
		de := declarationError(title, format, args...)
		de.Source = source
		panic(de)
	}

	isTest := flags.Type == TypeTest
	if isTest || titled {
		if strings.TrimSpace(title) == "" {
			if isTest {
				fail("Tests must have a title")
			}
			fail("Hook titles must not be empty")
		}
	}
	if flags.Todo {
		if impl != nil {
			fail("`todo` tests are not allowed to have an implementation. Use `skip` for tests with an implementation.")
		}
	} else if impl == nil {
		fail("Expected an implementation for %q", title)
	}
	if !titled {
		title = string(flags.Type) + " hook"
		if flags.Always {
			title = string(flags.Type) + ".always hook"
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if isTest {
		if r.titles[title] {
			fail("Duplicate test title: %s", title)
		}
		r.titles[title] = true
	}

	meta := Metadata{
		Type:      flags.Type,
		Serial:    flags.Serial || (isTest && r.opts.Serial),
		Exclusive: flags.Only,
		Skipped:   flags.Skip,
		Todo:      flags.Todo,
		Failing:   flags.Failing,
		Always:    flags.Always,
		TaskIndex: r.nextTaskIndex,
	}
	r.nextTaskIndex++
	if source != nil && sameFile(source.File, r.opts.File) {
		meta.Line = source.Line
	}

	if isTest {
		if len(r.opts.Match) > 0 {
			meta.Exclusive = len(r.opts.Matcher([]string{title}, r.opts.Match)) == 1
		}
		if meta.Exclusive {
			r.runOnlyExclusive = true
		}
		r.stats.Declared++
	}

	task := &Task{Title: title, Implementation: impl, Args: args, Metadata: meta}
	r.tasks.add(task)

	if isTest {
		if !meta.Todo {
			r.opts.Snapshots.Touch(title, meta.TaskIndex)
		}
		r.emit(event.StateChange{
			Type:         event.DeclaredTest,
			Title:        title,
			KnownFailing: meta.Failing,
			Todo:         meta.Todo,
		})
	}
}

// Run executes the declared tasks. It returns an error only when the
// scheduler itself failed; test and hook failures are reported as state
// changes.
func (r *Runner) Run(ctx context.Context) (err error) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("runner: %s has already been run", r.opts.File)
	}
	r.started = true
	r.mu.Unlock()

	defer r.events.Close()

	var wg conc.WaitGroup
	wg.Go(func() { r.run(ctx) })
	if rec := wg.WaitAndRecover(); rec != nil {
		r.log.Error("scheduler failed", "panic", rec.Value)
		return fmt.Errorf("runner: %w", rec.AsError())
	}
	return nil
}

type selection struct {
	serial     []*Task
	concurrent []*Task
}

func (r *Runner) selected(task *Task, lines lineSelector) bool {
	if r.runOnlyExclusive && !task.Metadata.Exclusive {
		return false
	}
	if lines.active() && !lines.selects(task) {
		return false
	}
	return true
}

// selectTests applies only-mode and line selection and reports skipped
// and todo tests.
func (r *Runner) selectTests() selection {
	lines := newLineSelector(r.opts.LineNumbers, r.tasks.Tests())

	var sel selection
	pick := func(tasks []*Task, into *[]*Task) {
		for _, task := range tasks {
			if !r.selected(task, lines) {
				r.opts.Snapshots.SkipBlock(task.Title, task.Metadata.TaskIndex)
				continue
			}
			if task.Metadata.Skipped {
				r.emit(event.StateChange{
					Type:         event.SelectedTest,
					Title:        task.Title,
					KnownFailing: task.Metadata.Failing,
					Skip:         true,
				})
				r.opts.Snapshots.SkipBlock(task.Title, task.Metadata.TaskIndex)
				r.count(func(s *Stats) { s.Skipped++ })
				continue
			}
			*into = append(*into, task)
		}
	}
	pick(r.tasks.Serial, &sel.serial)
	pick(r.tasks.Concurrent, &sel.concurrent)

	for _, task := range r.tasks.Todo {
		if !r.selected(task, lines) {
			continue
		}
		r.emit(event.StateChange{
			Type:         event.SelectedTest,
			Title:        task.Title,
			KnownFailing: task.Metadata.Failing,
			Todo:         true,
		})
		r.count(func(s *Stats) { s.Todo++ })
	}
	return sel
}

func (r *Runner) run(ctx context.Context) {
	sel := r.selectTests()
	root := NewContextRef()

	beforePassed := r.runHooks(ctx, r.tasks.Before, root, "")

	serialPassed := true
	previousOK := true
	for i, task := range sel.serial {
		if !beforePassed || r.Interrupted() {
			r.skipBlocks(sel.serial[i:])
			break
		}
		if r.opts.FailFast && !previousOK && !task.Metadata.Always {
			r.opts.Snapshots.SkipBlock(task.Title, task.Metadata.TaskIndex)
			r.count(func(s *Stats) { s.SkippedByFailFast++ })
			continue
		}
		previousOK = r.runTest(ctx, task, root.Copy())
		serialPassed = serialPassed && previousOK
	}

	concurrentPassed := true
	if beforePassed && (!r.opts.FailFast || serialPassed) && !r.Interrupted() {
		var mu sync.Mutex
		var wg conc.WaitGroup
		for _, task := range sel.concurrent {
			branch := root.Copy()
			wg.Go(func() {
				ok := r.runTest(ctx, task, branch)
				mu.Lock()
				concurrentPassed = concurrentPassed && ok
				mu.Unlock()
			})
		}
		wg.Wait()
	} else {
		r.skipBlocks(sel.concurrent)
	}

	if beforePassed && serialPassed && concurrentPassed {
		r.runHooks(ctx, r.tasks.After, root, "")
	}
	r.runHooks(ctx, r.tasks.AfterAlways, root, "")
}

// skipBlocks keeps the stored snapshots of tests that will not run.
func (r *Runner) skipBlocks(tasks []*Task) {
	for _, task := range tasks {
		r.opts.Snapshots.SkipBlock(task.Title, task.Metadata.TaskIndex)
	}
}

// runTest runs one test unit and reports whether all of it passed.
func (r *Runner) runTest(ctx context.Context, task *Task, ref *ContextRef) bool {
	r.emit(event.StateChange{
		Type:         event.SelectedTest,
		Title:        task.Title,
		KnownFailing: task.Metadata.Failing,
	})
	r.count(func(s *Stats) { s.Selected++ })

	testOK := false
	if r.runHooks(ctx, r.tasks.BeforeEach, ref, task.Title) {
		result := r.newT(task.Title, task.Metadata, ref).run(ctx, task.Implementation, task.Args)
		if result.Passed {
			r.emit(event.StateChange{
				Type:         event.TestPassed,
				Title:        result.Title,
				Duration:     result.Duration,
				KnownFailing: task.Metadata.Failing,
				Logs:         result.Logs,
			})
			r.count(func(s *Stats) {
				s.Passed++
				if task.Metadata.Failing {
					s.KnownFailing++
				}
			})
			testOK = r.runHooks(ctx, r.tasks.AfterEach, ref, task.Title)
		} else {
			r.emit(event.StateChange{
				Type:         event.TestFailed,
				Title:        result.Title,
				Duration:     result.Duration,
				Err:          serializeResult(result.Err),
				KnownFailing: task.Metadata.Failing,
				Logs:         result.Logs,
			})
			r.count(func(s *Stats) { s.Failed++ })
		}
	}

	alwaysOK := r.runHooks(ctx, r.tasks.AfterEachAlways, ref, task.Title)
	return testOK && alwaysOK
}

type noSnapshots struct{}

func (noSnapshots) Touch(string, int)        {}
func (noSnapshots) SkipBlock(string, int)    {}
func (noSnapshots) SkipSnapshot(string, int) {}
func (noSnapshots) Compare(string, int, any) *snapshot.Result {
	return &snapshot.Result{Message: "snapshots are not available in this run"}
}

// lineSelector picks tests whose declaration spans one of the requested
// lines. A declaration spans from its own line to the line before the
// next declaration.
type lineSelector struct {
	lines []int
	end   map[*Task]int
}

func newLineSelector(lines []int, tests []*Task) lineSelector {
	sel := lineSelector{lines: lines}
	if len(lines) == 0 {
		return sel
	}
	located := make([]*Task, 0, len(tests))
	for _, task := range tests {
		if task.Metadata.Line > 0 {
			located = append(located, task)
		}
	}
	sort.SliceStable(located, func(i, j int) bool {
		return located[i].Metadata.Line < located[j].Metadata.Line
	})
	sel.end = make(map[*Task]int, len(located))
	for i, task := range located {
		end := int(^uint(0) >> 1)
		if i+1 < len(located) {
			end = located[i+1].Metadata.Line - 1
		}
		sel.end[task] = end
	}
	return sel
}

func (s lineSelector) active() bool { return len(s.lines) > 0 }

func (s lineSelector) selects(task *Task) bool {
	end, ok := s.end[task]
	if !ok {
		return false
	}
	return slices.ContainsFunc(s.lines, func(l int) bool {
		return l >= task.Metadata.Line && l <= end
	})
}

func sortByIndex(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Metadata.TaskIndex < tasks[j].Metadata.TaskIndex
	})
}

func callerSource(skip int) *event.Source {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return nil
	}
	return &event.Source{File: file, Line: line}
}

func sameFile(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA == nil && errB == nil && absA == absB {
		return true
	}
	return strings.HasSuffix(filepath.ToSlash(a), "/"+strings.TrimPrefix(filepath.ToSlash(filepath.Clean(b)), "./"))
}
