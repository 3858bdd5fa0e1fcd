package runner

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/abdul-hamid-achik/specrun/packages/core/event"
	"github.com/google/go-cmp/cmp"
	"github.com/sourcegraph/conc/panics"
)

// T is passed to every test and hook. Its methods are safe to call from
// goroutines started with Go.
type T struct {
	title string
	meta  Metadata
	ref   *ContextRef
	r     *Runner

	// snapshots are keyed by the owning test so attempts share its block.
	snapTitle string
	snaps     *counter

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	cond      *sync.Cond
	failed    bool
	err       error
	logs      []string
	pending   int
	finished  bool
	attempts  int
	undecided int
}

type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.n
	c.n++
	return n
}

func (r *Runner) newT(title string, meta Metadata, ref *ContextRef) *T {
	t := &T{
		title:     title,
		meta:      meta,
		ref:       ref,
		r:         r,
		snapTitle: title,
		snaps:     &counter{},
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// run executes impl and settles the result once impl and all work started
// with Go have returned. The context is canceled as soon as impl returns.
func (t *T) run(ctx context.Context, impl Macro, args []any) *ExecutionResult {
	t.ctx, t.cancel = context.WithCancel(ctx)
	defer t.cancel()

	start := time.Now()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if rec := recover(); rec != nil {
				t.record(&PanicError{Value: rec, Stack: debug.Stack()})
			}
		}()
		impl(t, args...)
	}()
	<-done
	// Work started with Go sees the body return as cancellation.
	t.cancel()

	t.mu.Lock()
	for t.pending > 0 {
		t.cond.Wait()
	}
	if t.undecided > 0 && !t.failed {
		t.failed = true
		t.err = newAssertionError(0, "Test finished, but not all attempts were committed or discarded", "")
	}
	t.finished = true
	passed, err := !t.failed, t.err
	logs := append([]string(nil), t.logs...)
	t.mu.Unlock()

	if t.meta.Failing {
		if passed {
			passed = false
			err = newAssertionError(0, "Test was expected to fail, but succeeded, you should stop marking the test as failing", "")
		} else {
			passed, err = true, nil
		}
	}

	return &ExecutionResult{
		Title:    t.title,
		Passed:   passed,
		Duration: time.Since(start),
		Err:      err,
		Logs:     logs,
		Metadata: t.meta,
	}
}

// record fails the test with err. Failures reported after the test settled
// are surfaced as uncaught exceptions of the file.
func (t *T) record(err error) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		t.r.emit(event.StateChange{
			Type:  event.UncaughtException,
			Title: t.title,
			Err:   serializeResult(fmt.Errorf("%s reported a failure after it finished: %w", t.title, err)),
		})
		return
	}
	t.failed = true
	if t.err == nil {
		t.err = err
	}
	t.mu.Unlock()
}

// Title returns the title of the running test or hook.
func (t *T) Title() string { return t.title }

// Ctx is canceled once the test or hook body returns.
func (t *T) Ctx() context.Context { return t.ctx }

// Context returns the value shared with hooks through the context chain.
func (t *T) Context() any { return t.ref.Get() }

// SetContext replaces the shared value for this test and its hooks.
func (t *T) SetContext(v any) { t.ref.Set(v) }

// Failed reports whether a failure has been recorded so far.
func (t *T) Failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed
}

func (t *T) Log(args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logs = append(t.logs, fmt.Sprint(args...))
}

func (t *T) Logf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logs = append(t.logs, fmt.Sprintf(format, args...))
}

func (t *T) Error(args ...any) {
	t.record(newAssertionError(1, fmt.Sprint(args...), ""))
}

func (t *T) Errorf(format string, args ...any) {
	t.record(newAssertionError(1, fmt.Sprintf(format, args...), ""))
}

func (t *T) Fail() {
	t.record(newAssertionError(1, "Test failed via `t.Fail()`", ""))
}

// FailNow marks the test failed and stops the calling goroutine.
func (t *T) FailNow() {
	t.record(newAssertionError(1, "Test failed via `t.FailNow()`", ""))
	runtime.Goexit()
}

func (t *T) Fatal(args ...any) {
	t.record(newAssertionError(1, fmt.Sprint(args...), ""))
	runtime.Goexit()
}

func (t *T) Fatalf(format string, args ...any) {
	t.record(newAssertionError(1, fmt.Sprintf(format, args...), ""))
	runtime.Goexit()
}

// Is asserts that actual deeply equals expected.
func (t *T) Is(actual, expected any, msgAndArgs ...any) bool {
	if reflect.DeepEqual(actual, expected) {
		return true
	}
	t.record(newAssertionError(1, message("Values are not deep-equal", msgAndArgs), diff(expected, actual)))
	return false
}

// True asserts that v is true.
func (t *T) True(v bool, msgAndArgs ...any) bool {
	if v {
		return true
	}
	t.record(newAssertionError(1, message("Value is not true", msgAndArgs), ""))
	return false
}

// NoError asserts that err is nil.
func (t *T) NoError(err error, msgAndArgs ...any) bool {
	if err == nil {
		return true
	}
	t.record(newAssertionError(1, message("Unexpected error: "+err.Error(), msgAndArgs), ""))
	return false
}

// Snapshot compares v with the value recorded for this position in the
// test's snapshot block.
func (t *T) Snapshot(v any, msgAndArgs ...any) bool {
	if t.meta.Type.IsHook() {
		t.record(newAssertionError(1, "Snapshots cannot be taken in hooks", ""))
		return false
	}
	result := t.r.opts.Snapshots.Compare(t.snapTitle, t.snaps.next(), v)
	if result.Passed {
		return true
	}
	t.record(newAssertionError(1, message(result.Message, msgAndArgs), result.Diff))
	return false
}

// Timeout announces that this test may take up to d, so a watchdog can
// allow for it.
func (t *T) Timeout(d time.Duration) {
	t.r.emit(event.StateChange{
		Type:   event.TestTimeoutConfigured,
		Title:  t.title,
		Period: d,
	})
}

// Go runs fn in the background. ctx is canceled when the test body
// returns, and the test does not settle until fn returns; an error or
// panic fails it. Work started after the test settled
// is reported as an unhandled rejection or uncaught exception of the file.
func (t *T) Go(fn func(ctx context.Context) error) {
	t.mu.Lock()
	late := t.finished
	if !late {
		t.pending++
	}
	t.mu.Unlock()

	go func() {
		var err error
		var pc panics.Catcher
		pc.Try(func() { err = fn(t.ctx) })
		rec := pc.Recovered()

		if late {
			switch {
			case rec != nil:
				t.r.emit(event.StateChange{
					Type:  event.UncaughtException,
					Title: t.title,
					Err:   event.Serialize(event.KindPanic, rec.AsError()),
				})
			case err != nil:
				t.r.emit(event.StateChange{
					Type:  event.UnhandledRejection,
					Title: t.title,
					Err:   event.Serialize(event.KindError, err),
				})
			}
			return
		}

		if rec != nil {
			t.record(&PanicError{Value: rec.Value, Stack: rec.Stack})
		} else if err != nil {
			t.record(err)
		}
		t.mu.Lock()
		t.pending--
		t.cond.Broadcast()
		t.mu.Unlock()
	}()
}

func message(base string, msgAndArgs []any) string {
	if len(msgAndArgs) == 0 {
		return base
	}
	if format, ok := msgAndArgs[0].(string); ok && len(msgAndArgs) > 1 {
		return fmt.Sprintf(format, msgAndArgs[1:]...)
	}
	return fmt.Sprint(msgAndArgs...)
}

// diff renders expected vs actual; values cmp cannot walk fall back to
// %#v.
func diff(expected, actual any) (out string) {
	defer func() {
		if recover() != nil {
			out = fmt.Sprintf("- %#v\n+ %#v", expected, actual)
		}
	}()
	return cmp.Diff(expected, actual)
}
