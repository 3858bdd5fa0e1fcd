package runner

import (
	"context"
	"sync"

	"github.com/abdul-hamid-achik/specrun/packages/core/event"
	"github.com/sourcegraph/conc"
)

// runHooks runs one batch of hooks against ref and reports each outcome.
// forTest names the test a per-test hook runs for, if any.
func (r *Runner) runHooks(ctx context.Context, hooks []*Task, ref *ContextRef, forTest string) bool {
	var runnable []*Task
	for _, hook := range hooks {
		if !hook.Metadata.Skipped {
			runnable = append(runnable, hook)
		}
	}
	if len(runnable) == 0 {
		return true
	}

	allPassed, results := r.runMultiple(ctx, runnable, func(hook *Task) *ExecutionResult {
		title := hook.Title
		if forTest != "" {
			title = hook.Title + " for " + forTest
		}
		return r.newT(title, hook.Metadata, ref).run(ctx, hook.Implementation, hook.Args)
	})

	for _, result := range results {
		if result.Passed {
			r.emit(event.StateChange{
				Type:     event.HookFinished,
				Title:    result.Title,
				Duration: result.Duration,
				Logs:     result.Logs,
			})
			continue
		}
		r.emit(event.StateChange{
			Type:     event.HookFailed,
			Title:    result.Title,
			Duration: result.Duration,
			Err:      serializeResult(result.Err),
			Logs:     result.Logs,
		})
		r.count(func(s *Stats) { s.HooksFailed++ })
	}
	return allPassed
}

// runMultiple applies the hook concurrency rule: a serial hook waits for
// everything declared before it, a concurrent hook waits only for the last
// serial hook before it. A hook starts only while every finished hook has
// passed, unless it is marked always. A runner-level Serial option makes
// every hook serial. Results are returned in completion order.
func (r *Runner) runMultiple(ctx context.Context, hooks []*Task, run func(*Task) *ExecutionResult) (bool, []*ExecutionResult) {
	var (
		mu        sync.Mutex
		allPassed = true
		results   []*ExecutionResult
		wg        conc.WaitGroup
	)

	runAndStore := func(hook *Task) {
		mu.Lock()
		ok := allPassed || hook.Metadata.Always
		mu.Unlock()
		if !ok {
			return
		}
		result := run(hook)
		mu.Lock()
		if !result.Passed {
			allPassed = false
		}
		results = append(results, result)
		mu.Unlock()
	}

	previous := closedSignal()
	waitForSerial := previous
	for _, hook := range hooks {
		done := make(chan struct{})
		if hook.Metadata.Serial || r.opts.Serial {
			prev := previous
			wg.Go(func() {
				defer close(done)
				<-prev
				runAndStore(hook)
			})
			waitForSerial = done
		} else {
			prev, serial := previous, waitForSerial
			own := make(chan struct{})
			wg.Go(func() {
				defer close(own)
				<-serial
				runAndStore(hook)
			})
			wg.Go(func() {
				defer close(done)
				<-prev
				<-own
			})
		}
		previous = done
	}
	wg.Wait()

	return allPassed, results
}

func closedSignal() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
