package runner

import (
	"fmt"
	"sync"
)

// TryResult is the outcome of one attempt started with T.Try. Every result
// must be committed or discarded before the test finishes.
type TryResult struct {
	Title  string
	Passed bool
	Err    error
	Logs   []string

	parent *T
	once   sync.Once
}

// Try runs fn as an inline attempt sharing the test's context and snapshot
// block. Its failures do not affect the test until committed.
func (t *T) Try(fn Func) *TryResult {
	t.mu.Lock()
	t.attempts++
	n := t.attempts
	t.undecided++
	t.mu.Unlock()

	meta := t.meta
	meta.Inline = true
	meta.Failing = false

	attempt := t.r.newT(fmt.Sprintf("%s (attempt %d)", t.title, n), meta, t.ref)
	attempt.snapTitle = t.snapTitle
	attempt.snaps = t.snaps

	result := attempt.run(t.Ctx(), func(at *T, _ ...any) { fn(at) }, nil)
	return &TryResult{
		Title:  result.Title,
		Passed: result.Passed,
		Err:    result.Err,
		Logs:   result.Logs,
		parent: t,
	}
}

// Commit applies the attempt's outcome and logs to the test.
func (tr *TryResult) Commit() {
	tr.once.Do(func() {
		p := tr.parent
		p.mu.Lock()
		p.undecided--
		p.logs = append(p.logs, tr.Logs...)
		p.mu.Unlock()
		if !tr.Passed {
			p.record(tr.Err)
		}
	})
}

// Discard drops the attempt.
func (tr *TryResult) Discard() {
	tr.once.Do(func() {
		p := tr.parent
		p.mu.Lock()
		p.undecided--
		p.mu.Unlock()
	})
}
