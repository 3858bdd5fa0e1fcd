// Package runner schedules the hooks and tests declared by one test file.
//
// A file declares its tasks synchronously through a Chain:
//
//	func Tests(test *runner.Chain) {
//		test.Before().Do(func(t *runner.T) { t.SetContext(map[string]any{"db": open()}) })
//		test.Serial().Test("migrates", func(t *runner.T) { ... })
//		test.Test("reads", func(t *runner.T) { ... })
//		test.After().Always().Do(func(t *runner.T) { ... })
//		test.Todo("writes")
//	}
//
// Run then executes them in phases: before hooks, serial tests in
// declaration order, concurrent tests all at once, after hooks (only when
// everything passed) and finally after.always hooks. Each test runs as a
// unit of beforeEach hooks, the test itself, afterEach hooks and
// afterEach.always hooks. Every outcome is reported as an
// event.StateChange on StateChanges.
//
// Failures never escape as Go errors or panics. They are normalized into
// hook-failed and test-failed transitions and affect later work only
// through the ordering rules: fail-fast, only-mode and the always
// modifier.
package runner
