// Package pool dispatches test files to workers.
//
// A Pool admits at most Concurrency files at a time and hands each one to
// a worker through its strategy: a fresh worker per file, a set of warm
// workers reused across files, or a single worker driven in-process for
// debugging. Workers are started by a Launcher, either as re-executed
// processes or as goroutines joined by an in-memory channel.
//
// Every state change a worker reports is relayed to Config.OnStateChange.
// With fail-fast enabled the first failure bails the run: files that have
// not been dispatched yet are reported as file-not-run and active workers
// receive peer-failed.
package pool
