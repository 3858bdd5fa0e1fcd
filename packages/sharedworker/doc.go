// Package sharedworker lets test files running in separate workers talk to
// one long-lived, named helper (a "shared worker") hosted by the
// controller.
//
// The controller side registers a Factory per name and owns a Hub that is
// fed the shared-worker-* messages each worker session receives. Inside a
// worker, a Client turns Connect calls into a Link:
//
//	link, err := client.Connect("database", map[string]string{"schema": "v2"})
//	if err := link.Ready(ctx); err != nil { ... }
//	msg, _ := link.Publish("lease")
//	reply := <-msg.Replies()
//
// Any factory failure is broadcast as shared-worker-error and invalidates
// every link to that worker.
package sharedworker
