// Package ipc carries messages between the worker pool and one worker.
//
// It provides functionality for:
//   - A typed Envelope tagged by MessageType
//   - One-shot selectors (Once) and persistent handlers (On)
//   - Reference counting (Ref/Unref) with an Idle notification
//   - A newline-delimited JSON transport for worker processes
//   - An in-memory pipe for goroutine and single-process workers
//
// Messages that arrive before anyone listens for their type are kept in a
// backlog and handed to the next matching Once or On, so a handshake reply
// can never be lost to a registration race.
package ipc
