package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/abdul-hamid-achik/specrun/packages/core/event"
	"github.com/abdul-hamid-achik/specrun/packages/ipc"
	"github.com/abdul-hamid-achik/specrun/packages/metrics"
)

// exitGrace bounds how long a worker may take to exit after its channel
// is closed before it is killed.
const exitGrace = 5 * time.Second

// errCrashed is returned by wait after a worker-failed has been reported.
var errCrashed = errors.New("pool: worker exited before finishing")

// Session is the controller side of one worker. It answers the handshake,
// relays state changes to the pool and brokers shared-worker traffic.
type Session struct {
	handle *Handle
	pool   *Pool
	log    *slog.Logger

	mu           sync.Mutex
	file         File
	busy         bool
	handshook    bool
	failed       bool
	started      time.Time
	finished     chan struct{}
	exitOnFinish bool

	offs []func()
}

func (p *Pool) openSession(h *Handle, f File) *Session {
	s := &Session{
		handle: h,
		pool:   p,
		log:    p.log.With("worker", h.ID),
	}
	s.begin(f)

	ch := h.Channel
	// State changes only follow options, so this handler is in place
	// before the worker can send any.
	s.offs = append(s.offs,
		ch.On(ipc.TypeStateChange, s.relay),
		ch.On(ipc.TypeSharedWorkerConnect, func(env ipc.Envelope) {
			if env.SharedWorker != nil {
				p.hub.Connect(ch, *env.SharedWorker)
			}
		}),
		ch.On(ipc.TypeSharedWorkerMessage, func(env ipc.Envelope) {
			if env.SharedWorker != nil {
				p.hub.Deliver(*env.SharedWorker)
			}
		}),
		ch.On(ipc.TypeReadyForOptions, s.handshake),
		ch.On(ipc.TypeStarting, s.handshake),
	)
	p.track(s)
	return s
}

func (s *Session) begin(f File) {
	s.mu.Lock()
	s.file = f
	s.busy = true
	s.failed = false
	s.started = time.Now()
	s.finished = make(chan struct{})
	s.mu.Unlock()

	s.pool.metrics.FileStarted()
	s.pool.restart()
}

// current returns the file the worker is running, if any.
func (s *Session) current() (File, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file, s.busy
}

func (s *Session) handshake(env ipc.Envelope) {
	s.mu.Lock()
	if s.handshook {
		s.mu.Unlock()
		s.log.Warn("ignoring repeated handshake", "type", env.Type)
		return
	}
	s.handshook = true
	f := s.file
	s.mu.Unlock()

	opts := s.pool.cfg.WorkerOptions.ForFile(f.Path, f.LineNumbers)
	if err := s.handle.Channel.Send(ipc.Envelope{Type: ipc.TypeOptions, Options: &opts}); err != nil {
		s.log.Debug("sending options", "error", err)
	}
}

func (s *Session) relay(env ipc.Envelope) {
	if env.StateChange == nil {
		return
	}
	sc := *env.StateChange

	s.mu.Lock()
	if !s.busy {
		s.mu.Unlock()
		s.log.Debug("dropping state change from idle worker", "type", sc.Type)
		return
	}
	sc.TestFile = s.file.Path
	if sc.IsFailure() {
		s.failed = true
	}
	finished := s.finished
	last := sc.Type == event.WorkerFinished
	if last {
		s.busy = false
	}
	exit := last && s.exitOnFinish
	s.mu.Unlock()

	s.pool.stateChange(sc)

	if last {
		close(finished)
		if exit {
			s.handle.Exit()
		}
	}
}

// reuse hands an idle worker its next file without a new handshake.
func (s *Session) reuse(f File) error {
	s.begin(f)
	s.pool.metrics.WorkerReused()
	return s.handle.Channel.Send(ipc.Envelope{
		Type:        ipc.TypeRunFile,
		File:        f.Path,
		LineNumbers: f.LineNumbers,
	})
}

// wait blocks until the current file finished, the worker exited or ctx
// is done. A worker that exits early is reported as worker-failed.
func (s *Session) wait(ctx context.Context) error {
	s.mu.Lock()
	finished := s.finished
	s.mu.Unlock()

	select {
	case <-finished:
		s.settle(nil)
		return nil
	case <-s.handle.Done():
	case <-ctx.Done():
		s.handle.Kill()
		<-s.handle.Done()
	}

	select {
	case <-finished:
		s.settle(nil)
		return nil
	default:
	}

	err := s.handle.Err()
	if err == nil {
		err = errCrashed
	}
	s.settle(err)
	s.pool.stateChange(event.StateChange{
		Type:       event.WorkerFailed,
		TestFile:   s.file.Path,
		ForcedExit: s.handle.Forced(),
		Err:        event.Serialize(event.KindInternal, fmt.Errorf("worker exited before finishing: %w", err)),
	})

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errCrashed
}

func (s *Session) settle(err error) {
	s.mu.Lock()
	failed := s.failed || err != nil
	d := time.Since(s.started)
	s.busy = false
	s.mu.Unlock()

	outcome := metrics.OutcomeFinished
	if failed {
		outcome = metrics.OutcomeFailed
	}
	s.pool.metrics.FileSettled(outcome, d)
	s.log.Debug("file settled", "file", s.file.Path, "outcome", outcome, "duration", d)
}

func (s *Session) notifyPeerFailed() {
	if _, busy := s.current(); !busy {
		return
	}
	if err := s.handle.Channel.Send(ipc.Envelope{Type: ipc.TypePeerFailed}); err != nil {
		s.log.Debug("sending peer-failed", "error", err)
	}
}

// alive reports whether the worker can take another file.
func (s *Session) alive() bool {
	select {
	case <-s.handle.Done():
		return false
	case <-s.handle.Channel.Done():
		return false
	default:
		return true
	}
}

// close retires the worker: it is asked to exit and killed if it does not
// within exitGrace.
func (s *Session) close() {
	for _, off := range s.offs {
		off()
	}
	s.pool.hub.Disconnect(s.handle.Channel)
	s.pool.untrack(s)

	s.handle.Exit()
	select {
	case <-s.handle.Done():
	case <-time.After(exitGrace):
		s.log.Warn("worker did not exit, killing")
		s.handle.Kill()
		<-s.handle.Done()
	}
}
