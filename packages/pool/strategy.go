package pool

import (
	"context"
	"errors"
	"sync"

	"github.com/abdul-hamid-achik/specrun/packages/ipc"
	"github.com/abdul-hamid-achik/specrun/packages/loader"
	"github.com/abdul-hamid-achik/specrun/packages/worker"
)

// Strategy runs admitted files on workers.
type Strategy interface {
	// Dispatch runs f and returns once it settled. Worker failures are
	// reported as state changes; an error means the run was cancelled.
	Dispatch(ctx context.Context, f File) error
	// Close releases workers kept between files.
	Close()
}

// dispatchErr keeps worker crashes, already reported, from failing the run.
func dispatchErr(err error) error {
	if errors.Is(err, errCrashed) {
		return nil
	}
	return err
}

type perFile struct {
	pool *Pool
}

func (s *perFile) Dispatch(ctx context.Context, f File) error {
	h, err := s.pool.launch(ctx)
	if err != nil {
		s.pool.launchFailed(f, err)
		return nil
	}
	sess := s.pool.openSession(h, f)
	defer sess.close()
	return dispatchErr(sess.wait(ctx))
}

func (s *perFile) Close() {}

type shared struct {
	pool *Pool

	mu   sync.Mutex
	idle []*Session
}

func (s *shared) Dispatch(ctx context.Context, f File) error {
	sess := s.take()
	if sess != nil {
		if err := sess.reuse(f); err != nil {
			s.pool.log.Debug("idle worker went away", "error", err)
			sess.settle(err)
			sess.close()
			sess = nil
		}
	}
	if sess == nil {
		h, err := s.pool.launch(ctx)
		if err != nil {
			s.pool.launchFailed(f, err)
			return nil
		}
		sess = s.pool.openSession(h, f)
	}

	if err := sess.wait(ctx); err != nil {
		sess.close()
		return dispatchErr(err)
	}

	s.mu.Lock()
	s.idle = append(s.idle, sess)
	s.mu.Unlock()
	s.pool.restart()
	return nil
}

// take pops the most recently idled worker that is still alive.
func (s *shared) take() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.idle) > 0 {
		sess := s.idle[len(s.idle)-1]
		s.idle = s.idle[:len(s.idle)-1]
		if sess.alive() {
			return sess
		}
		go sess.close()
	}
	return nil
}

func (s *shared) Close() {
	s.mu.Lock()
	idle := s.idle
	s.idle = nil
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range idle {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.close()
		}()
	}
	wg.Wait()
}

// singleProcess drives the worker bootstrap as a plain call on the
// dispatching goroutine, joined to the pool by an in-memory channel.
type singleProcess struct {
	pool   *Pool
	loader loader.Loader
}

func (s *singleProcess) Dispatch(ctx context.Context, f File) error {
	controller, end := ipc.NewPipe()
	h := NewHandle(controller, func() {
		controller.Close()
	})
	s.pool.metrics.WorkerStarted(string(SingleProcess))

	sess := s.pool.openSession(h, f)
	sess.mu.Lock()
	sess.exitOnFinish = true
	sess.mu.Unlock()
	defer sess.close()

	err := worker.Run(ctx, end, worker.Config{Loader: s.loader, Logger: s.pool.log.With("worker", h.ID)})
	end.Close()
	<-controller.Done()
	h.Exited(err)

	return dispatchErr(sess.wait(ctx))
}

func (s *singleProcess) Close() {}
