package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/abdul-hamid-achik/specrun/packages/ipc"
	"github.com/abdul-hamid-achik/specrun/packages/loader"
	"github.com/abdul-hamid-achik/specrun/packages/worker"
	"github.com/google/uuid"
)

// ErrKilled is the exit error of a worker stopped with Kill.
var ErrKilled = errors.New("pool: worker killed")

// Launcher starts workers.
type Launcher interface {
	Launch(ctx context.Context) (*Handle, error)
}

// Handle is the controller's view of one running worker.
type Handle struct {
	ID      string
	Channel ipc.Channel

	kill   func()
	forced atomic.Bool

	once sync.Once
	done chan struct{}
	err  error
}

// NewHandle wraps the controller end of a worker's channel. kill forces the
// worker down and must eventually lead to Exited being called.
func NewHandle(ch ipc.Channel, kill func()) *Handle {
	return &Handle{
		ID:      uuid.NewString(),
		Channel: ch,
		kill:    kill,
		done:    make(chan struct{}),
	}
}

// Exited records that the worker is gone. Only the first call counts.
func (h *Handle) Exited(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// Done is closed once the worker has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err is the exit error, valid after Done.
func (h *Handle) Err() error {
	<-h.done
	return h.err
}

// Exit asks the worker to stop once it is idle by closing its channel.
func (h *Handle) Exit() {
	_ = h.Channel.Close()
}

// Kill forces the worker down.
func (h *Handle) Kill() {
	h.forced.Store(true)
	if h.kill != nil {
		h.kill()
	}
}

// Forced reports whether Kill was called.
func (h *Handle) Forced() bool {
	return h.forced.Load()
}

// ProcessLauncher re-executes a binary as a worker process. The channel
// runs over two inherited pipes: fd 3 carries controller messages to the
// worker and fd 4 carries worker messages back.
type ProcessLauncher struct {
	// Path defaults to the running executable.
	Path string
	// Args defaults to the hidden worker subcommand.
	Args []string
	// Env is appended to the controller's environment.
	Env    []string
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

// Launch starts one worker process.
func (l ProcessLauncher) Launch(ctx context.Context) (*Handle, error) {
	path := l.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("pool: locating executable: %w", err)
		}
		path = exe
	}
	args := l.Args
	if len(args) == 0 {
		args = []string{"worker"}
	}

	toWorkerR, toWorkerW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("pool: creating pipe: %w", err)
	}
	fromWorkerR, fromWorkerW, err := os.Pipe()
	if err != nil {
		toWorkerR.Close()
		toWorkerW.Close()
		return nil, fmt.Errorf("pool: creating pipe: %w", err)
	}

	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Dir = l.Dir
	cmd.Stdout = l.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	// ExtraFiles[i] becomes descriptor 3+i in the child.
	cmd.ExtraFiles = []*os.File{toWorkerR, fromWorkerW}

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{toWorkerR, toWorkerW, fromWorkerR, fromWorkerW} {
			f.Close()
		}
		return nil, fmt.Errorf("pool: starting worker: %w", err)
	}
	toWorkerR.Close()
	fromWorkerW.Close()

	ch := ipc.NewStreamChannel(fromWorkerR, toWorkerW)
	h := NewHandle(ch, func() {
		_ = cmd.Process.Kill()
	})

	go func() {
		err := cmd.Wait()
		// The read side sees EOF once the process is gone; waiting for it
		// lets every message the worker wrote reach the handlers first.
		<-ch.Done()
		h.Exited(err)
	}()
	return h, nil
}

// GoroutineLauncher runs workers on goroutines in the controller process,
// each joined to the pool by an in-memory channel.
type GoroutineLauncher struct {
	Loader loader.Loader
	Logger *slog.Logger
}

// Launch starts one worker goroutine.
func (l GoroutineLauncher) Launch(ctx context.Context) (*Handle, error) {
	if l.Loader == nil {
		return nil, errors.New("pool: goroutine launcher needs a loader")
	}

	controller, end := ipc.NewPipe()
	wctx, cancel := context.WithCancel(ctx)

	var h *Handle
	h = NewHandle(controller, func() {
		cancel()
		controller.Close()
		h.Exited(ErrKilled)
	})

	go func() {
		err := worker.Run(wctx, end, worker.Config{Loader: l.Loader, Logger: l.Logger})
		end.Close()
		<-controller.Done()
		cancel()
		h.Exited(err)
	}()
	return h, nil
}
