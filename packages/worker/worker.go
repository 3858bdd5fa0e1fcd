// Package worker is the worker side of a run: it receives options from the
// controller, loads and runs test files and relays every state change
// back over the channel.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/abdul-hamid-achik/specrun/packages/core/event"
	"github.com/abdul-hamid-achik/specrun/packages/core/runner"
	"github.com/abdul-hamid-achik/specrun/packages/ipc"
	"github.com/abdul-hamid-achik/specrun/packages/loader"
	"github.com/abdul-hamid-achik/specrun/packages/logging"
	"github.com/abdul-hamid-achik/specrun/packages/sharedworker"
	"github.com/abdul-hamid-achik/specrun/packages/snapshot"
)

// Config configures a worker.
type Config struct {
	Loader loader.Loader
	Logger *slog.Logger
	// OnOptions is called once with the options received in the handshake.
	OnOptions func(ipc.Options)
}

// Run performs the handshake on ch and runs the file named in the options,
// then every file sent with run-file, until the controller closes the
// channel. An error means the scheduler itself failed and the worker
// should exit with a non-zero status.
func Run(ctx context.Context, ch ipc.Channel, cfg Config) error {
	if cfg.Loader == nil {
		return errors.New("worker: no loader configured")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New("worker")
	}

	ch.Ref()
	if err := ch.Send(ipc.Envelope{Type: ipc.TypeReadyForOptions}); err != nil {
		ch.Unref()
		if errors.Is(err, ipc.ErrClosed) {
			return nil
		}
		return fmt.Errorf("worker: handshake: %w", err)
	}
	env, err := ch.Once(ctx, ipc.TypeOptions)
	ch.Unref()
	if err != nil {
		if errors.Is(err, ipc.ErrClosed) {
			return nil
		}
		return fmt.Errorf("worker: waiting for options: %w", err)
	}
	if env.Options == nil {
		return errors.New("worker: options message without options")
	}

	opts := *env.Options
	if cfg.OnOptions != nil {
		cfg.OnOptions(opts)
	}

	for {
		if err := runFile(ctx, ch, cfg, opts); err != nil {
			return err
		}

		next, err := ch.Once(ctx, ipc.TypeRunFile)
		if err != nil {
			if errors.Is(err, ipc.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("worker: waiting for next file: %w", err)
		}
		opts = opts.ForFile(next.File, next.LineNumbers)
	}
}

func runFile(ctx context.Context, ch ipc.Channel, cfg Config, opts ipc.Options) error {
	file := opts.File
	if opts.ProjectDir != "" && !filepath.IsAbs(file) {
		file = filepath.Join(opts.ProjectDir, file)
	}
	log := cfg.Logger.With("file", opts.File)

	send := func(sc event.StateChange) {
		sc.TestFile = opts.File
		if err := ch.Send(ipc.StateChangeMessage(sc)); err != nil {
			log.Debug("dropping state change", "type", sc.Type, "error", err)
		}
	}

	snapshots := snapshot.NewManager(file, opts.SnapshotDir, opts.UpdateSnapshots)
	client := sharedworker.NewClient(ch)
	defer client.Close()

	r, test := runner.New(runner.Options{
		File:          file,
		FailFast:      opts.FailFast,
		Serial:        opts.Serial,
		Match:         opts.Match,
		LineNumbers:   opts.LineNumbers,
		Snapshots:     snapshots,
		SharedWorkers: client,
		Logger:        log,
	})
	off := ch.On(ipc.TypePeerFailed, func(ipc.Envelope) {
		log.Debug("peer failed, interrupting")
		r.Interrupt()
	})
	defer off()

	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		for sc := range r.StateChanges() {
			send(sc)
		}
	}()

	if err := cfg.Loader.Load(ctx, file, test); err != nil {
		r.Discard()
		<-pumped
		log.Debug("loading failed", "error", err)
		send(event.StateChange{Type: event.UncaughtException, Err: event.Serialize(event.KindError, err)})
		send(event.StateChange{Type: event.WorkerFinished})
		return nil
	}

	runErr := r.Run(ctx)
	<-pumped
	if runErr != nil {
		send(event.StateChange{Type: event.InternalError, Err: event.Serialize(event.KindInternal, runErr)})
		return runErr
	}

	saved, err := snapshots.Save()
	if err != nil {
		send(event.StateChange{Type: event.InternalError, Err: event.Serialize(event.KindInternal, err)})
		return fmt.Errorf("worker: saving snapshots: %w", err)
	}
	if len(saved.TouchedFiles) > 0 {
		send(event.StateChange{Type: event.TouchedFiles, Files: saved.TouchedFiles})
	}
	if deps := cfg.Loader.Dependencies(file); len(deps) > 0 {
		send(event.StateChange{Type: event.Dependencies, Files: deps})
	}

	stats := r.Stats()
	log.Debug("file finished", "passed", stats.Passed, "failed", stats.Failed, "skipped", stats.Skipped)
	send(event.StateChange{Type: event.WorkerFinished})
	return nil
}

// RunProcess is the entry point of a worker process started by the
// controller with the channel on inherited descriptors.
func RunProcess(ctx context.Context, cfg Config) error {
	ch, err := ipc.OpenInherited()
	if err != nil {
		return err
	}
	defer ch.Close()

	err = Run(ctx, ch, cfg)

	// Referenced exchanges, such as a shared worker reply, finish first.
	select {
	case <-ch.Idle():
	case <-ch.Done():
	case <-ctx.Done():
	}
	return err
}
