package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/abdul-hamid-achik/specrun/packages/core/event"
	"github.com/abdul-hamid-achik/specrun/packages/core/runner"
	"github.com/abdul-hamid-achik/specrun/packages/ipc"
	"github.com/abdul-hamid-achik/specrun/packages/loader"
	"github.com/abdul-hamid-achik/specrun/packages/logging"
	"github.com/abdul-hamid-achik/specrun/packages/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helperEnv makes the test binary act as a worker process.
const helperEnv = "SPECRUN_POOL_HELPER"

var running, peak atomic.Int32

func suites() *loader.Registry {
	reg := loader.NewRegistry()
	for i := 1; i <= 5; i++ {
		reg.Add(fmt.Sprintf("slow%d_test.go", i), func(test *runner.Chain) {
			test.Test("sleeps", func(t *runner.T) {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(50 * time.Millisecond)
				running.Add(-1)
			})
		})
	}
	reg.Add("pass_test.go", func(test *runner.Chain) {
		test.Test("passes", func(t *runner.T) { t.Is(2*2, 4) })
	})
	reg.Add("pass2_test.go", func(test *runner.Chain) {
		test.Test("passes too", func(t *runner.T) {})
	})
	reg.Add("fail_test.go", func(test *runner.Chain) {
		test.Test("fails", func(t *runner.T) { t.Fail() })
	})
	reg.Add("hang_test.go", func(test *runner.Chain) {
		test.Test("hangs", func(t *runner.T) {
			select {
			case <-time.After(10 * time.Second):
			case <-t.Ctx().Done():
			}
		})
	})
	return reg
}

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		err := worker.RunProcess(context.Background(), worker.Config{Loader: suites(), Logger: logging.Discard()})
		if err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type recorder struct {
	mu      sync.Mutex
	changes []event.StateChange
}

func (r *recorder) add(sc event.StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, sc)
}

func (r *recorder) of(typ event.Type) []event.StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.StateChange
	for _, sc := range r.changes {
		if sc.Type == typ {
			out = append(out, sc)
		}
	}
	return out
}

func (r *recorder) files(typ event.Type) []string {
	var out []string
	for _, sc := range r.of(typ) {
		out = append(out, sc.TestFile)
	}
	sort.Strings(out)
	return out
}

func newPool(t *testing.T, rec *recorder, cfg Config) *Pool {
	t.Helper()
	if cfg.Launcher == nil {
		cfg.Launcher = GoroutineLauncher{Loader: suites(), Logger: logging.Discard()}
	}
	cfg.Logger = logging.Discard()
	cfg.OnStateChange = rec.add
	p, err := New(cfg)
	require.NoError(t, err)
	return p
}

func runPool(t *testing.T, p *Pool, files ...string) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return p.Run(ctx, Files(files...))
}

func TestPool_ConcurrencyLimit(t *testing.T) {
	running.Store(0)
	peak.Store(0)

	rec := &recorder{}
	p := newPool(t, rec, Config{Concurrency: 2, Strategy: PerFile})

	files := []string{"slow1_test.go", "slow2_test.go", "slow3_test.go", "slow4_test.go", "slow5_test.go"}
	require.NoError(t, runPool(t, p, files...))

	assert.Equal(t, files, rec.files(event.WorkerFinished))
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestPool_BailStopsDispatch(t *testing.T) {
	rec := &recorder{}
	status := &Status{}
	p := newPool(t, rec, Config{
		Concurrency:   1,
		Strategy:      PerFile,
		API:           status,
		WorkerOptions: ipc.Options{FailFast: true},
	})

	require.NoError(t, runPool(t, p, "fail_test.go", "pass_test.go", "pass2_test.go"))

	assert.True(t, status.Bailed())
	assert.Equal(t, []string{"fail_test.go"}, rec.files(event.WorkerFinished))
	assert.Equal(t, []string{"pass2_test.go", "pass_test.go"}, rec.files(event.FileNotRun))
	assert.Len(t, rec.of(event.TestFailed), 1)
}

func TestPool_AlreadyBailed(t *testing.T) {
	rec := &recorder{}
	status := &Status{}
	status.Bail()
	p := newPool(t, rec, Config{Concurrency: 2, API: status})

	require.NoError(t, runPool(t, p, "pass_test.go", "pass2_test.go"))

	assert.Empty(t, rec.of(event.WorkerFinished))
	assert.Equal(t, []string{"pass2_test.go", "pass_test.go"}, rec.files(event.FileNotRun))
}

func TestPool_FailureWithoutFailFastKeepsGoing(t *testing.T) {
	rec := &recorder{}
	status := &Status{}
	p := newPool(t, rec, Config{Concurrency: 1, API: status})

	require.NoError(t, runPool(t, p, "fail_test.go", "pass_test.go"))

	assert.False(t, status.Bailed())
	assert.Equal(t, []string{"fail_test.go", "pass_test.go"}, rec.files(event.WorkerFinished))
}

// spyChannel counts the messages the controller sends.
type spyChannel struct {
	ipc.Channel
	counts *sendCounts
}

type sendCounts struct {
	mu sync.Mutex
	n  map[ipc.MessageType]int
}

func (c *sendCounts) get(t ipc.MessageType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[t]
}

func (s *spyChannel) Send(env ipc.Envelope) error {
	s.counts.mu.Lock()
	s.counts.n[env.Type]++
	s.counts.mu.Unlock()
	return s.Channel.Send(env)
}

type spyLauncher struct {
	inner    Launcher
	launches atomic.Int32
	counts   *sendCounts
}

func (l *spyLauncher) Launch(ctx context.Context) (*Handle, error) {
	h, err := l.inner.Launch(ctx)
	if err != nil {
		return nil, err
	}
	l.launches.Add(1)
	h.Channel = &spyChannel{Channel: h.Channel, counts: l.counts}
	return h, nil
}

func TestPool_SharedReusesWorkers(t *testing.T) {
	launcher := &spyLauncher{
		inner:  GoroutineLauncher{Loader: suites(), Logger: logging.Discard()},
		counts: &sendCounts{n: make(map[ipc.MessageType]int)},
	}
	rec := &recorder{}
	p := newPool(t, rec, Config{Concurrency: 1, Strategy: Shared, Launcher: launcher})

	require.NoError(t, runPool(t, p, "pass_test.go", "pass2_test.go", "fail_test.go"))

	assert.Equal(t, []string{"fail_test.go", "pass2_test.go", "pass_test.go"}, rec.files(event.WorkerFinished))
	assert.Equal(t, int32(1), launcher.launches.Load())
	assert.Equal(t, 1, launcher.counts.get(ipc.TypeOptions), "handshake is answered once per worker")
	assert.Equal(t, 2, launcher.counts.get(ipc.TypeRunFile))
}

// crashLauncher starts workers that exit right after the handshake.
type crashLauncher struct {
	launches atomic.Int32
}

func (l *crashLauncher) Launch(ctx context.Context) (*Handle, error) {
	l.launches.Add(1)
	controller, end := ipc.NewPipe()
	h := NewHandle(controller, func() { controller.Close() })

	go func() {
		_ = end.Send(ipc.Envelope{Type: ipc.TypeReadyForOptions})
		_, _ = end.Once(ctx, ipc.TypeOptions)
		end.Close()
		<-controller.Done()
		h.Exited(errors.New("exit status 2"))
	}()
	return h, nil
}

func TestPool_CrashedWorkerFailsOnlyItsFile(t *testing.T) {
	launcher := &crashLauncher{}
	rec := &recorder{}
	p := newPool(t, rec, Config{Concurrency: 1, Strategy: Shared, Launcher: launcher})

	require.NoError(t, runPool(t, p, "pass_test.go", "pass2_test.go"))

	failed := rec.of(event.WorkerFailed)
	require.Len(t, failed, 2)
	assert.Contains(t, failed[0].Err.Message, "exit status 2")
	assert.False(t, failed[0].ForcedExit)
	assert.Empty(t, rec.of(event.WorkerFinished))
	assert.Equal(t, int32(2), launcher.launches.Load(), "a crashed worker is never reused")
}

func TestPool_SingleProcess(t *testing.T) {
	rec := &recorder{}
	p := newPool(t, rec, Config{Concurrency: 4, Strategy: SingleProcess, Loader: suites()})
	assert.Equal(t, 1, p.Concurrency())

	require.NoError(t, runPool(t, p, "pass_test.go", "fail_test.go"))

	assert.Equal(t, []string{"fail_test.go", "pass_test.go"}, rec.files(event.WorkerFinished))
	assert.Equal(t, []string{"fail_test.go"}, rec.files(event.TestFailed))
	assert.Equal(t, []string{"pass_test.go"}, rec.files(event.TestPassed))
}

func TestPool_WatchdogKillsStalledWorkers(t *testing.T) {
	rec := &recorder{}
	status := &Status{}
	p := newPool(t, rec, Config{Concurrency: 1, Timeout: 200 * time.Millisecond, API: status})

	start := time.Now()
	require.NoError(t, runPool(t, p, "hang_test.go", "pass_test.go"))
	assert.Less(t, time.Since(start), 5*time.Second)

	timeouts := rec.of(event.Timeout)
	require.Len(t, timeouts, 1)
	assert.Equal(t, []string{"hang_test.go"}, timeouts[0].Files)
	assert.Equal(t, 200*time.Millisecond, timeouts[0].Period)

	failed := rec.of(event.WorkerFailed)
	require.Len(t, failed, 1)
	assert.True(t, failed[0].ForcedExit)
	assert.True(t, status.Bailed())
	assert.Equal(t, []string{"pass_test.go"}, rec.files(event.FileNotRun))
}

func TestPool_CancelledContext(t *testing.T) {
	rec := &recorder{}
	p := newPool(t, rec, Config{Concurrency: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Run(ctx, Files("pass_test.go", "pass2_test.go"))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"pass2_test.go", "pass_test.go"}, rec.files(event.FileNotRun))
}

func TestPool_RestartTimer(t *testing.T) {
	var restarts atomic.Int32
	rec := &recorder{}
	p := newPool(t, rec, Config{Concurrency: 1, RestartTimer: func() { restarts.Add(1) }})

	require.NoError(t, runPool(t, p, "pass_test.go"))
	assert.Greater(t, int(restarts.Load()), len(rec.of(event.WorkerFinished)))
}

func TestPool_RunTwice(t *testing.T) {
	rec := &recorder{}
	p := newPool(t, rec, Config{Concurrency: 1})
	require.NoError(t, runPool(t, p, "pass_test.go"))
	assert.Error(t, runPool(t, p, "pass_test.go"))
}

func TestPool_ProcessWorkers(t *testing.T) {
	if testing.Short() {
		t.Skip("starts worker processes")
	}

	rec := &recorder{}
	p := newPool(t, rec, Config{
		Concurrency: 2,
		Strategy:    Shared,
		Launcher: ProcessLauncher{
			Path:   os.Args[0],
			Args:   []string{"-test.run=^$"},
			Env:    []string{helperEnv + "=1"},
			Stdout: io.Discard,
			Stderr: io.Discard,
		},
	})

	require.NoError(t, runPool(t, p, "pass_test.go", "fail_test.go", "pass2_test.go"))

	assert.Equal(t, []string{"fail_test.go", "pass2_test.go", "pass_test.go"}, rec.files(event.WorkerFinished))
	assert.Equal(t, []string{"fail_test.go"}, rec.files(event.TestFailed))
	assert.Empty(t, rec.of(event.WorkerFailed))
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "per-file without launcher", cfg: Config{Strategy: PerFile}},
		{name: "shared without launcher", cfg: Config{Strategy: Shared}},
		{name: "single-process without loader", cfg: Config{Strategy: SingleProcess}},
		{name: "unknown strategy", cfg: Config{Strategy: "threads", Launcher: GoroutineLauncher{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestWatchdog(t *testing.T) {
	var fired atomic.Int32
	w := NewWatchdog(100*time.Millisecond, func(time.Duration) { fired.Add(1) }, logging.Discard())
	w.Start()
	defer w.Stop()

	for i := 0; i < 8; i++ {
		time.Sleep(30 * time.Millisecond)
		w.Restart()
	}
	assert.Zero(t, fired.Load(), "restarts keep it from firing")

	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load(), "fires once")

	w.Extend(50 * time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, w.Period())
	w.Extend(time.Second)
	assert.Equal(t, time.Second, w.Period())
}
