package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abdul-hamid-achik/specrun/packages/core/event"
	"github.com/abdul-hamid-achik/specrun/packages/ipc"
	"github.com/abdul-hamid-achik/specrun/packages/loader"
	"github.com/abdul-hamid-achik/specrun/packages/logging"
	"github.com/abdul-hamid-achik/specrun/packages/metrics"
	"github.com/abdul-hamid-achik/specrun/packages/sharedworker"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Mode selects how files are mapped onto workers.
type Mode string

const (
	// PerFile starts a fresh worker for every file.
	PerFile Mode = "per-file"
	// Shared reuses idle workers for later files.
	Shared Mode = "shared"
	// SingleProcess runs every file in the calling process, one at a time.
	SingleProcess Mode = "single-process"
)

// File is a test file to run, optionally restricted to declarations on
// the given lines.
type File struct {
	Path        string
	LineNumbers []int
}

// Files wraps plain paths.
func Files(paths ...string) []File {
	files := make([]File, len(paths))
	for i, p := range paths {
		files[i] = File{Path: p}
	}
	return files
}

// API is the run-wide state the pool consults before each dispatch.
type API interface {
	Bailed() bool
	Bail()
}

// Status is the default API: a bail flag that can only be set.
type Status struct {
	bailed atomic.Bool
}

// Bailed reports whether Bail was called.
func (s *Status) Bailed() bool { return s.bailed.Load() }

// Bail sets the flag.
func (s *Status) Bail() { s.bailed.Store(true) }

// Config configures a Pool.
type Config struct {
	// Concurrency bounds the number of files in flight. Zero means
	// GOMAXPROCS. SingleProcess always uses 1.
	Concurrency int
	// WorkerOptions is sent to every worker in the handshake; File and
	// LineNumbers are filled in per dispatch.
	WorkerOptions ipc.Options
	// RestartTimer is called after every worker start, reuse, idle
	// transition and relayed state change.
	RestartTimer func()
	API          API
	Strategy     Mode
	// Launcher starts workers for PerFile and Shared.
	Launcher Launcher
	// Loader runs files for SingleProcess.
	Loader loader.Loader
	// Timeout enables the watchdog: if nothing happens for this long the
	// run times out and every active worker is killed.
	Timeout time.Duration
	// OnStateChange receives every state change, one at a time.
	OnStateChange func(event.StateChange)
	Logger        *slog.Logger
	Metrics       *metrics.Pool
}

// Pool maps test files onto workers.
type Pool struct {
	cfg      Config
	api      API
	strategy Strategy
	log      *slog.Logger
	metrics  *metrics.Pool
	watchdog *Watchdog
	hub      *sharedworker.Hub
	running  atomic.Bool

	emitMu sync.Mutex

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// New validates cfg and returns a pool ready to Run.
func New(cfg Config) (*Pool, error) {
	if cfg.Strategy == "" {
		cfg.Strategy = PerFile
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.GOMAXPROCS(0)
	}
	if cfg.API == nil {
		cfg.API = &Status{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New("pool")
	}
	if cfg.WorkerOptions.RunID == "" {
		cfg.WorkerOptions.RunID = uuid.NewString()
	}

	p := &Pool{
		cfg:      cfg,
		api:      cfg.API,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		sessions: make(map[*Session]struct{}),
	}

	switch cfg.Strategy {
	case PerFile:
		if cfg.Launcher == nil {
			return nil, errors.New("pool: per-file strategy needs a launcher")
		}
		p.strategy = &perFile{pool: p}
	case Shared:
		if cfg.Launcher == nil {
			return nil, errors.New("pool: shared strategy needs a launcher")
		}
		p.strategy = &shared{pool: p}
	case SingleProcess:
		if cfg.Loader == nil {
			return nil, errors.New("pool: single-process strategy needs a loader")
		}
		p.cfg.Concurrency = 1
		p.strategy = &singleProcess{pool: p, loader: cfg.Loader}
	default:
		return nil, fmt.Errorf("pool: unknown strategy %q", cfg.Strategy)
	}

	if cfg.Timeout > 0 {
		p.watchdog = NewWatchdog(cfg.Timeout, p.timedOut, p.log)
	}
	return p, nil
}

// Concurrency returns the effective admission limit.
func (p *Pool) Concurrency() int {
	return p.cfg.Concurrency
}

// Run dispatches files in order and returns once every dispatched file has
// settled. A worker that fails is reported through OnStateChange and does
// not affect other files. Run returns an error only when ctx ends the run
// early.
func (p *Pool) Run(ctx context.Context, files []File) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("pool: Run called more than once")
	}

	p.hub = sharedworker.NewHub(ctx)
	if p.watchdog != nil {
		p.watchdog.Start()
	}

	sem := semaphore.NewWeighted(int64(p.cfg.Concurrency))
	var g errgroup.Group

	for i, f := range files {
		if err := sem.Acquire(ctx, 1); err != nil {
			for _, rest := range files[i:] {
				p.notRun(rest)
			}
			break
		}
		if p.api.Bailed() {
			sem.Release(1)
			p.notRun(f)
			continue
		}

		g.Go(func() error {
			defer sem.Release(1)
			return p.strategy.Dispatch(ctx, f)
		})
	}

	err := g.Wait()
	p.strategy.Close()
	if p.watchdog != nil {
		p.watchdog.Stop()
	}
	p.hub.Close()

	if err == nil {
		err = ctx.Err()
	}
	return err
}

func (p *Pool) notRun(f File) {
	p.log.Debug("file not run", "file", f.Path)
	p.metrics.FileNotRun()
	p.emit(event.StateChange{Type: event.FileNotRun, TestFile: f.Path})
}

func (p *Pool) launch(ctx context.Context) (*Handle, error) {
	h, err := p.cfg.Launcher.Launch(ctx)
	if err != nil {
		return nil, err
	}
	p.metrics.WorkerStarted(string(p.cfg.Strategy))
	p.log.Debug("worker started", "worker", h.ID)
	return h, nil
}

// launchFailed reports a file whose worker could not be started.
func (p *Pool) launchFailed(f File, err error) {
	p.log.Error("starting worker", "file", f.Path, "error", err)
	p.metrics.FileStarted()
	p.metrics.FileSettled(metrics.OutcomeFailed, 0)
	p.stateChange(event.StateChange{
		Type:     event.WorkerFailed,
		TestFile: f.Path,
		Err:      event.Serialize(event.KindInternal, fmt.Errorf("starting worker: %w", err)),
	})
}

// stateChange handles one state change relayed from a worker or
// synthesized for one.
func (p *Pool) stateChange(sc event.StateChange) {
	p.metrics.StateChange(sc.Type)
	p.emit(sc)
	p.restart()

	if sc.Type == event.TestTimeoutConfigured && p.watchdog != nil {
		p.watchdog.Extend(sc.Period)
	}
	if sc.IsFailure() && p.cfg.WorkerOptions.FailFast {
		p.bail()
	}
}

func (p *Pool) emit(sc event.StateChange) {
	if p.cfg.OnStateChange == nil {
		return
	}
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	p.cfg.OnStateChange(sc)
}

func (p *Pool) restart() {
	if p.cfg.RestartTimer != nil {
		p.cfg.RestartTimer()
	}
	if p.watchdog != nil {
		p.watchdog.Restart()
	}
}

// bail blocks new dispatches and tells every active worker to stop
// starting new tests.
func (p *Pool) bail() {
	if p.api.Bailed() {
		return
	}
	p.api.Bail()
	p.metrics.Bailed()
	p.log.Debug("bailing")

	for _, s := range p.active() {
		s.notifyPeerFailed()
	}
}

func (p *Pool) timedOut(period time.Duration) {
	active := p.active()
	files := make([]string, 0, len(active))
	for _, s := range active {
		if f, busy := s.current(); busy {
			files = append(files, f.Path)
		}
	}

	p.log.Warn("timed out", "period", period, "files", files)
	p.metrics.TimedOut()
	p.emit(event.StateChange{Type: event.Timeout, Period: period, Files: files})

	if !p.api.Bailed() {
		p.api.Bail()
		p.metrics.Bailed()
	}
	for _, s := range active {
		s.handle.Kill()
	}
}

func (p *Pool) track(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[s] = struct{}{}
}

func (p *Pool) untrack(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, s)
}

func (p *Pool) active() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, 0, len(p.sessions))
	for s := range p.sessions {
		out = append(out, s)
	}
	return out
}
