package pool

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Watchdog fires when the run makes no progress for a whole period. Every
// Restart pushes the deadline back; a stall warning is logged at most once
// per period when half of it has passed.
type Watchdog struct {
	onExpire func(period time.Duration)
	log      *slog.Logger
	warn     rate.Sometimes

	mu       sync.Mutex
	period   time.Duration
	timer    *time.Timer
	halfway  *time.Timer
	running  bool
	expired  bool
	lastSeen time.Time
}

// NewWatchdog returns a stopped watchdog.
func NewWatchdog(period time.Duration, onExpire func(period time.Duration), log *slog.Logger) *Watchdog {
	return &Watchdog{
		onExpire: onExpire,
		log:      log,
		warn:     rate.Sometimes{Interval: period},
		period:   period,
	}
}

// Start arms the watchdog.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = true
	w.expired = false
	w.arm()
}

// Restart pushes the deadline back by a full period.
func (w *Watchdog) Restart() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running || w.expired {
		return
	}
	w.arm()
}

// Extend raises the period to d when d is longer, for tests that
// configure their own timeout.
func (w *Watchdog) Extend(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if d <= w.period {
		return
	}
	w.period = d
	if w.running && !w.expired {
		w.arm()
	}
}

// Period returns the current period.
func (w *Watchdog) Period() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.period
}

// Stop disarms the watchdog.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = false
	w.disarm()
}

func (w *Watchdog) arm() {
	w.disarm()
	w.lastSeen = time.Now()
	period := w.period
	w.timer = time.AfterFunc(period, func() { w.fire(period) })
	w.halfway = time.AfterFunc(period/2, w.stalled)
}

func (w *Watchdog) disarm() {
	if w.timer != nil {
		w.timer.Stop()
	}
	if w.halfway != nil {
		w.halfway.Stop()
	}
}

func (w *Watchdog) stalled() {
	w.mu.Lock()
	since := time.Since(w.lastSeen)
	running := w.running && !w.expired
	w.mu.Unlock()
	if !running {
		return
	}
	w.warn.Do(func() {
		w.log.Warn("no progress from workers", "for", since.Round(time.Millisecond))
	})
}

func (w *Watchdog) fire(period time.Duration) {
	w.mu.Lock()
	if !w.running || w.expired || time.Since(w.lastSeen) < period {
		w.mu.Unlock()
		return
	}
	w.expired = true
	w.mu.Unlock()

	w.onExpire(period)
}
