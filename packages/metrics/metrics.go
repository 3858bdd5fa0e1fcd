// Package metrics exports worker pool metrics in Prometheus format, either
// written to a textfile at the end of a run or served over HTTP while it
// is in progress.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/abdul-hamid-achik/specrun/packages/core/event"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "specrun"

// File outcomes recorded by FileSettled.
const (
	OutcomeFinished = "finished"
	OutcomeFailed   = "failed"
	OutcomeNotRun   = "not_run"
)

// Pool collects metrics for one worker pool. A nil *Pool records nothing.
type Pool struct {
	registry *prometheus.Registry

	workersStarted *prometheus.CounterVec
	workersReused  prometheus.Counter
	workersActive  prometheus.Gauge
	files          *prometheus.CounterVec
	fileDuration   prometheus.Histogram
	stateChanges   *prometheus.CounterVec
	bails          prometheus.Counter
	timeouts       prometheus.Counter
}

// New registers the pool metrics on a fresh registry.
func New() *Pool {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Pool{
		registry: reg,
		workersStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "workers_started_total",
			Help:      "Workers started, by pool strategy",
		}, []string{"strategy"}),
		workersReused: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "workers_reused_total",
			Help:      "Files dispatched to an idle worker",
		}),
		workersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "workers_active",
			Help:      "Workers currently running a file",
		}),
		files: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "files_total",
			Help:      "Test files settled by the pool, by outcome",
		}, []string{"outcome"}),
		fileDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "file_duration_seconds",
			Help:      "Time from dispatch until a file settled",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		stateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "state_changes_total",
			Help:      "State changes relayed from workers, by type",
		}, []string{"type"}),
		bails: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "bails_total",
			Help:      "Times the run bailed after a failure",
		}),
		timeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "timeouts_total",
			Help:      "Times the watchdog fired",
		}),
	}
}

// Registry returns the registry holding the pool metrics.
func (p *Pool) Registry() *prometheus.Registry {
	return p.registry
}

// WorkerStarted counts a new worker and marks it active.
func (p *Pool) WorkerStarted(strategy string) {
	if p == nil {
		return
	}
	p.workersStarted.WithLabelValues(strategy).Inc()
}

// WorkerReused counts a file handed to an idle worker.
func (p *Pool) WorkerReused() {
	if p == nil {
		return
	}
	p.workersReused.Inc()
}

// FileStarted marks a worker busy with a file.
func (p *Pool) FileStarted() {
	if p == nil {
		return
	}
	p.workersActive.Inc()
}

// FileSettled records the outcome of a dispatched file.
func (p *Pool) FileSettled(outcome string, d time.Duration) {
	if p == nil {
		return
	}
	p.workersActive.Dec()
	p.files.WithLabelValues(outcome).Inc()
	p.fileDuration.Observe(d.Seconds())
}

// FileNotRun records a file abandoned before dispatch.
func (p *Pool) FileNotRun() {
	if p == nil {
		return
	}
	p.files.WithLabelValues(OutcomeNotRun).Inc()
}

// StateChange counts a relayed state change.
func (p *Pool) StateChange(t event.Type) {
	if p == nil {
		return
	}
	p.stateChanges.WithLabelValues(string(t)).Inc()
}

// Bailed counts a bail.
func (p *Pool) Bailed() {
	if p == nil {
		return
	}
	p.bails.Inc()
}

// TimedOut counts a watchdog expiry.
func (p *Pool) TimedOut() {
	if p == nil {
		return
	}
	p.timeouts.Inc()
}

// WriteFile writes the current values to path in the text exposition
// format.
func (p *Pool) WriteFile(path string) error {
	return prometheus.WriteToTextfile(path, p.registry)
}

// Handler serves the pool metrics.
func (p *Pool) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (p *Pool) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
