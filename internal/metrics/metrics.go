// Package metrics exposes dispatcher and cycle counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "botfleet"

// Metrics owns a private registry so tests and multiple instances do not
// collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	actions       *prometheus.CounterVec
	steps         *prometheus.HistogramVec
	stepFailures  *prometheus.CounterVec
	cycles        prometheus.Counter
	lastCycle     prometheus.Gauge
	suspects      prometheus.Gauge
	watchList     prometheus.Gauge
	pendingFollow prometheus.Gauge
}

// New registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "actions_total",
			Help:      "Dispatched actions by platform, action and outcome",
		}, []string{"platform", "action", "outcome"}),
		steps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "step_duration_seconds",
			Help:      "Duration of each cycle step",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"step"}),
		stepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "step_failures_total",
			Help:      "Cycle steps that returned an error",
		}, []string{"step"}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "runs_total",
			Help:      "Completed cycles",
		}),
		lastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "last_completed_timestamp_seconds",
			Help:      "Unix time the last cycle finished",
		}),
		suspects: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "anomaly",
			Name:      "farm_suspects",
			Help:      "Farm suspects flagged by the last detection",
		}),
		watchList: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "anomaly",
			Name:      "sybil_watch_list",
			Help:      "Entries on the sybil watch list after the last analysis",
		}),
		pendingFollow: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reciprocity",
			Name:      "pending_follows",
			Help:      "Follow-back promises still pending",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.actions, m.steps, m.stepFailures, m.cycles, m.lastCycle,
		m.suspects, m.watchList, m.pendingFollow,
	)
	return m
}

// ObserveAction implements dispatch.Observer.
func (m *Metrics) ObserveAction(platform, action, outcome string) {
	m.actions.WithLabelValues(platform, action, outcome).Inc()
}

// ObserveStep records one cycle step.
func (m *Metrics) ObserveStep(step string, d time.Duration, err error) {
	m.steps.WithLabelValues(step).Observe(d.Seconds())
	if err != nil {
		m.stepFailures.WithLabelValues(step).Inc()
	}
}

// ObserveCycle marks a finished cycle.
func (m *Metrics) ObserveCycle(at time.Time) {
	m.cycles.Inc()
	m.lastCycle.Set(float64(at.Unix()))
}

// SetSuspects records the size of the last farm detection.
func (m *Metrics) SetSuspects(n int) { m.suspects.Set(float64(n)) }

// SetWatchList records the sybil watch list size.
func (m *Metrics) SetWatchList(n int) { m.watchList.Set(float64(n)) }

// SetPendingFollows records outstanding follow-back promises.
func (m *Metrics) SetPendingFollows(n int) { m.pendingFollow.Set(float64(n)) }

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve listens on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("listen", addr).Msg("metrics server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
