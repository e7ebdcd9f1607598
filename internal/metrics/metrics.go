package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	sessionConnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ctamigrate",
			Subsystem: "session",
			Name:      "connects_total",
			Help:      "Number of connections established, reconnections included.",
		}, []string{"session"},
	)
	sessionLinkFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ctamigrate",
			Subsystem: "session",
			Name:      "link_failures_total",
			Help:      "Number of connections dropped after a link failure.",
		}, []string{"session"},
	)
	confRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ctamigrate",
			Subsystem: "confstore",
			Name:      "refreshes_total",
			Help:      "Number of configuration file reloads by result.",
		}, []string{"result"},
	)
	supervisorRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ctamigrate",
			Subsystem: "supervisor",
			Name:      "runs_total",
			Help:      "Number of finished supervisions by outcome.",
		}, []string{"job", "outcome"},
	)
	supervisorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ctamigrate",
			Subsystem: "supervisor",
			Name:      "run_duration_seconds",
			Help:      "Wall time of finished supervisions.",
			Buckets:   prometheus.ExponentialBuckets(60, 2, 12),
		}, []string{"job"},
	)
	supervisorEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ctamigrate",
			Subsystem: "supervisor",
			Name:      "log_entries_total",
			Help:      "Number of progress log entries observed.",
		}, []string{"job"},
	)
	supervisorHeartbeats = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ctamigrate",
			Subsystem: "supervisor",
			Name:      "heartbeats_total",
			Help:      "Number of idle heartbeats printed.",
		}, []string{"job"},
	)
	supervisorActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ctamigrate",
			Subsystem: "supervisor",
			Name:      "active",
			Help:      "1 while a supervision of the job is running.",
		}, []string{"job"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		sessionConnects, sessionLinkFailures, confRefreshes,
		supervisorRuns, supervisorDuration, supervisorEntries, supervisorHeartbeats, supervisorActive,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncConnect(session string) {
	if regOK.Load() {
		sessionConnects.WithLabelValues(session).Inc()
	}
}

func IncLinkFailure(session string) {
	if regOK.Load() {
		sessionLinkFailures.WithLabelValues(session).Inc()
	}
}

func IncConfRefresh(ok bool) {
	if regOK.Load() {
		result := "ok"
		if !ok {
			result = "error"
		}
		confRefreshes.WithLabelValues(result).Inc()
	}
}

func RecordRun(job, outcome string, seconds float64) {
	if regOK.Load() {
		supervisorRuns.WithLabelValues(job, outcome).Inc()
		supervisorDuration.WithLabelValues(job).Observe(seconds)
	}
}

func AddLogEntries(job string, n int) {
	if regOK.Load() && n > 0 {
		supervisorEntries.WithLabelValues(job).Add(float64(n))
	}
}

func IncHeartbeat(job string) {
	if regOK.Load() {
		supervisorHeartbeats.WithLabelValues(job).Inc()
	}
}

func SetActive(job string, active bool) {
	if regOK.Load() {
		var value float64 = 0
		if active {
			value = 1
		}
		supervisorActive.WithLabelValues(job).Set(value)
	}
}
