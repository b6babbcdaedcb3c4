package obsv

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector elspeth registers. Kept package-level, as
// the teacher does, since a process runs exactly one engine.
var Registry = prometheus.NewRegistry()

var (
	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "elspeth",
			Name:      "run_duration_seconds",
			Help:      "Duration of a pipeline run from start to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"status"},
	)

	rowsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "elspeth",
			Name:      "rows_ingested_total",
			Help:      "Total rows pulled from sources, by source node.",
		},
		[]string{"node"},
	)

	nodeDispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "elspeth",
			Name:      "node_dispatch_total",
			Help:      "Total work items dispatched to a node, by node and terminal outcome.",
		},
		[]string{"node", "outcome"},
	)

	quarantineTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "elspeth",
			Name:      "quarantined_rows_total",
			Help:      "Total rows routed to a quarantine sink after a non-retryable transform failure.",
		},
		[]string{"node"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "elspeth",
			Name:      "queue_depth",
			Help:      "Current depth of the bounded work queue for the active run.",
		},
		[]string{"run_id"},
	)
)

func init() {
	Registry.MustRegister(
		runDuration,
		rowsIngested,
		nodeDispatches,
		quarantineTotal,
		queueDepth,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// StartServer runs the metrics HTTP server in the background and returns a
// shutdown function. A blank addr means metrics are disabled; StartServer
// returns a no-op shutdown in that case.
func StartServer(addr string) (func(context.Context) error, error) {
	if addr == "" {
		return func(context.Context) error { return nil }, nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	return srv.Shutdown, nil
}

// RecordRunCompletion records a finished run's status and wall-clock
// duration.
func RecordRunCompletion(status string, duration time.Duration) {
	runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordRowsIngested records rows pulled from a source node in one batch.
func RecordRowsIngested(node string, count int) {
	if count <= 0 {
		return
	}
	rowsIngested.WithLabelValues(node).Add(float64(count))
}

// RecordNodeDispatch records one work item's terminal outcome at a node.
func RecordNodeDispatch(node, outcome string) {
	nodeDispatches.WithLabelValues(node, outcome).Inc()
}

// RecordQuarantine records a row quarantined at node.
func RecordQuarantine(node string) {
	quarantineTotal.WithLabelValues(node).Inc()
}

// SetQueueDepth publishes the current bounded-queue depth for runID.
func SetQueueDepth(runID string, depth int) {
	queueDepth.WithLabelValues(runID).Set(float64(depth))
}
