package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace for all metrics
const namespace = "awesant"

// Collector provides a central place for all agent metrics
type Collector struct {
	// Pipeline metrics
	EventsPulled  *prometheus.CounterVec
	EventsPushed  *prometheus.CounterVec
	EventsStashed *prometheus.CounterVec
	EventsDropped *prometheus.CounterVec
	StashDepth    *prometheus.GaugeVec
	PushDuration  *prometheus.HistogramVec

	// Tailer metrics
	TailerReopens     *prometheus.CounterVec
	TailerTruncations *prometheus.CounterVec
	TailerBytesRead   *prometheus.CounterVec

	// Lumberjack metrics
	LumberjackConnects  *prometheus.CounterVec
	LumberjackAckWaits  *prometheus.CounterVec
	LumberjackConnsOpen *prometheus.GaugeVec

	// Supervisor metrics
	WorkersRunning *prometheus.GaugeVec
	WorkerRestarts *prometheus.CounterVec
}

var (
	defaultCollector *Collector
	once             sync.Once
)

// Default returns the process-wide collector, registering it on first use.
func Default() *Collector {
	once.Do(func() {
		defaultCollector = newCollector()
	})
	return defaultCollector
}

func newCollector() *Collector {
	return &Collector{
		EventsPulled: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_pulled_total",
			Help:      "Events pulled from inputs",
		}, []string{"input_type"}),
		EventsPushed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_pushed_total",
			Help:      "Events successfully pushed to outputs",
		}, []string{"output"}),
		EventsStashed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_stashed_total",
			Help:      "Events stashed after a push failure",
		}, []string{"input_type"}),
		EventsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped (malformed json, no output bound to the type)",
		}, []string{"input_type", "reason"}),
		StashDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stash_depth",
			Help:      "Events currently held in the in-memory stash",
		}, []string{"input_type"}),
		PushDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "push_duration_seconds",
			Help:      "Time spent pushing a batch to an output",
			Buckets:   prometheus.DefBuckets,
		}, []string{"output"}),
		TailerReopens: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tailer_reopens_total",
			Help:      "Files reopened after rotation",
		}, []string{"path"}),
		TailerTruncations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tailer_truncations_total",
			Help:      "Offset resets after file truncation",
		}, []string{"path"}),
		TailerBytesRead: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tailer_bytes_read_total",
			Help:      "Bytes read from tailed files",
		}, []string{"path"}),
		LumberjackConnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lumberjack_connects_total",
			Help:      "Lumberjack connection attempts",
		}, []string{"peer", "result"}),
		LumberjackAckWaits: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lumberjack_ack_waits_total",
			Help:      "Times the client blocked on a window-full ack",
		}, []string{"peer"}),
		LumberjackConnsOpen: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lumberjack_connections_open",
			Help:      "Open lumberjack server connections",
		}, []string{"bind"}),
		WorkersRunning: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_running",
			Help:      "Workers currently running per group",
		}, []string{"group"}),
		WorkerRestarts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_restarts_total",
			Help:      "Workers respawned after a crash",
		}, []string{"group"}),
	}
}

// Serve exposes the prometheus registry over HTTP at /metrics.
// It blocks; run it in its own goroutine.
func Serve(listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}
