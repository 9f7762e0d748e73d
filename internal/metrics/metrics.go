// Package metrics provides Prometheus metrics for the gobble application.
package metrics

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Registry is the Prometheus registry for this metrics instance
	Registry *prometheus.Registry

	// Ingest metrics
	UpdatesTotal    *prometheus.CounterVec
	UpdatesDropped  *prometheus.CounterVec
	ReconnectsTotal *prometheus.CounterVec

	// Detection metrics
	EventsTotal     *prometheus.CounterVec
	ProcessDuration *prometheus.HistogramVec
	TrackedTrips    *prometheus.GaugeVec

	// Output metrics
	WriteErrorsTotal prometheus.Counter
	NATSPublished    prometheus.Counter
	NATSConnected    prometheus.Gauge

	// logger for error reporting
	logger *slog.Logger
}

// New creates and registers all application metrics with a new registry.
func New() *Metrics {
	return NewWithLogger(nil)
}

// NewWithLogger creates metrics with a logger for error reporting.
func NewWithLogger(logger *slog.Logger) *Metrics {
	registry := prometheus.NewRegistry()

	updatesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gobble_updates_total",
			Help: "Total vehicle updates processed",
		},
		[]string{"group"},
	)

	updatesDropped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gobble_updates_dropped_total",
			Help: "Vehicle updates dropped before detection",
		},
		[]string{"group", "reason"},
	)

	reconnectsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gobble_reconnects_total",
			Help: "Feed reconnection attempts",
		},
		[]string{"group"},
	)

	eventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gobble_events_total",
			Help: "Arrival and departure events written",
		},
		[]string{"mode", "type"},
	)

	processDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gobble_update_processing_seconds",
			Help:    "Per-update processing latency distribution",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		},
		[]string{"group"},
	)

	trackedTrips := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gobble_tracked_trips",
			Help: "Trips with live state per worker group",
		},
		[]string{"group"},
	)

	writeErrorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gobble_write_errors_total",
		Help: "Event rows that failed to write",
	})

	natsPublished := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gobble_nats_published_total",
		Help: "Events mirrored to NATS",
	})

	natsConnected := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gobble_nats_connected",
		Help: "1 if the NATS connection is established, 0 otherwise",
	})

	// Register all metrics with the custom registry
	registry.MustRegister(
		updatesTotal,
		updatesDropped,
		reconnectsTotal,
		eventsTotal,
		processDuration,
		trackedTrips,
		writeErrorsTotal,
		natsPublished,
		natsConnected,
	)

	return &Metrics{
		Registry:         registry,
		UpdatesTotal:     updatesTotal,
		UpdatesDropped:   updatesDropped,
		ReconnectsTotal:  reconnectsTotal,
		EventsTotal:      eventsTotal,
		ProcessDuration:  processDuration,
		TrackedTrips:     trackedTrips,
		WriteErrorsTotal: writeErrorsTotal,
		NATSPublished:    natsPublished,
		NATSConnected:    natsConnected,
		logger:           logger,
	}
}

// Handler returns the /metrics handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server exposing /metrics on the given address.
func (m *Metrics) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if m.logger != nil {
				m.logger.Error("metrics server error", "error", err)
			}
		}
	}()
	return srv
}
