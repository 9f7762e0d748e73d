// Package worker runs one ingest-and-detect loop per route group. Each
// worker owns its feed connection and its group's trip state; groups
// share nothing but the schedule's read path.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"gobble.transitmatters.org/internal/feed"
	"gobble.transitmatters.org/internal/logging"
	"gobble.transitmatters.org/internal/metrics"
	"gobble.transitmatters.org/internal/monitor"
	"gobble.transitmatters.org/internal/routes"
)

// Source is a vehicle update stream for one route group.
type Source interface {
	Stream(ctx context.Context, handle feed.Handler) error
}

// reconnectInterval paces reconnection attempts so a flapping upstream
// cannot turn the worker into a connect storm.
const reconnectInterval = 5 * time.Second

// Worker drives one route group: connect, process updates, reconnect on
// failure, forever, until the context ends.
type Worker struct {
	group   routes.Group
	source  Source
	monitor *monitor.Monitor
	metrics *metrics.Metrics
	logger  *slog.Logger
	limiter *rate.Limiter

	// mu serializes the full decide-and-persist cycle per update.
	mu sync.Mutex
}

func New(group routes.Group, source Source, mon *monitor.Monitor, m *metrics.Metrics, logger *slog.Logger) *Worker {
	return &Worker{
		group:   group,
		source:  source,
		monitor: mon,
		metrics: m,
		logger:  logger.With(slog.String("group", group.Name)),
		limiter: rate.NewLimiter(rate.Every(reconnectInterval), 1),
	}
}

// Run blocks until ctx is canceled. Disconnects are normal operation:
// they are logged, paced, and retried indefinitely. On exit the group's
// trip states are flushed to disk.
func (w *Worker) Run(ctx context.Context) {
	defer func() {
		if err := w.monitor.Flush(); err != nil {
			logging.LogError(w.logger, "failed to flush trip states at shutdown", err)
		}
	}()

	handle := monitor.Instrument(w.process, w.group.Name, w.metrics, w.logger)

	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}
		if w.metrics != nil {
			w.metrics.ReconnectsTotal.WithLabelValues(w.group.Name).Inc()
		}

		err := w.source.Stream(ctx, handle)
		if ctx.Err() != nil {
			return
		}
		logging.LogError(w.logger, "feed disconnected, reconnecting", err)
	}
}

func (w *Worker) process(u feed.VehicleUpdate) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.monitor.Process(u)
}
