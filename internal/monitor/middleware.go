package monitor

import (
	"fmt"
	"log/slog"
	"time"

	"gobble.transitmatters.org/internal/feed"
	"gobble.transitmatters.org/internal/logging"
	"gobble.transitmatters.org/internal/metrics"
)

// ProcessFunc handles one update and reports failure.
type ProcessFunc func(u feed.VehicleUpdate) error

// Instrument wraps a ProcessFunc into a feed.Handler that times every
// update, counts it, and contains failures: an error or panic is logged
// and dropped so one bad update never takes down the stream.
// If m is nil, metrics are skipped and only containment remains.
func Instrument(next ProcessFunc, group string, m *metrics.Metrics, logger *slog.Logger) feed.Handler {
	return func(u feed.VehicleUpdate) {
		start := time.Now()
		defer func() {
			if m != nil {
				m.ProcessDuration.WithLabelValues(group).Observe(time.Since(start).Seconds())
			}
			if r := recover(); r != nil {
				logging.LogError(logger, "panic while processing update", fmt.Errorf("%v", r),
					slog.String("group", group),
					slog.String("trip_id", u.TripID))
			}
		}()

		if m != nil {
			m.UpdatesTotal.WithLabelValues(group).Inc()
		}

		if err := next(u); err != nil {
			logging.LogError(logger, "failed to process update", err,
				slog.String("group", group),
				slog.String("route_id", u.RouteID),
				slog.String("trip_id", u.TripID))
		}
	}
}
