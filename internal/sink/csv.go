// Package sink appends detected events to partitioned CSV files, one
// directory per stop (and per route/direction for surface modes) per
// service day.
package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gobble.transitmatters.org/internal/logging"
	"gobble.transitmatters.org/internal/monitor"
	"gobble.transitmatters.org/internal/routes"

	"log/slog"
)

// csvHeader is the fixed column contract. Downstream consumers read
// these files positionally; never reorder.
var csvHeader = []string{
	"service_date",
	"route_id",
	"trip_id",
	"direction_id",
	"stop_id",
	"stop_sequence",
	"vehicle_id",
	"vehicle_label",
	"event_type",
	"event_time",
	"scheduled_headway",
	"scheduled_tt",
	"vehicle_consist",
	"occupancy_status",
	"occupancy_percentage",
}

// CSVWriter appends events for one transit mode under a base directory.
type CSVWriter struct {
	baseDir string
	mode    routes.Mode
	loc     *time.Location
	logger  *slog.Logger
}

func NewCSVWriter(baseDir string, mode routes.Mode, loc *time.Location, logger *slog.Logger) *CSVWriter {
	return &CSVWriter{baseDir: baseDir, mode: mode, loc: loc, logger: logger}
}

// Write appends one event row, creating the partition directory and the
// header on first touch.
func (w *CSVWriter) Write(ev monitor.Event) error {
	path := w.eventPath(ev)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating event partition: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening event file: %w", err)
	}
	defer logging.SafeCloseWithLogging(f, w.logger, "event_csv")

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("checking event file: %w", err)
	}

	cw := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := cw.Write(csvHeader); err != nil {
			return fmt.Errorf("writing event header: %w", err)
		}
	}
	if err := cw.Write(w.row(ev)); err != nil {
		return fmt.Errorf("writing event row: %w", err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flushing event row: %w", err)
	}
	return nil
}

// eventPath builds the partition path. Rapid transit partitions by stop
// alone; commuter rail and bus include route and direction since their
// stops serve many routes.
func (w *CSVWriter) eventPath(ev monitor.Event) string {
	var stopPath string
	switch w.mode {
	case routes.ModeCommuterRail:
		stopPath = fmt.Sprintf("%s_%d_%s", ev.RouteID, ev.DirectionID, ev.StopID)
	case routes.ModeBus:
		stopPath = fmt.Sprintf("%s-%d-%s", ev.RouteID, ev.DirectionID, ev.StopID)
	default:
		stopPath = ev.StopID
	}

	return filepath.Join(
		w.baseDir,
		fmt.Sprintf("daily-%s-data", w.mode),
		stopPath,
		fmt.Sprintf("Year=%d", ev.ServiceDate.Year),
		fmt.Sprintf("Month=%d", int(ev.ServiceDate.Month)),
		fmt.Sprintf("Day=%d", ev.ServiceDate.Day),
		"events.csv",
	)
}

func (w *CSVWriter) row(ev monitor.Event) []string {
	return []string{
		ev.ServiceDate.String(),
		ev.RouteID,
		ev.TripID,
		strconv.Itoa(ev.DirectionID),
		ev.StopID,
		strconv.Itoa(ev.StopSequence),
		ev.VehicleID,
		ev.VehicleLabel,
		ev.Type.String(),
		ev.Time.In(w.loc).Format(time.RFC3339),
		optionalInt(ev.ScheduledHeadwaySecs),
		optionalInt(ev.ScheduledTravelSecs),
		strings.Join(ev.Consist, "|"),
		ev.OccupancyStatus,
		ev.OccupancyPct,
	}
}

func optionalInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

// Multi fans writes out to several sinks, reporting the first failure
// after trying all of them.
type Multi []monitor.Sink

func (m Multi) Write(ev monitor.Event) error {
	var firstErr error
	for _, s := range m {
		if err := s.Write(ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
