package monitor

import (
	"log/slog"
	"time"

	"gobble.transitmatters.org/internal/clock"
	"gobble.transitmatters.org/internal/feed"
	"gobble.transitmatters.org/internal/metrics"
	"gobble.transitmatters.org/internal/routes"
	"gobble.transitmatters.org/internal/schedule"
	"gobble.transitmatters.org/internal/svcdate"
)

// Oracle answers schedule questions about detected events. The schedule
// manager satisfies it; tests swap in canned answers.
type Oracle interface {
	Enrich(route string, direction int, stop string, eventSecs int) schedule.Enrichment
}

// Sink receives finished events.
type Sink interface {
	Write(ev Event) error
}

// Monitor runs the full decide-and-persist cycle for one worker group's
// routes. It is not safe for concurrent use; the owning worker serializes
// calls.
type Monitor struct {
	group   routes.Group
	routes  *routes.File
	oracle  Oracle
	sink    Sink
	dataDir string
	clock   clock.Clock
	loc     *time.Location
	logger  *slog.Logger
	metrics *metrics.Metrics

	stores map[string]*Store
}

func New(group routes.Group, rf *routes.File, oracle Oracle, sink Sink, dataDir string, clk clock.Clock, m *metrics.Metrics, logger *slog.Logger) *Monitor {
	return &Monitor{
		group:   group,
		routes:  rf,
		oracle:  oracle,
		sink:    sink,
		dataDir: dataDir,
		clock:   clk,
		loc:     rf.Location(),
		logger:  logger,
		metrics: m,
		stores:  make(map[string]*Store),
	}
}

func (m *Monitor) storeFor(route string) *Store {
	if s, ok := m.stores[route]; ok {
		return s
	}
	s := NewStore(m.dataDir, route, m.clock, m.loc, m.logger)
	m.stores[route] = s
	return s
}

// Process handles one vehicle update end to end: state transition,
// checkpoint filtering, schedule enrichment, and the output write.
func (m *Monitor) Process(u feed.VehicleUpdate) error {
	if u.StopID == "" {
		// Without a stop there is nothing to detect against; the state
		// must not move either, or the eventual stop report would
		// mispair with this phantom observation.
		m.metrics.UpdatesDropped.WithLabelValues(m.group.Name, "missing_stop").Inc()
		return nil
	}

	store := m.storeFor(u.RouteID)
	prev, hasPrev := store.Get(u.TripID)
	next, ev := Decide(prev, hasPrev, u)
	if err := store.Set(u.TripID, next); err != nil {
		return err
	}
	m.metrics.TrackedTrips.WithLabelValues(m.group.Name).Set(float64(m.trackedTrips()))

	if ev == nil {
		return nil
	}

	// Bus events are only recorded at checkpoint stops. The state above
	// still advanced, so a later checkpoint arrival pairs correctly.
	if m.group.Mode == routes.ModeBus && !m.routes.IsCheckpoint(ev.RouteID, ev.StopID) {
		m.metrics.UpdatesDropped.WithLabelValues(m.group.Name, "non_checkpoint").Inc()
		return nil
	}

	sd := svcdate.FromTime(ev.Time.In(m.loc))
	ev.ServiceDate = sd
	eventSecs := sd.SecondsSinceMidnight(ev.Time, m.loc)

	enr := m.oracle.Enrich(ev.RouteID, ev.DirectionID, ev.StopID, eventSecs)
	ev.ScheduledHeadwaySecs = enr.HeadwaySecs
	ev.ScheduledTravelSecs = enr.TravelTimeSecs

	if err := m.sink.Write(*ev); err != nil {
		m.metrics.WriteErrorsTotal.Inc()
		return err
	}
	m.metrics.EventsTotal.WithLabelValues(string(m.group.Mode), ev.Type.String()).Inc()
	return nil
}

func (m *Monitor) trackedTrips() int {
	n := 0
	for _, s := range m.stores {
		n += s.Len()
	}
	return n
}

// Flush writes all route states to disk. Called at shutdown.
func (m *Monitor) Flush() error {
	var firstErr error
	for route, s := range m.stores {
		if err := s.Flush(); err != nil {
			m.logger.Error("failed to flush trip states", "route", route, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
