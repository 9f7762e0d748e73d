package monitor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gobble.transitmatters.org/internal/clock"
	"gobble.transitmatters.org/internal/feed"
	"gobble.transitmatters.org/internal/logging"
	"gobble.transitmatters.org/internal/svcdate"
)

// staleAfter is how long a trip may go unobserved before its state is
// discarded. Vehicles drop out of feeds mid-trip; without expiry those
// records would accumulate forever and could pair with an unrelated
// reuse of the same trip ID.
const staleAfter = 5 * time.Hour

// TripState is the last recorded observation of one trip.
type TripState struct {
	StopID       string      `json:"stop_id"`
	StopSequence int         `json:"stop_sequence"`
	Status       feed.Status `json:"status"`
	EventType    EventType   `json:"event_type"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// stateFile is the on-disk shape of a route's trip states.
type stateFile struct {
	ServiceDate string               `json:"service_date"`
	TripStates  map[string]TripState `json:"trip_states"`
}

// Store holds the trip states for one route and mirrors every change to
// a JSON file, so a restart resumes mid-trip instead of re-emitting.
// Callers serialize access; the store does no locking of its own.
type Store struct {
	path        string
	route       string
	clock       clock.Clock
	loc         *time.Location
	logger      *slog.Logger
	serviceDate svcdate.Date
	states      map[string]TripState
}

// NewStore opens the state file for a route, starting empty if the file
// is missing or unreadable. A corrupt state file costs at most one
// duplicate or missed event per active trip, which is preferable to
// refusing to start.
func NewStore(dir, route string, clk clock.Clock, loc *time.Location, logger *slog.Logger) *Store {
	s := &Store{
		path:        filepath.Join(dir, "trip_states", route+".json"),
		route:       route,
		clock:       clk,
		loc:         loc,
		logger:      logger,
		serviceDate: svcdate.FromTime(clk.Now().In(loc)),
		states:      make(map[string]TripState),
	}
	s.load()
	return s
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.LogError(s.logger, "failed to read trip state file, starting empty", err,
				slog.String("route", s.route))
		}
		return
	}

	var f stateFile
	if err := json.Unmarshal(data, &f); err != nil {
		logging.LogError(s.logger, "failed to parse trip state file, starting empty", err,
			slog.String("route", s.route))
		return
	}

	date, err := svcdate.Parse(f.ServiceDate)
	if err != nil {
		logging.LogError(s.logger, "trip state file has invalid service date, starting empty", err,
			slog.String("route", s.route))
		return
	}

	s.serviceDate = date
	if f.TripStates != nil {
		s.states = f.TripStates
	}
	logging.LogOperation(s.logger, "trip_states_loaded",
		slog.String("route", s.route),
		slog.Int("trips", len(s.states)))
}

// Get returns the state for a trip. It reads memory only and never
// triggers cleanup or disk access.
func (s *Store) Get(tripID string) (TripState, bool) {
	st, ok := s.states[tripID]
	return st, ok
}

// Len returns the number of tracked trips.
func (s *Store) Len() int {
	return len(s.states)
}

// Set records the new state for a trip. Each call runs exactly one
// cleanup pass and one full write of the state file.
func (s *Store) Set(tripID string, st TripState) error {
	s.cleanup()
	s.states[tripID] = st
	return s.write()
}

// Flush writes the current state to disk without modifying it. Used at
// shutdown.
func (s *Store) Flush() error {
	return s.write()
}

// cleanup drops stale trips, then clears everything when the service
// date has rolled over: yesterday's trips must not pair with today's
// reuse of their trip IDs.
func (s *Store) cleanup() {
	now := s.clock.Now()
	for tripID, st := range s.states {
		if now.Sub(st.UpdatedAt) > staleAfter {
			delete(s.states, tripID)
		}
	}

	current := svcdate.FromTime(now.In(s.loc))
	if current != s.serviceDate {
		logging.LogOperation(s.logger, "service_date_rollover_purging_trip_states",
			slog.String("route", s.route),
			slog.String("new_date", current.String()),
			slog.Int("purged", len(s.states)))
		s.states = make(map[string]TripState)
		s.serviceDate = current
	}
}

func (s *Store) write() error {
	f := stateFile{
		ServiceDate: s.serviceDate.String(),
		TripStates:  s.states,
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding trip states for %s: %w", s.route, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating trip state directory: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("writing trip states for %s: %w", s.route, err)
	}
	return nil
}
