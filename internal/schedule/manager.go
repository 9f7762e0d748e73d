package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"gobble.transitmatters.org/internal/clock"
	"gobble.transitmatters.org/internal/logging"
	"gobble.transitmatters.org/internal/svcdate"
)

// Enrichment is the schedule context attached to a detected event. Nil
// fields mean the schedule had no answer; the event is recorded anyway.
type Enrichment struct {
	HeadwaySecs    *int
	TravelTimeSecs *int
}

// Manager owns the current service date's index and swaps in a fresh one
// when the service date rolls over. Reads never block on a refresh: the
// previous index keeps serving until the new one is ready.
type Manager struct {
	source   string
	cacheDir string
	loc      *time.Location
	clock    clock.Clock
	logger   *slog.Logger

	mu    sync.RWMutex
	index *Index

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds a manager and performs the initial blocking load.
func NewManager(source, cacheDir string, loc *time.Location, clk clock.Clock, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		source:   source,
		cacheDir: cacheDir,
		loc:      loc,
		clock:    clk,
		logger:   logger,
	}
	if err := m.refresh(); err != nil {
		return nil, err
	}
	return m, nil
}

// refreshCheckInterval is how often the rollover check runs. The check is
// a date comparison; the expensive load only happens on an actual change.
const refreshCheckInterval = time.Minute

// Start launches the background rollover watcher. Call Shutdown to stop it.
func (m *Manager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(refreshCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if m.CurrentServiceDate() == m.indexDate() {
					continue
				}
				logging.LogOperation(m.logger, "service_date_rollover_refreshing_schedule",
					slog.String("new_date", m.CurrentServiceDate().String()))
				if err := m.refresh(); err != nil {
					// Keep serving the old index and retry on the next tick
					logging.LogError(m.logger, "schedule refresh failed, keeping previous index", err)
				}
			}
		}
	}()
}

// Shutdown stops the rollover watcher and waits for it to exit.
func (m *Manager) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) refresh() error {
	date := m.CurrentServiceDate()

	static, err := loadStaticData(m.source, m.cacheDir, date, m.logger)
	if err != nil {
		return err
	}
	index := BuildIndex(static, date)

	m.mu.Lock()
	m.index = index
	m.mu.Unlock()

	logging.LogOperation(m.logger, "schedule_index_built",
		slog.String("service_date", date.String()),
		slog.Int("trips", len(index.tripFirstStop)))
	return nil
}

// CurrentServiceDate returns the service date for the clock's current time.
func (m *Manager) CurrentServiceDate() svcdate.Date {
	return svcdate.FromTime(m.clock.Now().In(m.loc))
}

// Location returns the agency time zone the manager computes dates in.
func (m *Manager) Location() *time.Location {
	return m.loc
}

func (m *Manager) indexDate() svcdate.Date {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.index.date
}

// Enrich looks up the schedule context for an event at eventSecs past the
// service date's midnight.
func (m *Manager) Enrich(route string, direction int, stop string, eventSecs int) Enrichment {
	m.mu.RLock()
	index := m.index
	m.mu.RUnlock()

	visit, ok := index.NearestVisit(route, direction, stop, eventSecs)
	if !ok {
		return Enrichment{}
	}

	e := Enrichment{HeadwaySecs: visit.HeadwaySecs}
	if first, ok := index.TripFirstStopSecs(visit.TripID); ok {
		tt := visit.ArrivalSecs - first
		e.TravelTimeSecs = &tt
	}
	return e
}

// TripDirection resolves a trip's direction from the schedule. The route
// argument exists to satisfy feed.DirectionResolver; trip IDs are unique
// on their own.
func (m *Manager) TripDirection(_ string, tripID string) (int, bool) {
	m.mu.RLock()
	index := m.index
	m.mu.RUnlock()
	return index.TripDirection(tripID)
}
