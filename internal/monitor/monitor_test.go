package monitor

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gobble.transitmatters.org/internal/clock"
	"gobble.transitmatters.org/internal/feed"
	"gobble.transitmatters.org/internal/metrics"
	"gobble.transitmatters.org/internal/routes"
	"gobble.transitmatters.org/internal/schedule"
)

type oracleCall struct {
	route     string
	direction int
	stop      string
	eventSecs int
}

type fakeOracle struct {
	enrichment schedule.Enrichment
	calls      []oracleCall
}

func (o *fakeOracle) Enrich(route string, direction int, stop string, eventSecs int) schedule.Enrichment {
	o.calls = append(o.calls, oracleCall{route, direction, stop, eventSecs})
	return o.enrichment
}

type fakeSink struct {
	events []Event
	err    error
}

func (s *fakeSink) Write(ev Event) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

const monitorRoutesFile = `
timezone: America/New_York
rapid:
  - Red
bus:
  - "1"
checkpoints:
  "1":
    - "ckpt"
`

func loadRoutesFile(t *testing.T) *routes.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(monitorRoutesFile), 0o644))
	f, err := routes.Load(path)
	require.NoError(t, err)
	return f
}

type monitorFixture struct {
	monitor *Monitor
	oracle  *fakeOracle
	sink    *fakeSink
	clock   *clock.MockClock
}

func newFixture(t *testing.T, group routes.Group) *monitorFixture {
	t.Helper()
	rf := loadRoutesFile(t)
	loc := rf.Location()
	clk := clock.NewMockClock(time.Date(2025, 3, 12, 14, 0, 0, 0, loc))
	oracle := &fakeOracle{}
	sink := &fakeSink{}
	m := New(group, rf, oracle, sink, t.TempDir(), clk, metrics.New(), testLogger())
	return &monitorFixture{monitor: m, oracle: oracle, sink: sink, clock: clk}
}

func rapidGroup() routes.Group {
	return routes.Group{Name: "rapid", Mode: routes.ModeRapid, Routes: []string{"Red"}}
}

func busGroup() routes.Group {
	return routes.Group{Name: "bus-1", Mode: routes.ModeBus, Routes: []string{"1"}}
}

func tsUpd(status feed.Status, seq int, stop string, at time.Time) feed.VehicleUpdate {
	u := upd(status, seq, stop)
	u.UpdatedAt = at
	return u
}

func TestProcessWritesDepartureWithEnrichment(t *testing.T) {
	fx := newFixture(t, rapidGroup())
	headway := 300
	tt := 600
	fx.oracle.enrichment = schedule.Enrichment{HeadwaySecs: &headway, TravelTimeSecs: &tt}

	at := fx.clock.Now()
	require.NoError(t, fx.monitor.Process(tsUpd(feed.StatusInTransitTo, 5, "a", at)))
	require.NoError(t, fx.monitor.Process(tsUpd(feed.StatusInTransitTo, 6, "b", at.Add(time.Minute))))

	require.Len(t, fx.sink.events, 1)
	ev := fx.sink.events[0]
	assert.Equal(t, EventDep, ev.Type)
	assert.Equal(t, "a", ev.StopID)
	assert.Equal(t, "2025-03-12", ev.ServiceDate.String())
	assert.Equal(t, &headway, ev.ScheduledHeadwaySecs)
	assert.Equal(t, &tt, ev.ScheduledTravelSecs)

	require.Len(t, fx.oracle.calls, 1)
	call := fx.oracle.calls[0]
	assert.Equal(t, "Red", call.route)
	assert.Equal(t, "a", call.stop)
	assert.Equal(t, 14*3600+60, call.eventSecs)
}

func TestProcessMissingStopSkipsEverything(t *testing.T) {
	fx := newFixture(t, rapidGroup())

	at := fx.clock.Now()
	require.NoError(t, fx.monitor.Process(tsUpd(feed.StatusInTransitTo, 5, "a", at)))

	noStop := tsUpd(feed.StatusInTransitTo, 6, "", at.Add(time.Minute))
	require.NoError(t, fx.monitor.Process(noStop))

	// State did not move and the oracle was never consulted
	st, ok := fx.monitor.storeFor("Red").Get("trip-1")
	require.True(t, ok)
	assert.Equal(t, 5, st.StopSequence)
	assert.Empty(t, fx.oracle.calls)
	assert.Empty(t, fx.sink.events)
}

func TestProcessBusCheckpointFilter(t *testing.T) {
	fx := newFixture(t, busGroup())

	at := fx.clock.Now()
	u1 := tsUpd(feed.StatusInTransitTo, 5, "plain", at)
	u1.RouteID = "1"
	u2 := tsUpd(feed.StatusInTransitTo, 6, "ckpt", at.Add(time.Minute))
	u2.RouteID = "1"
	u3 := tsUpd(feed.StatusInTransitTo, 7, "other", at.Add(2*time.Minute))
	u3.RouteID = "1"

	require.NoError(t, fx.monitor.Process(u1))
	// Departure from "plain": not a checkpoint, filtered before enrichment
	require.NoError(t, fx.monitor.Process(u2))
	assert.Empty(t, fx.sink.events)
	assert.Empty(t, fx.oracle.calls)

	// Departure from "ckpt": written
	require.NoError(t, fx.monitor.Process(u3))
	require.Len(t, fx.sink.events, 1)
	assert.Equal(t, "ckpt", fx.sink.events[0].StopID)

	// State advanced through the filtered stop
	st, ok := fx.monitor.storeFor("1").Get("trip-1")
	require.True(t, ok)
	assert.Equal(t, 7, st.StopSequence)
}

func TestProcessOracleMissStillWrites(t *testing.T) {
	fx := newFixture(t, rapidGroup())

	at := fx.clock.Now()
	require.NoError(t, fx.monitor.Process(tsUpd(feed.StatusInTransitTo, 5, "a", at)))
	require.NoError(t, fx.monitor.Process(tsUpd(feed.StatusInTransitTo, 6, "b", at.Add(time.Minute))))

	require.Len(t, fx.sink.events, 1)
	assert.Nil(t, fx.sink.events[0].ScheduledHeadwaySecs)
	assert.Nil(t, fx.sink.events[0].ScheduledTravelSecs)
}

func TestProcessSinkErrorSurfaces(t *testing.T) {
	fx := newFixture(t, rapidGroup())
	fx.sink.err = errors.New("disk full")

	at := fx.clock.Now()
	require.NoError(t, fx.monitor.Process(tsUpd(feed.StatusInTransitTo, 5, "a", at)))
	err := fx.monitor.Process(tsUpd(feed.StatusInTransitTo, 6, "b", at.Add(time.Minute)))
	assert.ErrorContains(t, err, "disk full")
}

func TestProcessPostMidnightEventSecs(t *testing.T) {
	fx := newFixture(t, rapidGroup())
	loc := fx.clock.Now().Location()

	// 1:30 AM March 13 belongs to the March 12 service date
	late := time.Date(2025, 3, 13, 1, 30, 0, 0, loc)
	fx.clock.Set(late)

	require.NoError(t, fx.monitor.Process(tsUpd(feed.StatusInTransitTo, 5, "a", late)))
	require.NoError(t, fx.monitor.Process(tsUpd(feed.StatusInTransitTo, 6, "b", late.Add(time.Minute))))

	require.Len(t, fx.sink.events, 1)
	assert.Equal(t, "2025-03-12", fx.sink.events[0].ServiceDate.String())
	require.Len(t, fx.oracle.calls, 1)
	assert.Equal(t, 25*3600+31*60, fx.oracle.calls[0].eventSecs)
}

func TestFlushWritesAllStores(t *testing.T) {
	fx := newFixture(t, rapidGroup())

	at := fx.clock.Now()
	require.NoError(t, fx.monitor.Process(tsUpd(feed.StatusInTransitTo, 5, "a", at)))
	require.NoError(t, fx.monitor.Flush())
}
