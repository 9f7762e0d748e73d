package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"gobble.transitmatters.org/internal/clock"
	"gobble.transitmatters.org/internal/feed"
	"gobble.transitmatters.org/internal/metrics"
	"gobble.transitmatters.org/internal/monitor"
	"gobble.transitmatters.org/internal/routes"
	"gobble.transitmatters.org/internal/schedule"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nullOracle struct{}

func (nullOracle) Enrich(string, int, string, int) schedule.Enrichment {
	return schedule.Enrichment{}
}

type captureSink struct {
	events []monitor.Event
}

func (s *captureSink) Write(ev monitor.Event) error {
	s.events = append(s.events, ev)
	return nil
}

// replaySource delivers a canned update sequence and then reports a
// dropped connection, a bounded number of times.
type replaySource struct {
	updates     []feed.VehicleUpdate
	connections atomic.Int32
	maxConns    int32
	done        chan struct{}
}

func (s *replaySource) Stream(ctx context.Context, handle feed.Handler) error {
	n := s.connections.Add(1)
	for _, u := range s.updates {
		handle(u)
	}
	if n >= s.maxConns {
		select {
		case s.done <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}
	return errors.New("connection reset")
}

func newTestWorker(t *testing.T, src Source) (*Worker, *captureSink) {
	t.Helper()

	routesFile := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(routesFile, []byte("timezone: America/New_York\nrapid: [Red]\n"), 0o644))
	rf, err := routes.Load(routesFile)
	require.NoError(t, err)

	group := routes.Group{Name: "rapid", Mode: routes.ModeRapid, Routes: []string{"Red"}}
	clk := clock.NewMockClock(time.Date(2025, 3, 12, 14, 0, 0, 0, rf.Location()))
	sink := &captureSink{}
	mon := monitor.New(group, rf, nullOracle{}, sink, t.TempDir(), clk, metrics.New(), testLogger())

	w := New(group, src, mon, metrics.New(), testLogger())
	// No pacing in tests
	w.limiter = rate.NewLimiter(rate.Inf, 1)
	return w, sink
}

func TestWorkerReconnectsUntilCanceled(t *testing.T) {
	src := &replaySource{
		updates: []feed.VehicleUpdate{{
			RouteID:      "Red",
			TripID:       "t1",
			StopID:       "a",
			StopSequence: 1,
			Status:       feed.StatusInTransitTo,
			UpdatedAt:    time.Now(),
		}},
		maxConns: 3,
		done:     make(chan struct{}, 1),
	}
	w, _ := newTestWorker(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(finished)
	}()

	select {
	case <-src.done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never reached the final connection")
	}
	cancel()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}

	assert.Equal(t, int32(3), src.connections.Load())
}

func TestWorkerProcessesUpdates(t *testing.T) {
	src := &replaySource{
		updates: []feed.VehicleUpdate{
			{RouteID: "Red", TripID: "t1", StopID: "a", StopSequence: 1, Status: feed.StatusInTransitTo, UpdatedAt: time.Now()},
			{RouteID: "Red", TripID: "t1", StopID: "b", StopSequence: 2, Status: feed.StatusInTransitTo, UpdatedAt: time.Now()},
		},
		maxConns: 1,
		done:     make(chan struct{}, 1),
	}
	w, sink := newTestWorker(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(finished)
	}()

	<-src.done
	cancel()
	<-finished

	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	assert.Equal(t, monitor.EventDep, ev.Type)
	assert.Equal(t, "t1", ev.TripID)
	assert.Equal(t, "a", ev.StopID)
	assert.Equal(t, 2, ev.StopSequence)
}
