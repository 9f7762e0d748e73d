package app

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gobble.transitmatters.org/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFixtureFeed(t *testing.T) string {
	t.Helper()

	files := map[string]string{
		"agency.txt": "agency_id,agency_name,agency_url,agency_timezone\n" +
			"1,Test Transit,https://transit.example.com,America/New_York\n",
		"routes.txt": "route_id,agency_id,route_short_name,route_long_name,route_type\n" +
			"Red,1,RL,Red Line,1\n",
		"stops.txt": "stop_id,stop_name\n" +
			"a,Alewife\nb,Davis\n",
		"calendar.txt": "service_id,monday,tuesday,wednesday,thursday,friday,saturday,sunday,start_date,end_date\n" +
			"daily,1,1,1,1,1,1,1,20240101,20301231\n",
		"trips.txt": "route_id,service_id,trip_id,direction_id\n" +
			"Red,daily,t1,0\n",
		"stop_times.txt": "trip_id,arrival_time,departure_time,stop_id,stop_sequence\n" +
			"t1,08:00:00,08:00:00,a,1\n" +
			"t1,08:10:00,08:10:00,b,2\n",
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "feed.zip")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	routesFile := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(routesFile, []byte(
		"timezone: America/New_York\nrapid: [Red]\nbus: [\"1\", \"4\"]\n"), 0o644))

	t.Setenv("MBTA_V3_API_KEY", "test-key")
	t.Setenv("ROUTES_FILE", routesFile)
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("GTFS_STATIC_URL", writeFixtureFeed(t))

	cfg, err := config.Load()
	require.NoError(t, err)
	// No metrics listener in tests
	cfg.MetricsAddr = ""
	return cfg
}

func TestBuild(t *testing.T) {
	cfg := testConfig(t)

	app, err := Build(cfg, testLogger())
	require.NoError(t, err)

	assert.Same(t, cfg, app.Config)
	assert.NotNil(t, app.Routes)
	assert.NotNil(t, app.Metrics)
	assert.NotNil(t, app.Schedule)

	// One worker per group: rapid plus one bus chunk
	assert.Len(t, app.workers, 2)
	assert.Empty(t, app.publishers)
}

func TestBuildRejectsMissingRoutesFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.RoutesFile = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := Build(cfg, testLogger())
	require.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	// Polling source so Run makes no outbound connections before cancel
	cfg.V3APIKey = ""
	cfg.VehiclePositionsURL = "http://127.0.0.1:0/vehiclepositions"
	cfg.PollInterval = time.Hour

	app, err := Build(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		app.Run(ctx)
		close(finished)
	}()

	cancel()
	select {
	case <-finished:
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
