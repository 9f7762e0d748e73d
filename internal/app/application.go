// Package app assembles the process: configuration, schedule manager,
// one worker per route group, and the shared ambient pieces they need.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"gobble.transitmatters.org/internal/clock"
	"gobble.transitmatters.org/internal/config"
	"gobble.transitmatters.org/internal/feed"
	"gobble.transitmatters.org/internal/logging"
	"gobble.transitmatters.org/internal/metrics"
	"gobble.transitmatters.org/internal/monitor"
	"gobble.transitmatters.org/internal/publisher"
	"gobble.transitmatters.org/internal/routes"
	"gobble.transitmatters.org/internal/schedule"
	"gobble.transitmatters.org/internal/sink"
	"gobble.transitmatters.org/internal/worker"
)

// Application holds the dependencies for the ingest workers and the
// shared services behind them.
type Application struct {
	Config   *config.Config
	Routes   *routes.File
	Logger   *slog.Logger
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	Schedule *schedule.Manager

	workers    []*worker.Worker
	publishers map[routes.Mode]*publisher.NATSPublisher
}

// Build wires an Application from configuration. Nothing starts running
// here; Run does that.
func Build(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	rf, err := routes.Load(cfg.RoutesFile)
	if err != nil {
		return nil, err
	}

	clk := clock.RealClock{}
	m := metrics.NewWithLogger(logger)

	mgr, err := schedule.NewManager(cfg.GTFSStaticURL, cfg.DataDir, rf.Location(), clk, logger)
	if err != nil {
		return nil, fmt.Errorf("loading schedule: %w", err)
	}

	app := &Application{
		Config:     cfg,
		Routes:     rf,
		Logger:     logger,
		Clock:      clk,
		Metrics:    m,
		Schedule:   mgr,
		publishers: make(map[routes.Mode]*publisher.NATSPublisher),
	}

	for _, group := range rf.Groups() {
		out, err := app.sinkFor(group.Mode)
		if err != nil {
			return nil, err
		}
		mon := monitor.New(group, rf, mgr, out, cfg.DataDir, clk, m, logger)
		app.workers = append(app.workers, worker.New(group, app.sourceFor(group), mon, m, logger))
	}

	return app, nil
}

// sourceFor picks the vehicle feed for one group. The streaming API is
// preferred when a key is configured; otherwise the group polls the
// GTFS-RT endpoint.
func (app *Application) sourceFor(group routes.Group) worker.Source {
	if app.Config.V3APIKey != "" {
		return feed.NewSSESource(app.Config.V3StreamURL, app.Config.V3APIKey, group.Routes, app.Logger)
	}
	return feed.NewRTSource(app.Config.VehiclePositionsURL, app.Config.PollInterval, group.Routes, app.Schedule.TripDirection, app.Logger)
}

// sinkFor builds the event output chain for one mode: always the CSV
// archive, plus live publishing when a broker is configured. Bus groups
// share their mode's publisher connection.
func (app *Application) sinkFor(mode routes.Mode) (monitor.Sink, error) {
	csv := sink.NewCSVWriter(app.Config.DataDir, mode, app.Routes.Location(), app.Logger)
	if app.Config.NATSURL == "" {
		return csv, nil
	}

	pub, ok := app.publishers[mode]
	if !ok {
		var err error
		pub, err = publisher.NewNATSPublisher(app.Config.NATSURL, mode, app.Metrics, app.Logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to NATS: %w", err)
		}
		app.publishers[mode] = pub
	}
	return sink.Multi{csv, pub}, nil
}

// Run starts the schedule watcher, the metrics endpoint, and every
// worker, then blocks until ctx ends and everything has shut down.
func (app *Application) Run(ctx context.Context) {
	app.Schedule.Start()
	defer app.Schedule.Shutdown()

	var srv *http.Server
	if app.Config.MetricsAddr != "" {
		srv = app.Metrics.Serve(app.Config.MetricsAddr)
	}

	var wg sync.WaitGroup
	for _, w := range app.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	logging.LogOperation(app.Logger, "started",
		slog.Int("workers", len(app.workers)),
		slog.String("service_date", app.Schedule.CurrentServiceDate().String()))

	<-ctx.Done()
	wg.Wait()

	for _, pub := range app.publishers {
		pub.Close()
	}
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.LogError(app.Logger, "metrics server shutdown", err)
		}
	}
	app.Logger.Info("shutdown complete")
}
