// Package config loads process configuration from the environment.
// A .env file is honored when present; explicit environment variables win.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"gobble.transitmatters.org/internal/appconf"
)

type Config struct {
	Env appconf.Environment

	// V3 streaming API
	V3APIKey    string
	V3StreamURL string

	// GTFS-RT polling source; enabled when the URL is set
	VehiclePositionsURL string
	PollInterval        time.Duration

	// GTFS static schedule
	GTFSStaticURL string

	// Output and state
	DataDir    string
	RoutesFile string

	// Optional live publishing; disabled when empty
	NATSURL string

	MetricsAddr string
	LogLevel    slog.Level
}

// Load reads configuration from the environment. A missing required value
// or an unparseable one is a startup error; the process should not run
// half-configured.
func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Env:                 appconf.EnvFlagToEnvironment(os.Getenv("APP_ENV")),
		V3APIKey:            os.Getenv("MBTA_V3_API_KEY"),
		V3StreamURL:         getenvDefault("MBTA_V3_STREAM_URL", "https://api-v3.mbta.com/vehicles"),
		VehiclePositionsURL: os.Getenv("GTFS_RT_VEHICLE_POSITIONS_URL"),
		GTFSStaticURL:       getenvDefault("GTFS_STATIC_URL", "https://cdn.mbta.com/MBTA_GTFS.zip"),
		DataDir:             getenvDefault("DATA_DIR", "data"),
		RoutesFile:          os.Getenv("ROUTES_FILE"),
		NATSURL:             os.Getenv("NATS_URL"),
		MetricsAddr:         getenvDefault("METRICS_ADDR", ":9090"),
	}

	if cfg.RoutesFile == "" {
		return nil, errors.New("ROUTES_FILE must be set")
	}

	// At least one vehicle source must be usable. The streaming API needs
	// a key; the polling source just needs its URL.
	if cfg.VehiclePositionsURL == "" && cfg.V3APIKey == "" {
		return nil, errors.New("MBTA_V3_API_KEY must be set (or GTFS_RT_VEHICLE_POSITIONS_URL for polling)")
	}

	if v := os.Getenv("GTFS_RT_POLL_INTERVAL_SEC"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil || sec <= 0 {
			return nil, fmt.Errorf("invalid GTFS_RT_POLL_INTERVAL_SEC: %q", v)
		}
		cfg.PollInterval = time.Duration(sec) * time.Second
	} else {
		cfg.PollInterval = 15 * time.Second
	}

	// Development runs default to debug logging; LOG_LEVEL always wins.
	defaultLevel := "info"
	if cfg.Env == appconf.Development {
		defaultLevel = "debug"
	}
	level, err := parseLogLevel(getenvDefault("LOG_LEVEL", defaultLevel))
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = level

	return cfg, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid LOG_LEVEL: %q", s)
	}
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
