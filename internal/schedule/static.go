// Package schedule answers "what was supposed to happen" questions for
// detected events: the nearest scheduled visit to a stop, its headway
// from the previous scheduled visit, and its travel time from the trip's
// origin. The answers come from a GTFS static feed indexed per service
// date.
package schedule

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/OneBusAway/go-gtfs"

	"gobble.transitmatters.org/internal/logging"
	"gobble.transitmatters.org/internal/svcdate"
)

const maxStaticSize = 200 * 1024 * 1024

// rawStaticData fetches the GTFS static zip, from disk for local paths
// or over HTTP otherwise.
func rawStaticData(source string) ([]byte, error) {
	if isLocalFile(source) {
		b, err := os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("error reading local GTFS file: %w", err)
		}
		return b, nil
	}

	req, err := http.NewRequest("GET", source, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating GTFS request: %w", err)
	}

	client := &http.Client{
		Timeout: 5 * time.Minute,
		Transport: &http.Transport{
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		}}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error downloading GTFS data: %w", err)
	}
	defer logging.SafeCloseWithLogging(resp.Body,
		slog.Default().With(slog.String("component", "gtfs_downloader")),
		"http_response_body")

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download GTFS data: received HTTP status %s", resp.Status)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxStaticSize+1))
	if err != nil {
		return nil, fmt.Errorf("error reading GTFS data: %w", err)
	}
	if int64(len(b)) > maxStaticSize {
		return nil, fmt.Errorf("static GTFS response exceeds size limit of %d bytes", maxStaticSize)
	}
	return b, nil
}

func isLocalFile(source string) bool {
	return !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://")
}

// cachedStaticData returns the feed bytes for a service date, downloading
// and caching under cacheDir on a miss. Remote feeds are fetched at most
// once per service date.
func cachedStaticData(source, cacheDir string, date svcdate.Date, logger *slog.Logger) ([]byte, error) {
	if isLocalFile(source) {
		return rawStaticData(source)
	}

	cachePath := filepath.Join(cacheDir, "gtfs", date.String()+".zip")
	if b, err := os.ReadFile(cachePath); err == nil {
		logging.LogOperation(logger, "gtfs_cache_hit", slog.String("path", cachePath))
		return b, nil
	}

	b, err := rawStaticData(source)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		logging.LogError(logger, "failed to create GTFS cache directory", err)
		return b, nil
	}
	if err := os.WriteFile(cachePath, b, 0o644); err != nil {
		// Cache failure is not load failure
		logging.LogError(logger, "failed to cache GTFS feed", err,
			slog.String("path", cachePath))
	}
	return b, nil
}

// loadStaticData loads and parses GTFS data from either a URL or a local file
func loadStaticData(source, cacheDir string, date svcdate.Date, logger *slog.Logger) (*gtfs.Static, error) {
	b, err := cachedStaticData(source, cacheDir, date, logger)
	if err != nil {
		return nil, fmt.Errorf("error reading GTFS data: %w", err)
	}

	staticData, err := gtfs.ParseStatic(b, gtfs.ParseStaticOptions{})
	if err != nil {
		return nil, fmt.Errorf("error parsing GTFS data: %w", err)
	}

	return staticData, nil
}
