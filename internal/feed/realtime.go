package feed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/OneBusAway/go-gtfs"

	"gobble.transitmatters.org/internal/logging"
)

// realtimeHTTPClient is a dedicated HTTP client for GTFS-RT feed fetching,
// configured with explicit timeouts and transport limits to avoid the
// pitfalls of http.DefaultClient (no timeout, shared global state).
var realtimeHTTPClient = newRealtimeHTTPClient()

func newRealtimeHTTPClient() *http.Client {
	var transport *http.Transport
	if t, ok := http.DefaultTransport.(*http.Transport); ok {
		transport = t.Clone()
	} else {
		transport = &http.Transport{}
	}
	transport.MaxIdleConns = 50
	transport.MaxIdleConnsPerHost = 10
	transport.IdleConnTimeout = 90 * time.Second
	transport.TLSHandshakeTimeout = 10 * time.Second

	return &http.Client{
		Timeout:   10 * time.Second,
		Transport: transport,
	}
}

// DirectionResolver maps a trip to its direction. GTFS-RT vehicle frames
// do not reliably carry direction, so it is recovered from the static
// schedule. A false return leaves the direction at 0.
type DirectionResolver func(routeID, tripID string) (int, bool)

// RTSource polls a GTFS-RT VehiclePositions feed and delivers updates
// for a set of routes.
type RTSource struct {
	url       string
	interval  time.Duration
	routes    map[string]struct{}
	direction DirectionResolver
	logger    *slog.Logger

	// lastSeen suppresses re-delivery of unchanged vehicle frames
	// between polls, keyed by vehicle ID.
	lastSeen map[string]time.Time
}

func NewRTSource(feedURL string, interval time.Duration, routes []string, direction DirectionResolver, logger *slog.Logger) *RTSource {
	routeSet := make(map[string]struct{}, len(routes))
	for _, r := range routes {
		routeSet[r] = struct{}{}
	}
	return &RTSource{
		url:       feedURL,
		interval:  interval,
		routes:    routeSet,
		direction: direction,
		logger:    logger,
		lastSeen:  make(map[string]time.Time),
	}
}

// Stream polls the feed on the configured interval until a fetch fails
// or ctx is canceled. The first poll happens immediately.
func (s *RTSource) Stream(ctx context.Context, handle Handler) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.poll(ctx, handle); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *RTSource) poll(ctx context.Context, handle Handler) error {
	fetchCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	feed, err := s.fetch(fetchCtx)
	if err != nil {
		return err
	}

	delivered := 0
	for i := range feed.Vehicles {
		u, ok := s.toUpdate(&feed.Vehicles[i])
		if !ok {
			continue
		}
		handle(u)
		delivered++
	}
	s.logger.Debug("gtfs_rt_poll", slog.Int("vehicles", len(feed.Vehicles)), slog.Int("delivered", delivered))
	return nil
}

func (s *RTSource) fetch(ctx context.Context) (*gtfs.Realtime, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := realtimeHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute GTFS-RT request: %w", err)
	}
	defer logging.SafeCloseWithLogging(resp.Body, s.logger, "http_response_body")

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gtfs-rt fetch failed: %s returned %s", s.url, resp.Status)
	}

	const maxBodySize = 25 * 1024 * 1024
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > maxBodySize {
		return nil, fmt.Errorf("GTFS-RT response exceeds size limit of %d bytes", maxBodySize)
	}

	feed, err := gtfs.ParseRealtime(body, &gtfs.ParseRealtimeOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse GTFS-RT feed: %w", err)
	}
	return feed, nil
}

// toUpdate converts one GTFS-RT vehicle to a canonical update, filtering
// to the monitored routes and suppressing frames whose per-vehicle
// timestamp has not advanced since the previous poll.
func (s *RTSource) toUpdate(v *gtfs.Vehicle) (VehicleUpdate, bool) {
	if v.Trip == nil || v.ID == nil || v.Timestamp == nil {
		return VehicleUpdate{}, false
	}
	routeID := v.Trip.ID.RouteID
	if _, ok := s.routes[routeID]; !ok {
		return VehicleUpdate{}, false
	}
	if last, ok := s.lastSeen[v.ID.ID]; ok && !v.Timestamp.After(last) {
		return VehicleUpdate{}, false
	}
	s.lastSeen[v.ID.ID] = *v.Timestamp

	u := VehicleUpdate{
		RouteID:   routeID,
		TripID:    v.Trip.ID.ID,
		VehicleID: v.ID.ID,
		Label:     v.ID.Label,
		Status:    currentStatusToStatus(v.CurrentStatus),
		UpdatedAt: *v.Timestamp,
	}
	if v.StopID != nil {
		u.StopID = *v.StopID
	}
	if v.CurrentStopSequence != nil {
		u.StopSequence = int(*v.CurrentStopSequence)
	}
	if v.ID.Label != "" {
		u.Consist = []string{v.ID.Label}
	}
	if v.OccupancyStatus != nil {
		u.Occupancy = v.OccupancyStatus.String()
	}
	if s.direction != nil {
		if d, ok := s.direction(routeID, u.TripID); ok {
			u.DirectionID = d
		}
	}
	if skippable(u) {
		return VehicleUpdate{}, false
	}
	return u, true
}

// currentStatusToStatus maps the GTFS-RT VehicleStopStatus enum
// (0 INCOMING_AT, 1 STOPPED_AT, 2 IN_TRANSIT_TO). A nil status means
// IN_TRANSIT_TO, the wire default.
func currentStatusToStatus(cs *gtfs.CurrentStatus) Status {
	if cs == nil {
		return StatusInTransitTo
	}
	switch *cs {
	case gtfs.CurrentStatus(0):
		return StatusIncomingAt
	case gtfs.CurrentStatus(1):
		return StatusStoppedAt
	default:
		return StatusInTransitTo
	}
}
