package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"gobble.transitmatters.org/internal/logging"
)

// streamHTTPClient is a dedicated HTTP client for the streaming API. It
// deliberately has no overall request timeout: the response body is a
// long-lived event stream. Connection-establishment phases still get
// explicit bounds via the transport.
var streamHTTPClient = newStreamHTTPClient()

func newStreamHTTPClient() *http.Client {
	var transport *http.Transport
	if t, ok := http.DefaultTransport.(*http.Transport); ok {
		transport = t.Clone()
	} else {
		transport = &http.Transport{}
	}
	transport.TLSHandshakeTimeout = 10 * time.Second
	transport.ResponseHeaderTimeout = 30 * time.Second
	transport.IdleConnTimeout = 90 * time.Second

	return &http.Client{Transport: transport}
}

// maxEventSize bounds a single server-sent event. Reset snapshots carry
// every vehicle on the monitored routes in one frame.
const maxEventSize = 16 * 1024 * 1024

// SSESource streams vehicle updates for a set of routes from the MBTA V3
// API's server-sent-event endpoint.
type SSESource struct {
	url    string
	apiKey string
	routes []string
	logger *slog.Logger
}

func NewSSESource(streamURL, apiKey string, routes []string, logger *slog.Logger) *SSESource {
	return &SSESource{
		url:    streamURL,
		apiKey: apiKey,
		routes: routes,
		logger: logger,
	}
}

// Stream connects and delivers updates to handle until the connection
// drops or ctx is canceled. It returns a non-nil error in both cases;
// callers decide whether to reconnect based on ctx.
func (s *SSESource) Stream(ctx context.Context, handle Handler) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("building stream request: %w", err)
	}
	q := url.Values{}
	q.Set("filter[route]", strings.Join(s.routes, ","))
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("X-API-Key", s.apiKey)

	resp, err := streamHTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to stream: %w", err)
	}
	defer logging.SafeCloseWithLogging(resp.Body, s.logger, "sse_response_body")

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream connection refused: %s returned %s", s.url, resp.Status)
	}

	logging.LogOperation(s.logger, "sse_connected",
		slog.Int("routes", len(s.routes)))

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxEventSize)

	var eventName string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				s.dispatch(eventName, data.String(), handle)
			}
			eventName = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read: %w", err)
	}
	return fmt.Errorf("stream closed by server")
}

// dispatch routes one complete server-sent event. Reset frames carry the
// full vehicle snapshot as an array; add and update frames carry one
// resource each. Malformed frames are logged and dropped so one bad
// payload cannot stall the stream.
func (s *SSESource) dispatch(eventName, data string, handle Handler) {
	switch eventName {
	case "reset":
		var resources []v3Resource
		if err := json.Unmarshal([]byte(data), &resources); err != nil {
			logging.LogError(s.logger, "failed to decode reset frame", err)
			return
		}
		logging.LogOperation(s.logger, "sse_reset",
			slog.Int("vehicles", len(resources)))
		for _, r := range resources {
			s.deliver(r, handle)
		}
	case "add", "update":
		var resource v3Resource
		if err := json.Unmarshal([]byte(data), &resource); err != nil {
			logging.LogError(s.logger, "failed to decode vehicle frame", err,
				slog.String("event", eventName))
			return
		}
		s.deliver(resource, handle)
	case "remove":
		// Vehicle left the feed; trip state expires on its own.
	}
}

func (s *SSESource) deliver(r v3Resource, handle Handler) {
	u, err := r.toUpdate()
	if err != nil {
		logging.LogError(s.logger, "failed to normalize vehicle resource", err,
			slog.String("vehicle_id", r.ID))
		return
	}
	if skippable(u) {
		return
	}
	handle(u)
}

// v3Resource is a JSON:API vehicle resource from the V3 streaming API.
type v3Resource struct {
	ID         string `json:"id"`
	Attributes struct {
		CurrentStatus       string     `json:"current_status"`
		CurrentStopSequence *int       `json:"current_stop_sequence"`
		DirectionID         int        `json:"direction_id"`
		Label               string     `json:"label"`
		UpdatedAt           time.Time  `json:"updated_at"`
		OccupancyStatus     *string    `json:"occupancy_status"`
		Carriages           []carriage `json:"carriages"`
	} `json:"attributes"`
	Relationships struct {
		Route relRef `json:"route"`
		Trip  relRef `json:"trip"`
		Stop  relRef `json:"stop"`
	} `json:"relationships"`
}

type carriage struct {
	Label               string `json:"label"`
	OccupancyStatus     string `json:"occupancy_status"`
	OccupancyPercentage *int   `json:"occupancy_percentage"`
}

type relRef struct {
	Data *struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (r relRef) id() string {
	if r.Data == nil {
		return ""
	}
	return r.Data.ID
}

func (r v3Resource) toUpdate() (VehicleUpdate, error) {
	status, err := ParseStatus(r.Attributes.CurrentStatus)
	if err != nil {
		return VehicleUpdate{}, err
	}

	u := VehicleUpdate{
		RouteID:     r.Relationships.Route.id(),
		TripID:      r.Relationships.Trip.id(),
		StopID:      r.Relationships.Stop.id(),
		Status:      status,
		DirectionID: r.Attributes.DirectionID,
		VehicleID:   r.ID,
		Label:       r.Attributes.Label,
		UpdatedAt:   r.Attributes.UpdatedAt,
	}
	if r.Attributes.CurrentStopSequence != nil {
		u.StopSequence = *r.Attributes.CurrentStopSequence
	}
	if len(r.Attributes.Carriages) > 0 {
		// Per-car values, positionally aligned with the consist.
		statuses := make([]string, len(r.Attributes.Carriages))
		pcts := make([]string, len(r.Attributes.Carriages))
		for i, c := range r.Attributes.Carriages {
			u.Consist = append(u.Consist, c.Label)
			statuses[i] = c.OccupancyStatus
			if c.OccupancyPercentage != nil {
				pcts[i] = strconv.Itoa(*c.OccupancyPercentage)
			}
		}
		u.Occupancy = pipeJoin(statuses)
		u.OccupancyPct = pipeJoin(pcts)
	} else {
		if r.Attributes.Label != "" {
			u.Consist = []string{r.Attributes.Label}
		}
		if r.Attributes.OccupancyStatus != nil {
			u.Occupancy = *r.Attributes.OccupancyStatus
		}
	}
	return u, nil
}

// pipeJoin joins per-car values with "|", or returns "" when every
// value is empty so unreported fields stay blank in the output.
func pipeJoin(parts []string) string {
	for _, p := range parts {
		if p != "" {
			return strings.Join(parts, "|")
		}
	}
	return ""
}
