// Package publisher mirrors detected events to NATS for live consumers.
// Publishing is best effort: the CSV files are the record of truth, so a
// NATS outage never blocks or fails event processing.
package publisher

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"gobble.transitmatters.org/internal/metrics"
	"gobble.transitmatters.org/internal/monitor"
	"gobble.transitmatters.org/internal/routes"
)

// NATSPublisher implements monitor.Sink over a NATS connection. Events
// go to subjects of the form events.<mode>.<route>.
type NATSPublisher struct {
	nc      *nats.Conn
	mode    routes.Mode
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewNATSPublisher(url string, mode routes.Mode, m *metrics.Metrics, logger *slog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("gobble"),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSConnected.Set(0)
			}
			logger.Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSConnected.Set(1)
			}
			logger.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSConnected.Set(0)
			}
			logger.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	if m != nil {
		m.NATSConnected.Set(1)
	}
	return &NATSPublisher{nc: nc, mode: mode, metrics: m, logger: logger}, nil
}

// Close drains in-flight messages before closing the connection.
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.logger.Warn("nats drain failed", "error", err)
		}
		p.nc.Close()
	}
}

// eventMessage is the wire shape of a published event.
type eventMessage struct {
	ServiceDate          string    `json:"serviceDate"`
	RouteID              string    `json:"routeId"`
	TripID               string    `json:"tripId"`
	DirectionID          int       `json:"directionId"`
	StopID               string    `json:"stopId"`
	StopSequence         int       `json:"stopSequence"`
	VehicleID            string    `json:"vehicleId"`
	VehicleLabel         string    `json:"vehicleLabel,omitempty"`
	EventType            string    `json:"eventType"`
	EventTime            time.Time `json:"eventTime"`
	ScheduledHeadwaySecs *int      `json:"scheduledHeadwaySecs,omitempty"`
	ScheduledTravelSecs  *int      `json:"scheduledTravelSecs,omitempty"`
}

// Write publishes one event. It satisfies monitor.Sink.
func (p *NATSPublisher) Write(ev monitor.Event) error {
	subject := fmt.Sprintf("events.%s.%s", subjectToken(string(p.mode)), subjectToken(ev.RouteID))

	msg := eventMessage{
		ServiceDate:          ev.ServiceDate.String(),
		RouteID:              ev.RouteID,
		TripID:               ev.TripID,
		DirectionID:          ev.DirectionID,
		StopID:               ev.StopID,
		StopSequence:         ev.StopSequence,
		VehicleID:            ev.VehicleID,
		VehicleLabel:         ev.VehicleLabel,
		EventType:            ev.Type.String(),
		EventTime:            ev.Time,
		ScheduledHeadwaySecs: ev.ScheduledHeadwaySecs,
		ScheduledTravelSecs:  ev.ScheduledTravelSecs,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := p.nc.Publish(subject, b); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.NATSPublished.Inc()
	}
	return nil
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
