// Package monitor turns streams of vehicle-position updates into
// arrival and departure events. It tracks one state record per trip,
// compares each new observation against it, and persists the state so
// restarts do not re-emit or lose events.
package monitor

import (
	"encoding/json"
	"fmt"
	"time"

	"gobble.transitmatters.org/internal/svcdate"
)

// EventType classifies a detected event. EventNone is only ever stored
// in trip state, for trips seen but not yet credited with an event.
type EventType int

const (
	EventNone EventType = iota
	EventArr
	EventDep
)

func (e EventType) String() string {
	switch e {
	case EventArr:
		return "ARR"
	case EventDep:
		return "DEP"
	default:
		return ""
	}
}

func (e EventType) MarshalJSON() ([]byte, error) {
	return []byte(`"` + e.String() + `"`), nil
}

func (e *EventType) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	switch name {
	case "":
		*e = EventNone
	case "ARR":
		*e = EventArr
	case "DEP":
		*e = EventDep
	default:
		return fmt.Errorf("unknown event type %q", name)
	}
	return nil
}

// Event is one detected arrival or departure, carrying everything the
// output row needs.
type Event struct {
	ServiceDate  svcdate.Date
	RouteID      string
	TripID       string
	DirectionID  int
	StopID       string
	StopSequence int
	VehicleID    string
	VehicleLabel string
	Type         EventType
	Time         time.Time

	// Consist is the ordered car labels; occupancy fields are
	// pipe-joined per car, aligned with it.
	Consist         []string
	OccupancyStatus string
	OccupancyPct    string

	// Schedule context; nil when the schedule had no answer.
	ScheduledHeadwaySecs *int
	ScheduledTravelSecs  *int
}
