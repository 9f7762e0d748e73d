// Package feed ingests vehicle-position updates from the MBTA V3
// streaming API and from generic GTFS-RT VehiclePositions feeds, and
// normalizes both into a single canonical update type.
package feed

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is a vehicle's relationship to its current stop. The three
// values mirror the GTFS-RT VehicleStopStatus enum; anything else in a
// feed is a normalization error, not a fourth state.
type Status int

const (
	StatusInTransitTo Status = iota
	StatusStoppedAt
	StatusIncomingAt
)

func (s Status) String() string {
	switch s {
	case StatusStoppedAt:
		return "STOPPED_AT"
	case StatusIncomingAt:
		return "INCOMING_AT"
	default:
		return "IN_TRANSIT_TO"
	}
}

// MarshalJSON encodes the status by name so persisted state stays
// readable and stable across enum reordering.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	parsed, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus converts a feed status string to a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "IN_TRANSIT_TO":
		return StatusInTransitTo, nil
	case "STOPPED_AT":
		return StatusStoppedAt, nil
	case "INCOMING_AT":
		return StatusIncomingAt, nil
	default:
		return 0, fmt.Errorf("unknown vehicle status %q", s)
	}
}

// VehicleUpdate is one observation of one vehicle, normalized from
// whichever feed produced it.
type VehicleUpdate struct {
	RouteID      string
	TripID       string
	StopID       string // empty when the feed omitted the stop
	StopSequence int
	Status       Status
	DirectionID  int
	VehicleID    string
	Label        string
	// Consist holds ordered car labels for multi-car vehicles, or the
	// vehicle label alone when the feed reports no carriages. Occupancy
	// and OccupancyPct are pipe-joined per car, positionally aligned
	// with Consist; single-valued feeds report one unjoined value.
	Consist      []string
	Occupancy    string
	OccupancyPct string
	UpdatedAt    time.Time
}

// ConsistString renders the consist for output, car labels joined by "|".
func (u VehicleUpdate) ConsistString() string {
	return strings.Join(u.Consist, "|")
}

// Handler consumes normalized updates. Sources call it sequentially;
// implementations own their own locking.
type Handler func(u VehicleUpdate)

// skippable reports whether an update can never produce an event and
// should be dropped before reaching the handler. Updates without a trip
// cannot be tracked at all.
func skippable(u VehicleUpdate) bool {
	return u.TripID == "" || u.RouteID == ""
}
