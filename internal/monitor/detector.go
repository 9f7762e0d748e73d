package monitor

import (
	"gobble.transitmatters.org/internal/feed"
)

// statusEventType maps a vehicle status to the event type it implies:
// a stopped vehicle has arrived, a moving one has departed.
func statusEventType(s feed.Status) EventType {
	if s == feed.StatusStoppedAt {
		return EventArr
	}
	return EventDep
}

// Decide compares one update against the trip's previous state and
// returns the successor state plus the event the transition produced,
// if any.
//
// A departure is recognized when the stop sequence strictly advances
// while the vehicle reports being on the move; the event names the stop
// it left (the previous stop) under the new sequence number. An arrival
// is recognized when the vehicle reports STOPPED_AT and its last
// recorded movement was a departure, so repeated stop reports and
// stop reports with no known prior movement stay silent.
//
// A sequence regression means the feed restarted the trip; the state is
// reseeded from the incoming update without emitting.
func Decide(prev TripState, hasPrev bool, u feed.VehicleUpdate) (TripState, *Event) {
	next := TripState{
		StopID:       u.StopID,
		StopSequence: u.StopSequence,
		Status:       u.Status,
		EventType:    statusEventType(u.Status),
		UpdatedAt:    u.UpdatedAt,
	}

	if !hasPrev || u.StopSequence < prev.StopSequence {
		// First sighting, or a fresh trip instance after a feed reset.
		// No recorded movement yet, so the next STOPPED_AT alone must
		// not count as an arrival.
		next.EventType = EventNone
		return next, nil
	}

	advanced := u.StopSequence > prev.StopSequence
	moving := u.Status == feed.StatusInTransitTo || u.Status == feed.StatusIncomingAt

	if advanced && moving {
		return next, eventFromUpdate(u, EventDep, prev.StopID)
	}
	if u.Status == feed.StatusStoppedAt && prev.EventType == EventDep {
		return next, eventFromUpdate(u, EventArr, u.StopID)
	}
	if u.Status == feed.StatusStoppedAt && prev.EventType == EventNone {
		// The trip has no recorded movement yet; keep it that way so a
		// stopped vehicle sitting in the feed never fabricates arrivals.
		next.EventType = EventNone
	}
	return next, nil
}

// eventFromUpdate builds the event for a transition. stopID differs from
// the update's stop for departures, which name the stop left behind.
func eventFromUpdate(u feed.VehicleUpdate, t EventType, stopID string) *Event {
	return &Event{
		RouteID:         u.RouteID,
		TripID:          u.TripID,
		DirectionID:     u.DirectionID,
		StopID:          stopID,
		StopSequence:    u.StopSequence,
		VehicleID:       u.VehicleID,
		VehicleLabel:    u.Label,
		Type:            t,
		Time:            u.UpdatedAt,
		Consist:         u.Consist,
		OccupancyStatus: u.Occupancy,
		OccupancyPct:    u.OccupancyPct,
	}
}
