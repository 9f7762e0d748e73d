package schedule

import (
	"sort"
	"time"

	"github.com/OneBusAway/go-gtfs"

	"gobble.transitmatters.org/internal/svcdate"
)

// matchWindow bounds how far a scheduled visit may be from an observed
// event and still count as its schedule match.
const matchWindow = 3 * 3600

type visitKey struct {
	route     string
	direction int
	stop      string
}

// Visit is one scheduled stop visit at a (route, direction, stop).
type Visit struct {
	TripID      string
	ArrivalSecs int
	// HeadwaySecs is the gap from the previous scheduled arrival at the
	// same key; nil for the first visit of the service date.
	HeadwaySecs *int
}

// Index holds all scheduled visits for one service date, queryable by
// route, direction, and stop. It is immutable once built.
type Index struct {
	date          svcdate.Date
	visits        map[visitKey][]Visit
	tripFirstStop map[string]int
	tripDirection map[string]int
}

// Date returns the service date the index was built for.
func (ix *Index) Date() svcdate.Date {
	return ix.date
}

// BuildIndex selects the trips active on date and arranges their stop
// times for nearest-visit queries.
func BuildIndex(static *gtfs.Static, date svcdate.Date) *Index {
	ix := &Index{
		date:          date,
		visits:        make(map[visitKey][]Visit),
		tripFirstStop: make(map[string]int),
		tripDirection: make(map[string]int),
	}

	for i := range static.Trips {
		trip := &static.Trips[i]
		if trip.Route == nil || trip.Service == nil || len(trip.StopTimes) == 0 {
			continue
		}
		if !serviceActive(trip.Service, date) {
			continue
		}

		direction := int(trip.DirectionId)
		ix.tripDirection[trip.ID] = direction

		first := secs(trip.StopTimes[0].ArrivalTime)
		for _, st := range trip.StopTimes {
			if s := secs(st.ArrivalTime); s < first {
				first = s
			}
		}
		ix.tripFirstStop[trip.ID] = first

		for _, st := range trip.StopTimes {
			if st.Stop == nil {
				continue
			}
			key := visitKey{route: trip.Route.Id, direction: direction, stop: st.Stop.Id}
			ix.visits[key] = append(ix.visits[key], Visit{
				TripID:      trip.ID,
				ArrivalSecs: secs(st.ArrivalTime),
			})
		}
	}

	for key, vs := range ix.visits {
		sort.Slice(vs, func(i, j int) bool { return vs[i].ArrivalSecs < vs[j].ArrivalSecs })
		for i := 1; i < len(vs); i++ {
			gap := vs[i].ArrivalSecs - vs[i-1].ArrivalSecs
			vs[i].HeadwaySecs = &gap
		}
		ix.visits[key] = vs
	}

	return ix
}

func secs(d time.Duration) int {
	return int(d / time.Second)
}

// serviceActive reports whether a GTFS service runs on date, taking
// calendar_dates exceptions into account.
func serviceActive(svc *gtfs.Service, date svcdate.Date) bool {
	day := date.Midnight(time.UTC)
	for _, removed := range svc.RemovedDates {
		if sameDay(removed, day) {
			return false
		}
	}
	for _, added := range svc.AddedDates {
		if sameDay(added, day) {
			return true
		}
	}
	if day.Before(svc.StartDate) || day.After(svc.EndDate) {
		return false
	}
	switch date.Weekday() {
	case time.Monday:
		return svc.Monday
	case time.Tuesday:
		return svc.Tuesday
	case time.Wednesday:
		return svc.Wednesday
	case time.Thursday:
		return svc.Thursday
	case time.Friday:
		return svc.Friday
	case time.Saturday:
		return svc.Saturday
	default:
		return svc.Sunday
	}
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

// NearestVisit finds the scheduled visit matching an observed event at
// eventSecs: the latest visit at or before the event, or failing that
// the earliest one after it. Matches beyond the window are rejected.
func (ix *Index) NearestVisit(route string, direction int, stop string, eventSecs int) (Visit, bool) {
	vs := ix.visits[visitKey{route: route, direction: direction, stop: stop}]
	if len(vs) == 0 {
		return Visit{}, false
	}

	// First visit strictly after the event
	i := sort.Search(len(vs), func(i int) bool { return vs[i].ArrivalSecs > eventSecs })

	if i > 0 && eventSecs-vs[i-1].ArrivalSecs <= matchWindow {
		return vs[i-1], true
	}
	if i < len(vs) && vs[i].ArrivalSecs-eventSecs <= matchWindow {
		return vs[i], true
	}
	return Visit{}, false
}

// TripFirstStopSecs returns the trip's earliest scheduled arrival, the
// origin time used for scheduled travel time.
func (ix *Index) TripFirstStopSecs(tripID string) (int, bool) {
	s, ok := ix.tripFirstStop[tripID]
	return s, ok
}

// TripDirection returns the direction of a scheduled trip.
func (ix *Index) TripDirection(tripID string) (int, bool) {
	d, ok := ix.tripDirection[tripID]
	return d, ok
}
