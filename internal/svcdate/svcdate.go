// Package svcdate implements transit service-date arithmetic. A service
// date is the calendar day a trip belongs to, which differs from the
// wall-clock day for late-night service: times before 3 AM count toward
// the previous day's service.
package svcdate

import (
	"fmt"
	"time"
)

// CutoverHour is the local hour at which a new service date begins.
// Updates between midnight and 02:59 belong to the previous day.
const CutoverHour = 3

// Date is a service date, independent of time zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// FromTime returns the service date for t. The caller is responsible for
// converting t to the agency's local time zone first.
func FromTime(t time.Time) Date {
	if t.Hour() < CutoverHour {
		t = t.AddDate(0, 0, -1)
	}
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

// Parse parses a YYYY-MM-DD service date string.
func Parse(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid service date %q: %w", s, err)
	}
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

// String formats the date as YYYY-MM-DD.
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// IsZero reports whether d is the zero value.
func (d Date) IsZero() bool {
	return d == Date{}
}

// Midnight returns 00:00:00 of the service date in loc. Event times are
// measured against this instant, so post-midnight events naturally land
// beyond 24 hours.
func (d Date) Midnight(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// AddDays returns the date n calendar days after d.
func (d Date) AddDays(n int) Date {
	t := d.Midnight(time.UTC).AddDate(0, 0, n)
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

// Before reports whether d is earlier than other.
func (d Date) Before(other Date) bool {
	if d.Year != other.Year {
		return d.Year < other.Year
	}
	if d.Month != other.Month {
		return d.Month < other.Month
	}
	return d.Day < other.Day
}

// SecondsSinceMidnight returns the offset of t from the service date's
// local midnight, in whole seconds. For a 1 AM event on the previous
// service date this exceeds 86400.
func (d Date) SecondsSinceMidnight(t time.Time, loc *time.Location) int {
	return int(t.In(loc).Sub(d.Midnight(loc)) / time.Second)
}

// Weekday returns the day of week of the service date.
func (d Date) Weekday() time.Weekday {
	return d.Midnight(time.UTC).Weekday()
}
