package monitor

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"gobble.transitmatters.org/internal/feed"
	"gobble.transitmatters.org/internal/metrics"
)

func TestInstrumentCountsUpdates(t *testing.T) {
	m := metrics.New()
	calls := 0
	h := Instrument(func(feed.VehicleUpdate) error {
		calls++
		return nil
	}, "rapid", m, testLogger())

	h(feed.VehicleUpdate{TripID: "t1"})
	h(feed.VehicleUpdate{TripID: "t2"})

	assert.Equal(t, 2, calls)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.UpdatesTotal.WithLabelValues("rapid")))
}

func TestInstrumentSwallowsErrors(t *testing.T) {
	h := Instrument(func(feed.VehicleUpdate) error {
		return errors.New("bad update")
	}, "rapid", metrics.New(), testLogger())

	assert.NotPanics(t, func() {
		h(feed.VehicleUpdate{TripID: "t1"})
	})
}

func TestInstrumentRecoversPanics(t *testing.T) {
	h := Instrument(func(feed.VehicleUpdate) error {
		panic("boom")
	}, "rapid", metrics.New(), testLogger())

	assert.NotPanics(t, func() {
		h(feed.VehicleUpdate{TripID: "t1"})
	})
}

func TestInstrumentNilMetrics(t *testing.T) {
	called := false
	h := Instrument(func(feed.VehicleUpdate) error {
		called = true
		return nil
	}, "rapid", nil, testLogger())

	assert.NotPanics(t, func() {
		h(feed.VehicleUpdate{})
	})
	assert.True(t, called)
}
