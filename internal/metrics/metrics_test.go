package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllMetrics(t *testing.T) {
	m := New()
	require.NotNil(t, m.Registry)

	m.UpdatesTotal.WithLabelValues("rapid").Inc()
	m.UpdatesDropped.WithLabelValues("rapid", "missing_stop").Inc()
	m.ReconnectsTotal.WithLabelValues("rapid").Inc()
	m.EventsTotal.WithLabelValues("rapid", "ARR").Add(3)
	m.ProcessDuration.WithLabelValues("rapid").Observe(0.002)
	m.TrackedTrips.WithLabelValues("rapid").Set(17)
	m.WriteErrorsTotal.Inc()
	m.NATSPublished.Inc()
	m.NATSConnected.Set(1)

	assert.Equal(t, float64(3), testutil.ToFloat64(m.EventsTotal.WithLabelValues("rapid", "ARR")))
	assert.Equal(t, float64(17), testutil.ToFloat64(m.TrackedTrips.WithLabelValues("rapid")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.NATSConnected))
}

func TestIndependentRegistries(t *testing.T) {
	a := New()
	b := New()

	a.WriteErrorsTotal.Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(a.WriteErrorsTotal))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.WriteErrorsTotal))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.UpdatesTotal.WithLabelValues("cr").Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "gobble_updates_total")
}
