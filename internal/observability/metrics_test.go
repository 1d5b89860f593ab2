package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecisionCounter(t *testing.T) {
	m := NewMetrics()
	m.Decision("granted")
	m.Decision("granted")
	m.Decision("denied")
	m.Decision("error")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.decisionsTotal.WithLabelValues("granted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisionsTotal.WithLabelValues("denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisionsTotal.WithLabelValues("error")))
}

func TestCacheLookupCounter(t *testing.T) {
	m := NewMetrics()
	m.CacheLookup(true)
	m.CacheLookup(false)
	m.CacheLookup(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheTotal.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheTotal.WithLabelValues("miss")))
}

func TestSweepAndTransitionCounters(t *testing.T) {
	m := NewMetrics()
	m.SweepExpired(3)
	m.SweepExpired(0)
	m.Transition("active")
	m.Transition("expired")

	assert.Equal(t, 3.0, testutil.ToFloat64(m.sweepTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitionsTotal.WithLabelValues("active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitionsTotal.WithLabelValues("expired")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.Decision("granted")
	m.CacheLookup(true)
	m.SweepExpired(5)
	m.Transition("active")

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestMiddlewareRecordsRequests(t *testing.T) {
	m := NewMetrics()
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/anything", nil))
	require.Equal(t, http.StatusTeapot, rr.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("unknown", "418")))
}

func TestMetricsEndpointServes(t *testing.T) {
	m := NewMetrics()
	m.Decision("granted")

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "fleetgate_decisions_total")
}
