package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	m := New()
	m.ObserveScan("scheduled", "ok", 150*time.Millisecond, 4, time.Unix(1700000000, 0))
	m.AddAlert("worse")
	m.AddAlert("worse")
	m.AddFetchErrors(3)
	m.AddDeliveryFailures(1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.scans.WithLabelValues("scheduled", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.alerts.WithLabelValues("worse")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.fetchErrors))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.trackedSymbols))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "fundingwatcher_delivery_failures_total 1")
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveScan("manual", "error", time.Second, 0, time.Now())
	m.AddAlert("rebound")
	m.AddFetchErrors(1)
	m.AddDeliveryFailures(1)
}
