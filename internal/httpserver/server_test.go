package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funding-grid-alerts/internal/metrics"
	"funding-grid-alerts/internal/storage"
)

type stubStatus struct {
	ready bool
	meta  storage.ScanMeta
}

func (s stubStatus) Meta() storage.ScanMeta { return s.meta }
func (s stubStatus) Tracked() int           { return 4 }
func (s stubStatus) Ready() bool            { return s.ready }

func serve(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRoutes(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	status := stubStatus{meta: storage.ScanMeta{LastScanAt: &at, LastAlertCount: 2, LastTrigger: "scheduled"}}
	m := metrics.New()
	h := New(":0", status, m.Handler(), zerolog.Nop()).Router()

	for _, path := range []string{"/", "/healthz"} {
		rec := serve(t, h, path)
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	}

	assert.Equal(t, http.StatusServiceUnavailable, serve(t, h, "/readyz").Code)

	rec := serve(t, h, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(2), body["last_alert_count"])
	assert.Equal(t, float64(4), body["tracked_symbols"])
	assert.Equal(t, "scheduled", body["last_trigger"])

	rec = serve(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fundingwatcher_tracked_symbols")

	ready := New(":0", stubStatus{ready: true}, nil, zerolog.Nop()).Router()
	assert.Equal(t, http.StatusOK, serve(t, ready, "/readyz").Code)
	assert.Equal(t, http.StatusNotFound, serve(t, ready, "/metrics").Code)
}
