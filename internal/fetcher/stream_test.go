package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamSamplerCachesLatest(t *testing.T) {
	eventTime := time.Now().UTC().Truncate(time.Millisecond)
	frame := `[
		{"e":"markPriceUpdate","E":` + itoa(eventTime.UnixMilli()) + `,"s":"BTCUSDT","p":"65000.1","r":"-0.00500000","T":` + itoa(eventTime.Add(time.Hour).UnixMilli()) + `},
		{"e":"markPriceUpdate","E":` + itoa(eventTime.UnixMilli()) + `,"s":"ETHUSDC","p":"3000","r":"0.0001","T":0}
	]`

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	s := NewBinanceStream(StreamOptions{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		QuoteAsset: "USDT",
		StaleAfter: time.Minute,
	}, noopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		snap, err := s.FetchSnapshot(context.Background())
		return err == nil && len(snap.Samples) == 1
	}, 2*time.Second, 10*time.Millisecond)

	snap, err := s.FetchSnapshot(context.Background())
	require.NoError(t, err)
	sample := snap.Samples[0]
	assert.Equal(t, "BTCUSDT", sample.Symbol)
	assert.InDelta(t, -0.5, sample.RatePct, 1e-12)
	require.NotNil(t, sample.NextEventAt)
	assert.True(t, sample.NextEventAt.Equal(eventTime.Add(time.Hour)))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
}

func TestStreamSnapshotReportsStale(t *testing.T) {
	s := NewBinanceStream(StreamOptions{StaleAfter: time.Minute}, noopLogger())
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	require.NoError(t, s.ingest([]byte(`{"e":"markPriceUpdate","E":`+itoa(base.Add(-5*time.Minute).UnixMilli())+`,"s":"XRPUSDT","r":"-0.02"}`)))
	require.NoError(t, s.ingest([]byte(`[{"e":"markPriceUpdate","E":`+itoa(base.Add(-10*time.Second).UnixMilli())+`,"s":"ADAUSDT","r":"-0.015"}]`)))

	snap, err := s.FetchSnapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Samples, 1)
	assert.Equal(t, "ADAUSDT", snap.Samples[0].Symbol)
	assert.InDelta(t, -1.5, snap.Samples[0].RatePct, 1e-12)
	require.Len(t, snap.Errors, 1)
	assert.Equal(t, "XRPUSDT", snap.Errors[0].Symbol)
}

func TestStreamSnapshotEmpty(t *testing.T) {
	s := NewBinanceStream(StreamOptions{}, noopLogger())
	_, err := s.FetchSnapshot(context.Background())
	assert.ErrorIs(t, err, ErrNoSymbols)
}

func TestStreamSnapshotAllStaleIsAnError(t *testing.T) {
	s := NewBinanceStream(StreamOptions{StaleAfter: time.Minute}, noopLogger())
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base.Add(-10 * time.Minute) }
	require.NoError(t, s.ingest([]byte(`[{"e":"markPriceUpdate","s":"XRPUSDT","r":"-0.02"},{"e":"markPriceUpdate","s":"ADAUSDT","r":"-0.015"}]`)))

	s.now = func() time.Time { return base }
	s.setConnected(false, errors.New("read stream: connection reset"))

	snap, err := s.FetchSnapshot(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStreamStale)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Empty(t, snap.Samples)
	assert.Len(t, snap.Errors, 2)

	s.setConnected(true, nil)
	_, err = s.FetchSnapshot(context.Background())
	assert.ErrorIs(t, err, ErrStreamStale)
}

func TestStreamRetryDelay(t *testing.T) {
	s := NewBinanceStream(StreamOptions{MinBackoff: time.Second, MaxBackoff: 4 * time.Second}, noopLogger())

	delay := s.retryDelay(0, false)
	assert.Equal(t, time.Second, delay)
	delay = s.retryDelay(delay, false)
	assert.Equal(t, 1500*time.Millisecond, delay)
	delay = s.retryDelay(delay, false)
	delay = s.retryDelay(delay, false)
	delay = s.retryDelay(delay, false)
	assert.Equal(t, 4*time.Second, delay, "capped at MaxBackoff")

	assert.Equal(t, time.Second, s.retryDelay(delay, true), "an established connection restarts the backoff")
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
