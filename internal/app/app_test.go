package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funding-grid-alerts/internal/config"
	"funding-grid-alerts/internal/engine"
	"funding-grid-alerts/internal/fetcher"
	"funding-grid-alerts/internal/storage"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newTestApp() (*App, *bytes.Buffer) {
	cfg := &config.Config{
		Grid: config.GridConfig{
			ThresholdPct:    -1.0,
			DownStepPct:     0.25,
			ReboundStartPct: -2.0,
			ReboundStepPct:  0.25,
			ResetAfter:      30 * time.Minute,
			Precision:       2,
		},
		Scheduler: config.SchedulerConfig{Interval: time.Minute},
		Export:    config.ExportConfig{MaxDataPoints: 100},
	}
	out := &bytes.Buffer{}
	a := NewApp(cfg, zerolog.Nop())
	a.Out = out
	return a, out
}

func alertLevels(steps []Step) []float64 {
	var levels []float64
	for _, s := range steps {
		if s.Alert != nil {
			levels = append(levels, s.Alert.Level)
		}
	}
	return levels
}

func TestSimulateKeepsStateInsideResetWindow(t *testing.T) {
	a, out := newTestApp()
	steps, err := a.Simulate(context.Background(), SimulateOptions{
		Symbol: "btcusdt",
		Rates:  []float64{-1.10, -1.30, -0.50, -1.30},
	})
	require.NoError(t, err)
	require.Len(t, steps, 4)

	assert.Equal(t, []float64{-1.00, -1.25}, alertLevels(steps))
	assert.False(t, steps[2].Reset)
	require.NotNil(t, steps[3].State)
	assert.Equal(t, -1.25, *steps[3].State.LastSentLevel)
	assert.Equal(t, "BTCUSDT", steps[0].Sample.Symbol)
	assert.Contains(t, out.String(), "Rate%")
	assert.Contains(t, out.String(), "-1.25")
}

func TestSimulateResetsAfterWindow(t *testing.T) {
	a, _ := newTestApp()
	steps, err := a.Simulate(context.Background(), SimulateOptions{
		Rates: []float64{-1.10, -0.50, -1.10},
		Step:  time.Hour,
	})
	require.NoError(t, err)

	assert.True(t, steps[1].Reset)
	assert.Nil(t, steps[1].State)
	assert.Equal(t, []float64{-1.00, -1.00}, alertLevels(steps))
}

func TestSimulateRequiresRates(t *testing.T) {
	a, _ := newTestApp()
	_, err := a.Simulate(context.Background(), SimulateOptions{})
	require.Error(t, err)
}

func TestSimulateNotifyWithoutTelegram(t *testing.T) {
	a, _ := newTestApp()
	_, err := a.Simulate(context.Background(), SimulateOptions{Rates: []float64{-1.2}, Notify: true})
	require.Error(t, err)
}

func telegramServer(t *testing.T, failing map[string]bool) (*httptest.Server, func() []string) {
	t.Helper()
	var (
		mu   sync.Mutex
		sent []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottest-token/sendMessage", r.URL.Path)
		var req struct {
			ChatID string `json:"chat_id"`
			Text   string `json:"text"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		sent = append(sent, req.ChatID)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if failing[req.ChatID] {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1}}`))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), sent...)
	}
}

func enableTelegram(a *App, apiBase string, chats ...string) {
	a.Config.Telegram = config.TelegramConfig{
		Enabled:        true,
		BotToken:       "test-token",
		ChatIDs:        chats,
		APIBase:        apiBase,
		RequestTimeout: 2 * time.Second,
	}
}

func TestSimulateNotifyDeliversAlerts(t *testing.T) {
	a, _ := newTestApp()
	srv, sent := telegramServer(t, nil)
	enableTelegram(a, srv.URL, "1", "2")

	steps, err := a.Simulate(context.Background(), SimulateOptions{Rates: []float64{-1.2}, Notify: true})
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.ElementsMatch(t, []string{"1", "2"}, sent())
}

func TestSimulateNotifyReportsFailedChats(t *testing.T) {
	a, _ := newTestApp()
	srv, sent := telegramServer(t, map[string]bool{"2": true})
	enableTelegram(a, srv.URL, "1", "2")

	steps, err := a.Simulate(context.Background(), SimulateOptions{Rates: []float64{-1.2}, Notify: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delivery failed for 1 of 2 chats")
	require.Len(t, steps, 1, "steps are returned alongside the delivery error")
	assert.ElementsMatch(t, []string{"1", "2"}, sent())
}

func TestScanFailsWhileLockHeld(t *testing.T) {
	a, out := newTestApp()
	path := filepath.Join(t.TempDir(), "state.json")
	a.Config.Store = config.StoreConfig{Driver: "file", Path: path}
	a.Config.Scheduler.AdvisoryLockKey = 7

	unlock, acquired, err := storage.NewFileStore(path).TryAdvisoryLock(context.Background(), 7)
	require.NoError(t, err)
	require.True(t, acquired)
	defer unlock()

	err = a.Scan(context.Background())
	require.ErrorIs(t, err, errScanBusy)
	assert.Empty(t, out.String())
}

type fakeHistory struct {
	points []fetcher.FundingPoint
	symbol string
}

func (f *fakeHistory) FetchHistory(_ context.Context, symbol string, _, _ time.Time) ([]fetcher.FundingPoint, error) {
	f.symbol = symbol
	return f.points, nil
}

func TestReplayRecordsAlerts(t *testing.T) {
	a, _ := newTestApp()
	hist := &fakeHistory{points: []fetcher.FundingPoint{
		{Symbol: "ETHUSDT", RatePct: -0.40, Time: t0},
		{Symbol: "ETHUSDT", RatePct: -1.05, Time: t0.Add(8 * time.Hour)},
		{Symbol: "ETHUSDT", RatePct: -1.55, Time: t0.Add(16 * time.Hour)},
		{Symbol: "ETHUSDT", RatePct: -1.52, Time: t0.Add(24 * time.Hour)},
	}}
	store := storage.NewMemoryStore()

	steps, err := a.replay(context.Background(), hist, store, ReplayOptions{
		Symbol: "ethusdt",
		From:   t0,
		To:     t0.Add(48 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", hist.symbol)
	assert.Equal(t, []float64{-1.00, -1.50}, alertLevels(steps))

	records, err := store.ListRecentAlerts(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, triggerReplay, records[0].Trigger)
	assert.Equal(t, string(engine.DirectionWorse), records[0].Direction)
	assert.Equal(t, t0.Add(16*time.Hour), records[0].ObservedAt)
}

func TestReplayRejectsEmptyRange(t *testing.T) {
	a, _ := newTestApp()
	_, err := a.replay(context.Background(), &fakeHistory{}, nil, ReplayOptions{Symbol: "X", From: t0, To: t0})
	require.Error(t, err)
}

func seedAlerts(t *testing.T, store *storage.MemoryStore) {
	t.Helper()
	e := engine.New(config.GridConfig{ThresholdPct: -1, DownStepPct: 0.25, ReboundStartPct: -2, ReboundStepPct: 0.25, Precision: 2}.Levels())
	var st *engine.SymbolState
	for i, rate := range []float64{-1.1, -1.3, -2.1, -1.7} {
		alert, next := e.Evaluate(st, engine.Sample{Symbol: "SOLUSDT", RatePct: rate, ObservedAt: t0.Add(time.Duration(i) * time.Hour)})
		st = next
		require.NotNil(t, alert)
		require.NoError(t, store.InsertAlert(context.Background(), storage.NewAlertRecord(*alert, "scheduled", t0)))
	}
}

func TestExportWritesCSVAndPNG(t *testing.T) {
	a, _ := newTestApp()
	store := storage.NewMemoryStore()
	seedAlerts(t, store)

	dir := t.TempDir()
	from, to := t0.Add(-time.Hour), t0.Add(24*time.Hour)
	opts := ExportOptions{
		From:    &from,
		To:      &to,
		CSVPath: filepath.Join(dir, "out", "alerts.csv"),
		PNGPath: filepath.Join(dir, "out", "alerts.png"),
	}
	require.NoError(t, a.export(context.Background(), store, opts))

	f, err := os.Open(opts.CSVPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, "observed_at", rows[0][1])
	assert.Equal(t, "SOLUSDT", rows[1][2])
	assert.Equal(t, "-1.10", rows[1][4])
	assert.Equal(t, "-1.00", rows[1][5])
	assert.Equal(t, "rebound", rows[4][3])

	info, err := os.Stat(opts.PNGPath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestExportRequiresOutput(t *testing.T) {
	a, _ := newTestApp()
	require.Error(t, a.export(context.Background(), storage.NewMemoryStore(), ExportOptions{}))
}

func TestDownsample(t *testing.T) {
	items := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	assert.Equal(t, items, downsample(items, 0))
	assert.Equal(t, []int{0, 5, 9}, downsample(items, 3))
	assert.Equal(t, []int{9}, downsample(items, 1))
}

func TestShowStates(t *testing.T) {
	a, out := newTestApp()
	store := storage.NewMemoryStore()
	level, minSeen := -1.25, -1.3
	snap := storage.EmptySnapshot()
	snap.States["ETHUSDT"] = &engine.SymbolState{LastSentLevel: &level, MinSeen: &minSeen, Mode: engine.ModeWorsening, LastBelowAt: t0}
	snap.States["BTCUSDT"] = &engine.SymbolState{MinSeen: &minSeen, LastBelowAt: t0}
	require.NoError(t, store.Save(context.Background(), snap))

	require.NoError(t, a.showStates(context.Background(), store, 1))
	assert.Contains(t, out.String(), "BTCUSDT")
	assert.NotContains(t, out.String(), "ETHUSDT")

	out.Reset()
	require.NoError(t, a.showStates(context.Background(), store, 0))
	assert.Contains(t, out.String(), "worsening")
	assert.Contains(t, out.String(), "-1.25")
}

func TestShowAlerts(t *testing.T) {
	a, out := newTestApp()
	store := storage.NewMemoryStore()
	seedAlerts(t, store)

	require.NoError(t, a.showAlerts(context.Background(), store, 2))
	assert.Contains(t, out.String(), "rebound")
	assert.NotContains(t, out.String(), "-1.10")
}
