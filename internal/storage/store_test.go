package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funding-grid-alerts/internal/engine"
)

func sampleSnapshot() Snapshot {
	last := -1.25
	minSeen := -1.3
	scanAt := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	errMsg := "binance api error (429)"
	snap := EmptySnapshot()
	snap.States["BTCUSDT"] = &engine.SymbolState{
		LastSentLevel:  &last,
		MinSeen:        &minSeen,
		TouchedRebound: false,
		Mode:           engine.ModeWorsening,
		LastBelowAt:    scanAt,
	}
	snap.States["ETHUSDT"] = &engine.SymbolState{
		MinSeen:     &minSeen,
		Mode:        engine.ModeUnset,
		LastBelowAt: scanAt.Add(-time.Minute),
	}
	snap.Meta = ScanMeta{
		LastScanAt:      &scanAt,
		LastAlertCount:  1,
		LastError:       &errMsg,
		LastTrigger:     "scheduled",
		LastEvaluated:   2,
		LastFetchErrors: 3,
	}
	snap.Subscribers = []string{"1001", "1002"}
	return snap
}

func assertStoreRoundTrip(t *testing.T, store StateStore) {
	t.Helper()
	ctx := context.Background()

	empty, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty.States)
	assert.Equal(t, SnapshotVersion, empty.Version)

	want := sampleSnapshot()
	require.NoError(t, store.Save(ctx, want))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	delete(want.States, "ETHUSDT")
	require.NoError(t, store.Save(ctx, want))
	got, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT"}, got.SortedSymbols())
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	assertStoreRoundTrip(t, NewFileStore(path))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFileStoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewFileStore(path).Load(context.Background())
	assert.ErrorIs(t, err, ErrCorruptSnapshot)
}

func TestBadgerStoreRoundTrip(t *testing.T) {
	store, err := OpenBadgerStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	assertStoreRoundTrip(t, store)
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	assertStoreRoundTrip(t, store)
	assert.Equal(t, 2, store.Saves())
}

func TestMemoryStoreIsolatesCallers(t *testing.T) {
	store := NewMemoryStore()
	snap := sampleSnapshot()
	require.NoError(t, store.Save(context.Background(), snap))

	*snap.States["BTCUSDT"].LastSentLevel = -9
	got, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, -1.25, *got.States["BTCUSDT"].LastSentLevel)
}

func TestDecodeSnapshot(t *testing.T) {
	snap, err := DecodeSnapshot(nil)
	require.NoError(t, err)
	assert.NotNil(t, snap.States)

	snap, err = DecodeSnapshot([]byte(`{"version":1,"states":{"XRPUSDT":null,"ADAUSDT":{"mode":"recovering","touched_rebound":true,"last_below_at":"2026-05-01T00:00:00Z"}}}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"ADAUSDT"}, snap.SortedSymbols())
	assert.Equal(t, engine.ModeRecovering, snap.States["ADAUSDT"].Mode)

	_, err = DecodeSnapshot([]byte(`{"version":99}`))
	assert.ErrorIs(t, err, ErrCorruptSnapshot)

	_, err = DecodeSnapshot([]byte(`{"states":{"X":{"mode":"sideways"}}}`))
	assert.ErrorIs(t, err, ErrCorruptSnapshot)
}

func TestMemoryAlertHistory(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for i, symbol := range []string{"BTCUSDT", "ETHUSDT", "BTCUSDT"} {
		rec := NewAlertRecord(engine.Alert{
			Symbol:     symbol,
			RatePct:    -1.3,
			Level:      -1.25,
			Direction:  engine.DirectionWorse,
			ObservedAt: base.Add(time.Duration(i) * time.Hour),
		}, "scheduled", base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, store.InsertAlert(ctx, rec))
	}

	btc, err := store.ListAlertsBetween(ctx, "BTCUSDT", base, base.Add(24*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, btc, 2)
	assert.True(t, btc[0].ObservedAt.Before(btc[1].ObservedAt))
	assert.Equal(t, "-1.25", btc[0].LevelPct.String())
	assert.NotEqual(t, btc[0].ID, btc[1].ID)

	recent, err := store.ListRecentAlerts(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, base.Add(2*time.Hour), recent[0].ObservedAt)

	removed, err := store.DeleteAlertsBefore(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
}
