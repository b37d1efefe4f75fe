package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in process. Nothing survives a restart.
type MemoryStore struct {
	mu     sync.Mutex
	raw    []byte
	saves  int
	alerts []AlertRecord
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns a deep copy of the last saved snapshot.
func (m *MemoryStore) Load(_ context.Context) (Snapshot, error) {
	m.mu.Lock()
	raw := m.raw
	m.mu.Unlock()
	return DecodeSnapshot(raw)
}

// Save stores an encoded copy so later caller mutations are not observed.
func (m *MemoryStore) Save(_ context.Context, snap Snapshot) error {
	raw, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.raw = raw
	m.saves++
	m.mu.Unlock()
	return nil
}

// Saves reports how many snapshots were written.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *MemoryStore) InsertAlert(_ context.Context, alert AlertRecord) error {
	m.mu.Lock()
	m.alerts = append(m.alerts, alert)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ListAlertsBetween(_ context.Context, symbol string, from, to time.Time, limit int) ([]AlertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]AlertRecord, 0)
	for _, rec := range m.alerts {
		if rec.ObservedAt.Before(from) || !rec.ObservedAt.Before(to) {
			continue
		}
		if symbol != "" && rec.Symbol != symbol {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ObservedAt.Before(out[j].ObservedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListRecentAlerts(_ context.Context, limit int) ([]AlertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]AlertRecord, len(m.alerts))
	copy(out, m.alerts)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ObservedAt.After(out[j].ObservedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteAlertsBefore(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.alerts[:0]
	var removed int64
	for _, rec := range m.alerts {
		if rec.CreatedAt.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	m.alerts = kept
	return removed, nil
}

var (
	_ StateStore = (*MemoryStore)(nil)
	_ AlertStore = (*MemoryStore)(nil)
)
