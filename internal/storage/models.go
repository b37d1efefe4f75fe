package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"funding-grid-alerts/internal/engine"
)

// SnapshotVersion is the current persisted layout.
const SnapshotVersion = 1

// ErrCorruptSnapshot marks a persisted blob that could not be decoded.
var ErrCorruptSnapshot = errors.New("storage: corrupt snapshot")

// ScanMeta summarises the most recent scan.
type ScanMeta struct {
	LastScanAt      *time.Time `json:"last_scan_at,omitempty"`
	LastAlertCount  int        `json:"last_alert_count"`
	LastError       *string    `json:"last_error,omitempty"`
	LastTrigger     string     `json:"last_trigger,omitempty"`
	LastEvaluated   int        `json:"last_evaluated"`
	LastEvicted     int        `json:"last_evicted"`
	LastFetchErrors int        `json:"last_fetch_errors"`
}

// Snapshot is the whole persisted alerting memory.
type Snapshot struct {
	Version     int                            `json:"version"`
	States      map[string]*engine.SymbolState `json:"states"`
	Meta        ScanMeta                       `json:"meta"`
	Subscribers []string                       `json:"subscribers,omitempty"`
}

// EmptySnapshot returns a snapshot with no tracked symbols.
func EmptySnapshot() Snapshot {
	return Snapshot{
		Version: SnapshotVersion,
		States:  make(map[string]*engine.SymbolState),
	}
}

// SortedSymbols lists tracked symbols in order.
func (s Snapshot) SortedSymbols() []string {
	out := make([]string, 0, len(s.States))
	for symbol := range s.States {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// EncodeSnapshot serialises a snapshot as JSON.
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	if s.Version == 0 {
		s.Version = SnapshotVersion
	}
	if s.States == nil {
		s.States = make(map[string]*engine.SymbolState)
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return raw, nil
}

// DecodeSnapshot parses a persisted blob. Empty input yields an empty snapshot.
func DecodeSnapshot(raw []byte) (Snapshot, error) {
	if len(raw) == 0 {
		return EmptySnapshot(), nil
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if s.Version > SnapshotVersion {
		return Snapshot{}, fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, s.Version)
	}
	s.Version = SnapshotVersion
	if s.States == nil {
		s.States = make(map[string]*engine.SymbolState)
	}
	for symbol, st := range s.States {
		if st == nil {
			delete(s.States, symbol)
		}
	}
	return s, nil
}

// AlertRecord captures an emitted alert for auditing and export.
type AlertRecord struct {
	ID         uuid.UUID
	Symbol     string
	RatePct    decimal.Decimal
	LevelPct   decimal.Decimal
	Direction  string
	Trigger    string
	ObservedAt time.Time
	CreatedAt  time.Time
}

// NewAlertRecord converts an engine alert into a history row.
func NewAlertRecord(a engine.Alert, trigger string, now time.Time) AlertRecord {
	return AlertRecord{
		ID:         uuid.New(),
		Symbol:     a.Symbol,
		RatePct:    decimal.NewFromFloat(a.RatePct),
		LevelPct:   decimal.NewFromFloat(a.Level),
		Direction:  string(a.Direction),
		Trigger:    trigger,
		ObservedAt: a.ObservedAt.UTC(),
		CreatedAt:  now.UTC(),
	}
}
