package engine

import (
	"fmt"
	"time"
)

// Mode is the inferred direction of recent movement for a symbol.
type Mode int

const (
	ModeUnset Mode = iota
	ModeWorsening
	ModeRecovering
)

func (m Mode) String() string {
	switch m {
	case ModeWorsening:
		return "worsening"
	case ModeRecovering:
		return "recovering"
	default:
		return "unset"
	}
}

// MarshalText keeps persisted snapshots readable.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText parses the persisted representation.
func (m *Mode) UnmarshalText(text []byte) error {
	switch string(text) {
	case "", "unset":
		*m = ModeUnset
	case "worsening":
		*m = ModeWorsening
	case "recovering":
		*m = ModeRecovering
	default:
		return fmt.Errorf("unknown mode %q", string(text))
	}
	return nil
}

// Direction tags which grid produced an alert.
type Direction string

const (
	DirectionWorse   Direction = "worse"
	DirectionRebound Direction = "rebound"
)

// Sample is one observation of a symbol's funding rate in percent units.
type Sample struct {
	Symbol      string
	RatePct     float64
	ObservedAt  time.Time
	NextEventAt *time.Time
}

// SymbolState is the alerting memory for one symbol.
type SymbolState struct {
	LastSentLevel  *float64  `json:"last_sent_level,omitempty"`
	MinSeen        *float64  `json:"min_seen,omitempty"`
	TouchedRebound bool      `json:"touched_rebound"`
	Mode           Mode      `json:"mode"`
	LastBelowAt    time.Time `json:"last_below_at"`
}

// Clone returns a deep copy so callers never share pointer fields.
func (s *SymbolState) Clone() *SymbolState {
	if s == nil {
		return nil
	}
	out := *s
	if s.LastSentLevel != nil {
		v := *s.LastSentLevel
		out.LastSentLevel = &v
	}
	if s.MinSeen != nil {
		v := *s.MinSeen
		out.MinSeen = &v
	}
	return &out
}

// Alert is a single emitted grid crossing.
type Alert struct {
	Symbol      string
	RatePct     float64
	Level       float64
	Direction   Direction
	ObservedAt  time.Time
	NextEventAt *time.Time
	Text        string
}

func floatPtr(v float64) *float64 {
	return &v
}

// Expired reports whether a non-qualifying state has outlived the reset window.
func (s *SymbolState) Expired(now time.Time, resetAfter time.Duration) bool {
	return now.Sub(s.LastBelowAt) > resetAfter
}
