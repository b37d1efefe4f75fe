package engine

import (
	"funding-grid-alerts/internal/grid"
)

// Engine evaluates samples against the worse and rebound grids.
// It holds no per-symbol memory; callers own the state map.
type Engine struct {
	grid grid.Config
}

// New constructs an engine for the given grid.
func New(cfg grid.Config) *Engine {
	return &Engine{grid: cfg}
}

// Grid exposes the grid configuration.
func (e *Engine) Grid() grid.Config {
	return e.grid
}

// Evaluate consumes one sample and returns the alert to emit (if any) and the
// state to commit. prev is never modified. A sample above the threshold
// returns prev unchanged; eviction is the caller's concern.
func (e *Engine) Evaluate(prev *SymbolState, sample Sample) (*Alert, *SymbolState) {
	rate := sample.RatePct
	if !e.grid.InAlertTerritory(rate) {
		return nil, prev
	}

	st := prev.Clone()
	if st == nil {
		st = &SymbolState{MinSeen: floatPtr(rate), Mode: ModeUnset}
	}

	if st.MinSeen == nil || rate < *st.MinSeen {
		st.MinSeen = floatPtr(rate)
	}
	minSeen := *st.MinSeen

	if rate <= e.grid.ReboundStartPct || minSeen <= e.grid.ReboundStartPct {
		st.TouchedRebound = true
	}

	switch {
	case st.LastSentLevel != nil && rate < *st.LastSentLevel:
		st.Mode = ModeWorsening
	case st.TouchedRebound && rate > minSeen:
		st.Mode = ModeRecovering
	}

	direction := DirectionWorse
	var (
		candidate float64
		ok        bool
	)
	if st.Mode == ModeRecovering && st.TouchedRebound {
		direction = DirectionRebound
		candidate, ok = e.grid.ReboundLevel(rate)
	} else {
		candidate, ok = e.grid.WorseLevel(rate)
	}

	st.LastBelowAt = sample.ObservedAt

	if !ok || !shouldEmit(st.LastSentLevel, candidate, direction) {
		return nil, st
	}

	st.LastSentLevel = floatPtr(candidate)
	alert := &Alert{
		Symbol:      sample.Symbol,
		RatePct:     rate,
		Level:       candidate,
		Direction:   direction,
		ObservedAt:  sample.ObservedAt,
		NextEventAt: sample.NextEventAt,
	}
	alert.Text = e.Render(*alert)
	return alert, st
}

// shouldEmit allows one alert per newly reached grid line in either direction.
func shouldEmit(last *float64, candidate float64, direction Direction) bool {
	if last == nil {
		return true
	}
	if direction == DirectionWorse {
		return candidate < *last
	}
	return candidate > *last
}
