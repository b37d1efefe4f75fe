package grid

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// epsilon absorbs float noise when a rate sits exactly on a grid line.
const epsilon = 1e-9

// Config describes the two grids in percent units. More negative is worse.
type Config struct {
	ThresholdPct    float64
	DownStepPct     float64
	ReboundStartPct float64
	ReboundStepPct  float64
	Precision       int32
}

// Validate checks the grid geometry.
func (c Config) Validate() error {
	if c.DownStepPct <= 0 {
		return errors.New("grid: down step must be greater than zero")
	}
	if c.ReboundStepPct <= 0 {
		return errors.New("grid: rebound step must be greater than zero")
	}
	if c.ReboundStartPct >= c.ThresholdPct {
		return errors.New("grid: rebound start must be below threshold")
	}
	if c.Precision < 0 {
		return errors.New("grid: precision cannot be negative")
	}
	return nil
}

// WorseLevel returns the worse boundary of the down-step bin containing rate.
// The second result is false when rate is above the threshold.
func (c Config) WorseLevel(rate float64) (float64, bool) {
	if rate > c.ThresholdPct {
		return 0, false
	}
	steps := math.Floor((c.ThresholdPct-rate)/c.DownStepPct + epsilon)
	return c.Round(c.ThresholdPct - steps*c.DownStepPct), true
}

// ReboundLevel returns the better boundary of the rebound bin containing rate,
// clamped to the threshold. Only defined inside [rebound start, threshold].
func (c Config) ReboundLevel(rate float64) (float64, bool) {
	if rate < c.ReboundStartPct || rate > c.ThresholdPct {
		return 0, false
	}
	steps := math.Ceil((rate-c.ReboundStartPct)/c.ReboundStepPct - epsilon)
	level := math.Min(c.ReboundStartPct+steps*c.ReboundStepPct, c.ThresholdPct)
	return c.Round(level), true
}

// InAlertTerritory reports whether rate is at or below the threshold.
func (c Config) InAlertTerritory(rate float64) bool {
	return rate <= c.ThresholdPct
}

// Round rounds v to the configured display precision.
func (c Config) Round(v float64) float64 {
	return decimal.NewFromFloat(v).Round(c.Precision).InexactFloat64()
}

// Format renders v with the display precision and an explicit sign.
func (c Config) Format(v float64) string {
	d := decimal.NewFromFloat(v).Round(c.Precision)
	s := d.StringFixed(c.Precision)
	if d.Sign() >= 0 {
		return "+" + s
	}
	return s
}

// FormatStep renders a step size without a sign.
func (c Config) FormatStep(v float64) string {
	return decimal.NewFromFloat(v).Abs().StringFixed(c.Precision)
}
