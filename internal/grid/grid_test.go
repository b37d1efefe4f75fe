package grid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		ThresholdPct:    -1.0,
		DownStepPct:     0.25,
		ReboundStartPct: -2.0,
		ReboundStepPct:  0.05,
		Precision:       2,
	}
}

func TestAboveThresholdHasNoLevel(t *testing.T) {
	cfg := testConfig()
	for _, rate := range []float64{-0.99, -0.5, 0, 0.01, 1.5} {
		_, ok := cfg.WorseLevel(rate)
		assert.False(t, ok, "worse level for %v", rate)
		_, ok = cfg.ReboundLevel(rate)
		assert.False(t, ok, "rebound level for %v", rate)
	}
}

func TestWorseLevelBins(t *testing.T) {
	cfg := testConfig()
	cases := []struct {
		rate float64
		want float64
	}{
		{-1.0, -1.0},
		{-1.10, -1.0},
		{-1.2499, -1.0},
		{-1.25, -1.25},
		{-1.30, -1.25},
		{-1.60, -1.50},
		{-2.10, -2.00},
		{-3.0, -3.0},
	}
	for _, tc := range cases {
		got, ok := cfg.WorseLevel(tc.rate)
		require.True(t, ok, "rate %v", tc.rate)
		assert.Equal(t, tc.want, got, "rate %v", tc.rate)
	}
}

func TestWorseLevelIsMonotonic(t *testing.T) {
	cfg := testConfig()
	prev, ok := cfg.WorseLevel(-5.0)
	require.True(t, ok)
	for rate := -5.0; rate <= cfg.ThresholdPct; rate += 0.01 {
		level, ok := cfg.WorseLevel(rate)
		if !ok {
			continue
		}
		assert.LessOrEqual(t, prev, level, "rate %v", rate)
		assert.LessOrEqual(t, level, cfg.ThresholdPct)
		prev = level
	}
}

func TestReboundLevelBins(t *testing.T) {
	cfg := testConfig()
	cases := []struct {
		rate float64
		want float64
	}{
		{-2.0, -2.0},
		{-1.99, -1.95},
		{-1.90, -1.90},
		{-1.93, -1.90},
		{-1.02, -1.0},
		{-1.0, -1.0},
	}
	for _, tc := range cases {
		got, ok := cfg.ReboundLevel(tc.rate)
		require.True(t, ok, "rate %v", tc.rate)
		assert.Equal(t, tc.want, got, "rate %v", tc.rate)
	}

	_, ok := cfg.ReboundLevel(-2.01)
	assert.False(t, ok, "below rebound start")
}

func TestReboundLevelClampedToThreshold(t *testing.T) {
	cfg := Config{ThresholdPct: -1.0, DownStepPct: 0.25, ReboundStartPct: -2.0, ReboundStepPct: 0.3, Precision: 2}
	got, ok := cfg.ReboundLevel(-1.05)
	require.True(t, ok)
	assert.Equal(t, -1.0, got)
}

func TestValidate(t *testing.T) {
	require.NoError(t, testConfig().Validate())

	bad := testConfig()
	bad.DownStepPct = 0
	assert.Error(t, bad.Validate())

	bad = testConfig()
	bad.ReboundStartPct = -0.5
	assert.Error(t, bad.Validate())

	bad = testConfig()
	bad.ReboundStepPct = -1
	assert.Error(t, bad.Validate())
}

func TestFormat(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, "-1.25", cfg.Format(-1.25))
	assert.Equal(t, "+0.01", cfg.Format(0.0100001))
	assert.Equal(t, "-2.10", cfg.Format(-2.1))
}

func TestFormatStep(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, "0.25", cfg.FormatStep(0.25))
	assert.Equal(t, "0.25", cfg.FormatStep(-0.25))
}
