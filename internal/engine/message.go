package engine

import (
	"fmt"
	"strings"
	"time"
)

// Render builds the user-visible alert text.
func (e *Engine) Render(a Alert) string {
	g := e.grid
	builder := strings.Builder{}
	switch a.Direction {
	case DirectionRebound:
		builder.WriteString(fmt.Sprintf("🔺 %s funding %s%%\n", a.Symbol, g.Format(a.RatePct)))
		builder.WriteString(fmt.Sprintf("REBOUND: recovered to %s%% grid line\n", g.Format(a.Level)))
	default:
		builder.WriteString(fmt.Sprintf("🔻 %s funding %s%%\n", a.Symbol, g.Format(a.RatePct)))
		builder.WriteString(fmt.Sprintf("WORSE: crossed %s%% grid line (threshold %s%%)\n", g.Format(a.Level), g.Format(g.ThresholdPct)))
	}
	if a.NextEventAt != nil {
		builder.WriteString(fmt.Sprintf("Next funding in %s", Countdown(a.ObservedAt, *a.NextEventAt)))
	}
	return strings.TrimRight(builder.String(), "\n")
}

// Countdown renders the time from now until next as "1h05m", "12m" or "due".
func Countdown(now, next time.Time) string {
	left := next.Sub(now)
	if left <= 0 {
		return "due"
	}
	left = left.Round(time.Minute)
	hours := int(left / time.Hour)
	minutes := int((left % time.Hour) / time.Minute)
	if hours == 0 {
		if minutes == 0 {
			return "<1m"
		}
		return fmt.Sprintf("%dm", minutes)
	}
	return fmt.Sprintf("%dh%02dm", hours, minutes)
}
