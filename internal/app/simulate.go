package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"funding-grid-alerts/internal/engine"
)

// Step is one sample walked through a fresh engine.
type Step struct {
	Sample engine.Sample
	Alert  *engine.Alert
	State  *engine.SymbolState
	Reset  bool
}

// walk feeds samples in order through eng, applying the same reset rule a
// scan applies to symbols that left alert territory.
func walk(eng *engine.Engine, resetAfter time.Duration, samples []engine.Sample) []Step {
	levels := eng.Grid()
	steps := make([]Step, 0, len(samples))
	var st *engine.SymbolState
	for _, sample := range samples {
		alert, next := eng.Evaluate(st, sample)
		step := Step{Sample: sample, Alert: alert}
		if !levels.InAlertTerritory(sample.RatePct) && next != nil && next.Expired(sample.ObservedAt, resetAfter) {
			next = nil
			step.Reset = true
		}
		st = next
		step.State = st.Clone()
		steps = append(steps, step)
	}
	return steps
}

// Simulate feeds a synthetic rate sequence through a fresh engine and prints
// every step. With Notify, emitted alerts are sent to the configured chats.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) ([]Step, error) {
	if len(opts.Rates) == 0 {
		return nil, errors.New("at least one rate is required")
	}
	symbol := strings.ToUpper(strings.TrimSpace(opts.Symbol))
	if symbol == "" {
		symbol = "SIMUSDT"
	}
	every := opts.Step
	if every <= 0 {
		every = a.Config.Scheduler.Interval
	}

	start := time.Now().UTC().Truncate(time.Minute)
	samples := make([]engine.Sample, len(opts.Rates))
	for i, rate := range opts.Rates {
		samples[i] = engine.Sample{Symbol: symbol, RatePct: rate, ObservedAt: start.Add(time.Duration(i) * every)}
	}

	steps := walk(a.newEngine(), a.Config.Grid.ResetAfter, samples)
	a.printSteps(steps)

	if !opts.Notify {
		return steps, nil
	}
	client := a.newTelegramClient()
	if client == nil {
		return steps, errors.New("telegram is not enabled; cannot notify")
	}
	broadcaster := a.newBroadcaster(client)
	for _, s := range steps {
		if s.Alert == nil {
			continue
		}
		res := broadcaster.Broadcast(ctx, a.Config.Telegram.ChatIDs, "[simulation]\n"+s.Alert.Text)
		if len(res.Failed) > 0 {
			return steps, fmt.Errorf("delivery failed for %d of %d chats", len(res.Failed), res.Attempted)
		}
	}
	return steps, nil
}

func (a *App) printSteps(steps []Step) {
	g := a.Config.Grid.Levels()
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tRate%\tAlert\tLevel%\tMode\tLastSent%")
	for _, s := range steps {
		alert, level := "-", "-"
		if s.Alert != nil {
			alert = string(s.Alert.Direction)
			level = g.Format(s.Alert.Level)
		}
		mode, lastSent := "-", "-"
		if s.Reset {
			mode = "reset"
		}
		if s.State != nil {
			mode = s.State.Mode.String()
			if s.State.LastSentLevel != nil {
				lastSent = g.Format(*s.State.LastSentLevel)
			}
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.Sample.ObservedAt.UTC().Format(time.RFC3339),
			g.Format(s.Sample.RatePct),
			alert,
			level,
			mode,
			lastSent,
		)
	}
	writer.Flush()
}
