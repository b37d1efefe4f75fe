package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"funding-grid-alerts/internal/engine"
	"funding-grid-alerts/internal/fetcher"
	"funding-grid-alerts/internal/storage"
)

const triggerReplay = "replay"

// Replay walks settled funding history for one symbol through a fresh engine.
// With Record, the alerts it would have sent are written to alert history.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) ([]Step, error) {
	var alerts storage.AlertStore
	if opts.Record {
		backend, closeBackend, err := a.openBackend(ctx)
		if err != nil {
			return nil, err
		}
		defer closeBackend()
		if backend.Alerts == nil {
			return nil, errors.New("alert history not configured; cannot record replay")
		}
		alerts = backend.Alerts
	} else {
		a.Logger.Info().Msg("replay dry-run: alerts will not be recorded")
	}
	return a.replay(ctx, a.newREST(), alerts, opts)
}

func (a *App) replay(ctx context.Context, history fetcher.HistoryFetcher, alerts storage.AlertStore, opts ReplayOptions) ([]Step, error) {
	symbol := strings.ToUpper(strings.TrimSpace(opts.Symbol))
	if symbol == "" {
		return nil, errors.New("symbol is required")
	}
	from, to := opts.From.UTC(), opts.To.UTC()
	if !from.Before(to) {
		return nil, errors.New("replay range is empty, check --from/--to")
	}

	points, err := history.FetchHistory(ctx, symbol, from, to)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	if len(points) == 0 {
		fmt.Fprintln(a.Out, "no funding history in range")
		return nil, nil
	}

	samples := make([]engine.Sample, len(points))
	for i, p := range points {
		samples[i] = engine.Sample{Symbol: symbol, RatePct: p.RatePct, ObservedAt: p.Time}
	}
	steps := walk(a.newEngine(), a.Config.Grid.ResetAfter, samples)
	a.printSteps(steps)

	emitted, recorded := 0, 0
	now := time.Now().UTC()
	for _, s := range steps {
		if s.Alert == nil {
			continue
		}
		emitted++
		if alerts == nil {
			continue
		}
		if err := alerts.InsertAlert(ctx, storage.NewAlertRecord(*s.Alert, triggerReplay, now)); err != nil {
			return steps, fmt.Errorf("record alert: %w", err)
		}
		recorded++
	}

	a.Logger.Info().
		Str("symbol", symbol).
		Int("points", len(points)).
		Int("alerts", emitted).
		Int("recorded", recorded).
		Msg("replay finished")
	return steps, nil
}
