package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"funding-grid-alerts/internal/storage"
)

// Show prints the tracked per-symbol states, or with Alerts the most recent
// alert history rows.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	backend, closeBackend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer closeBackend()

	if opts.Alerts {
		if backend.Alerts == nil {
			return errors.New("alert history not configured; cannot show alerts")
		}
		return a.showAlerts(ctx, backend.Alerts, opts.Limit)
	}
	return a.showStates(ctx, backend.State, opts.Limit)
}

func (a *App) showStates(ctx context.Context, store storage.StateStore, limit int) error {
	snap, err := store.Load(ctx)
	if err != nil {
		return err
	}
	symbols := snap.SortedSymbols()
	if len(symbols) == 0 {
		fmt.Fprintln(a.Out, "no symbols below threshold")
		return nil
	}
	if limit > 0 && len(symbols) > limit {
		symbols = symbols[:limit]
	}

	g := a.Config.Grid.Levels()
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Symbol\tLastSent%\tMin%\tMode\tRebound\tLast below (UTC)")
	for _, symbol := range symbols {
		st := snap.States[symbol]
		lastSent, minSeen := "-", "-"
		if st.LastSentLevel != nil {
			lastSent = g.Format(*st.LastSentLevel)
		}
		if st.MinSeen != nil {
			minSeen = g.Format(*st.MinSeen)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%t\t%s\n",
			symbol,
			lastSent,
			minSeen,
			st.Mode,
			st.TouchedRebound,
			st.LastBelowAt.UTC().Format(time.RFC3339),
		)
	}
	writer.Flush()

	if snap.Meta.LastError != nil {
		fmt.Fprintf(a.Out, "last scan error: %s\n", sanitizeInline(*snap.Meta.LastError))
	}
	return nil
}

func (a *App) showAlerts(ctx context.Context, store storage.AlertStore, limit int) error {
	records, err := store.ListRecentAlerts(ctx, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(a.Out, "no alerts found")
		return nil
	}

	precision := a.Config.Grid.Precision
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Observed (UTC)\tSymbol\tDirection\tRate%\tLevel%\tTrigger")
	for _, rec := range records {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ObservedAt.UTC().Format(time.RFC3339),
			rec.Symbol,
			rec.Direction,
			rec.RatePct.StringFixed(precision),
			rec.LevelPct.StringFixed(precision),
			rec.Trigger,
		)
	}
	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
