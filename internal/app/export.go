package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"funding-grid-alerts/internal/engine"
	"funding-grid-alerts/internal/storage"
)

const defaultExportWindow = 30 * 24 * time.Hour

// Export renders alert history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	backend, closeBackend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer closeBackend()
	if backend.Alerts == nil {
		return errors.New("alert history not configured; cannot export")
	}
	return a.export(ctx, backend.Alerts, opts)
}

func (a *App) export(ctx context.Context, store storage.AlertStore, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	window := a.Config.Database.AlertRetention
	if window <= 0 {
		window = defaultExportWindow
	}
	from := to.Add(-window)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	symbol := strings.ToUpper(strings.TrimSpace(opts.Symbol))
	records, err := store.ListAlertsBetween(ctx, symbol, from, to, 0)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("no alerts found for export window")
		return nil
	}

	selected := downsample(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(selected)).Msg("exporting alerts")

	if opts.CSVPath != "" {
		if err := a.writeAlertsCSV(opts.CSVPath, selected); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := a.writeAlertsPNG(opts.PNGPath, selected, from, to); err != nil {
			return err
		}
	}
	return nil
}

func downsample[T any](items []T, max int) []T {
	if max <= 0 || len(items) <= max {
		return items
	}
	if max == 1 {
		return items[len(items)-1:]
	}

	result := make([]T, 0, max)
	step := float64(len(items)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(items) {
			idx = len(items) - 1
		}
		result = append(result, items[idx])
	}
	return result
}

func (a *App) writeAlertsCSV(path string, records []storage.AlertRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	precision := a.Config.Grid.Precision
	writer := csv.NewWriter(file)
	header := []string{"id", "observed_at", "symbol", "direction", "rate_pct", "level_pct", "trigger", "created_at"}
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, rec := range records {
		row := []string{
			rec.ID.String(),
			rec.ObservedAt.UTC().Format(time.RFC3339),
			rec.Symbol,
			rec.Direction,
			rec.RatePct.StringFixed(precision),
			rec.LevelPct.StringFixed(precision),
			rec.Trigger,
			rec.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func (a *App) writeAlertsPNG(path string, records []storage.AlertRecord, from, to time.Time) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	series := make([]chart.Series, 0, 4)
	for _, dir := range []engine.Direction{engine.DirectionWorse, engine.DirectionRebound} {
		ts := chart.TimeSeries{
			Name: string(dir),
			Style: chart.Style{
				StrokeWidth: chart.Disabled,
				DotWidth:    5,
				DotColor:    chart.ColorRed,
			},
		}
		if dir == engine.DirectionRebound {
			ts.Style.DotColor = chart.ColorGreen
		}
		for _, rec := range records {
			if rec.Direction != string(dir) {
				continue
			}
			ts.XValues = append(ts.XValues, rec.ObservedAt)
			ts.YValues = append(ts.YValues, rec.RatePct.InexactFloat64())
		}
		if len(ts.XValues) > 0 {
			series = append(series, ts)
		}
	}

	g := a.Config.Grid
	series = append(series,
		chart.TimeSeries{
			Name:    "threshold",
			XValues: []time.Time{from, to},
			YValues: []float64{g.ThresholdPct, g.ThresholdPct},
		},
		chart.TimeSeries{
			Name:    "rebound start",
			XValues: []time.Time{from, to},
			YValues: []float64{g.ReboundStartPct, g.ReboundStartPct},
		},
	)

	rateFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.3f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Funding rate (%)",
			ValueFormatter: rateFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
