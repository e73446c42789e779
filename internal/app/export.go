package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/cybernetix3d/arbitrage/internal/storage"
)

// ExportOptions controls the history export.
type ExportOptions struct {
	CSVPath   string
	PNGPath   string
	From      *time.Time
	To        *time.Time
	MaxPoints int
}

// Export renders historical snapshots as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	snapshots, err := store.ListSnapshotsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		a.Logger.Info().Msg("no snapshots found for export window")
		return nil
	}

	downsampled := downsampleSnapshots(snapshots, opts.MaxPoints)
	a.Logger.Info().Int("total", len(snapshots)).Int("exported", len(downsampled)).Msg("exporting snapshots")

	if opts.CSVPath != "" {
		if err := writeSnapshotsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSnapshotsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleSnapshots(snapshots []storage.SnapshotRecord, max int) []storage.SnapshotRecord {
	if max <= 0 || len(snapshots) <= max {
		return snapshots
	}

	result := make([]storage.SnapshotRecord, 0, max)
	step := float64(len(snapshots)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(snapshots) {
			idx = len(snapshots) - 1
		}
		result = append(result, snapshots[idx])
	}
	return result
}

func writeSnapshotsCSV(path string, snapshots []storage.SnapshotRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"observed_at", "crypto_rate", "market_rate", "raw_market_rate", "markup_pct", "spread_pct", "manual_override"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, snap := range snapshots {
		override := "false"
		if snap.ManualOverride {
			override = "true"
		}
		record := []string{
			snap.ObservedAt.Format(time.RFC3339),
			snap.CryptoRate.String(),
			snap.MarketRate.String(),
			snap.RawMarketRate.String(),
			snap.MarkupPct.String(),
			snap.SpreadPct.String(),
			override,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeSnapshotsPNG(path string, snapshots []storage.SnapshotRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(snapshots))
	crypto := make([]float64, len(snapshots))
	market := make([]float64, len(snapshots))
	spread := make([]float64, len(snapshots))

	for i, snap := range snapshots {
		x[i] = snap.ObservedAt
		crypto[i] = snap.CryptoRate.InexactFloat64()
		market[i] = snap.MarketRate.InexactFloat64()
		spread[i] = snap.SpreadPct.InexactFloat64()
	}

	rateFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Rate (ZAR/USD)",
			ValueFormatter: rateFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Spread (%)",
			ValueFormatter: rateFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Crypto",
				XValues: x,
				YValues: crypto,
			},
			chart.TimeSeries{
				Name:    "Market",
				XValues: x,
				YValues: market,
			},
			chart.TimeSeries{
				Name:    "Spread %",
				XValues: x,
				YValues: spread,
				YAxis:   chart.YAxisSecondary,
			},
		},
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
