package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
)

// ShowOptions controls the history listing.
type ShowOptions struct {
	Limit int
}

// Show prints recent rate snapshots.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show history")
	}
	if closeStore != nil {
		defer closeStore()
	}

	snapshots, err := store.ListRecentSnapshots(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		fmt.Fprintln(os.Stdout, "no snapshots found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tCrypto\tMarket\tRaw Market\tSpread%\tOverride")

	for _, snap := range snapshots {
		override := ""
		if snap.ManualOverride {
			override = "manual"
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\n",
			snap.ObservedAt.UTC().Format(time.RFC3339),
			formatDecimal(snap.CryptoRate, 4),
			formatDecimal(snap.MarketRate, 4),
			formatDecimal(snap.RawMarketRate, 4),
			formatDecimal(snap.SpreadPct, 3),
			override,
		)
	}

	writer.Flush()
	return nil
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
