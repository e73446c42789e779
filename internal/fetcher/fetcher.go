package fetcher

import (
	"context"

	"github.com/shopspring/decimal"
)

// RateFetcher retrieves a single exchange rate from an upstream provider.
// Implementations normalize provider-specific wire formats into one
// canonical quantity: units of local fiat per unit of the quoted asset.
type RateFetcher interface {
	// Name identifies the provider in logs and fallback ordering.
	Name() string
	// FetchRate returns the current rate or a classified upstream error.
	FetchRate(ctx context.Context) (decimal.Decimal, error)
}
