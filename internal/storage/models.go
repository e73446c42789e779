package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// SnapshotRecord is one persisted rate observation. The history table
// exists for charting and auditing; the live cache never reads from it.
type SnapshotRecord struct {
	ID             int64
	ObservedAt     time.Time
	CryptoRate     decimal.Decimal
	MarketRate     decimal.Decimal
	RawMarketRate  decimal.Decimal
	MarkupPct      decimal.Decimal
	SpreadPct      decimal.Decimal
	ManualOverride bool
	CreatedAt      time.Time
}
