package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ErrNotConfigured indicates the storage pool was not initialised.
var ErrNotConfigured = errors.New("storage: pool not configured")

const (
	insertSnapshotSQL = `INSERT INTO rate_snapshots (
        observed_at,
        crypto_rate,
        market_rate,
        raw_market_rate,
        markup_pct,
        spread_pct,
        manual_override
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    ) RETURNING id;`

	listSnapshotsBetweenSQL = `SELECT
        id,
        observed_at,
        crypto_rate,
        market_rate,
        raw_market_rate,
        markup_pct,
        spread_pct,
        manual_override,
        created_at
    FROM rate_snapshots
    WHERE observed_at >= $1
      AND observed_at < $2
    ORDER BY observed_at;`

	listRecentSnapshotsSQL = `SELECT
        id,
        observed_at,
        crypto_rate,
        market_rate,
        raw_market_rate,
        markup_pct,
        spread_pct,
        manual_override,
        created_at
    FROM rate_snapshots
    ORDER BY observed_at DESC
    LIMIT $1;`

	countSnapshotsSQL = `SELECT COUNT(*) FROM rate_snapshots;`

	deleteSnapshotsBeforeSQL = `DELETE FROM rate_snapshots WHERE observed_at < $1;`
)

// SnapshotStore defines operations for rate history persistence.
type SnapshotStore interface {
	InsertSnapshot(ctx context.Context, rec SnapshotRecord) (int64, error)
	ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]SnapshotRecord, error)
	ListRecentSnapshots(ctx context.Context, limit int) ([]SnapshotRecord, error)
	CountSnapshots(ctx context.Context) (int64, error)
	DeleteSnapshotsBefore(ctx context.Context, olderThan time.Time) error
}

// Store persists rate history in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertSnapshot persists one observation and returns its id.
func (s *Store) InsertSnapshot(ctx context.Context, rec SnapshotRecord) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var id int64
	scanErr := pool.QueryRow(ctx, insertSnapshotSQL,
		rec.ObservedAt,
		rec.CryptoRate.String(),
		rec.MarketRate.String(),
		rec.RawMarketRate.String(),
		rec.MarkupPct.String(),
		rec.SpreadPct.String(),
		rec.ManualOverride,
	).Scan(&id)
	if scanErr != nil {
		return 0, fmt.Errorf("insert snapshot: %w", scanErr)
	}
	return id, nil
}

// ListSnapshotsBetween lists observations within a time window.
func (s *Store) ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]SnapshotRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSnapshotsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots between: %w", queryErr)
	}
	defer rows.Close()

	return collectSnapshots(rows, 0)
}

// ListRecentSnapshots lists the most recent observations, newest first.
func (s *Store) ListRecentSnapshots(ctx context.Context, limit int) ([]SnapshotRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSnapshotsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent snapshots: %w", queryErr)
	}
	defer rows.Close()

	return collectSnapshots(rows, limit)
}

// CountSnapshots counts stored observations.
func (s *Store) CountSnapshots(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSnapshotsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count snapshots: %w", scanErr)
	}
	return count, nil
}

// DeleteSnapshotsBefore prunes historical observations.
func (s *Store) DeleteSnapshotsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteSnapshotsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete snapshots before: %w", execErr)
	}
	return nil
}

func collectSnapshots(rows pgx.Rows, sizeHint int) ([]SnapshotRecord, error) {
	records := make([]SnapshotRecord, 0, sizeHint)
	for rows.Next() {
		rec, scanErr := scanSnapshot(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanSnapshot(rows pgx.Rows) (SnapshotRecord, error) {
	var (
		rec       SnapshotRecord
		cryptoStr string
		marketStr string
		rawStr    string
		markupStr string
		spreadStr string
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.ObservedAt,
		&cryptoStr,
		&marketStr,
		&rawStr,
		&markupStr,
		&spreadStr,
		&rec.ManualOverride,
		&rec.CreatedAt,
	); err != nil {
		return SnapshotRecord{}, err
	}

	fields := []struct {
		dst  *decimal.Decimal
		src  string
		name string
	}{
		{&rec.CryptoRate, cryptoStr, "crypto rate"},
		{&rec.MarketRate, marketStr, "market rate"},
		{&rec.RawMarketRate, rawStr, "raw market rate"},
		{&rec.MarkupPct, markupStr, "markup pct"},
		{&rec.SpreadPct, spreadStr, "spread pct"},
	}
	for _, f := range fields {
		value, err := decimal.NewFromString(f.src)
		if err != nil {
			return SnapshotRecord{}, fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = value
	}

	return rec, nil
}
