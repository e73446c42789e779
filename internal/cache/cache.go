package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Entry is the last known good value for one rate leg. A failed fetch
// never clears Value; it only fails to refresh FetchedAt.
type Entry struct {
	Value     decimal.Decimal
	FetchedAt time.Time
	Known     bool
}

// Age reports how long ago the entry was fetched, relative to now.
func (e Entry) Age(now time.Time) time.Duration {
	if !e.Known {
		return 0
	}
	return now.Sub(e.FetchedAt)
}

// Stale reports whether the entry needs a refresh given a TTL.
func (e Entry) Stale(now time.Time, ttl time.Duration) bool {
	return !e.Known || e.Age(now) > ttl
}

// Cache holds the crypto and fiat legs plus the operator override for
// the fiat leg, persisted write-through to a single JSON file so a
// restart resumes from the last good values.
type Cache struct {
	mu     sync.Mutex
	path   string
	logger zerolog.Logger

	crypto     Entry
	fiat       Entry
	manualFiat decimal.Decimal
	hasManual  bool
	dirty      bool
}

// New constructs an empty cache backed by the given file path.
func New(path string, logger zerolog.Logger) *Cache {
	return &Cache{
		path:   path,
		logger: logger.With().Str("component", "rate_cache").Logger(),
	}
}

type fileState struct {
	CryptoRate       *decimal.Decimal `json:"cryptoRate"`
	MarketRate       *decimal.Decimal `json:"marketRate"`
	LastCryptoUpdate *time.Time       `json:"lastCryptoUpdate"`
	LastMarketUpdate *time.Time       `json:"lastMarketUpdate"`
	ManualMarketRate *decimal.Decimal `json:"manualMarketRate"`
}

// Load restores state from the backing file. A missing file leaves the
// cache empty and is not an error.
func (c *Cache) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.logger.Info().Str("path", c.path).Msg("no cache file; starting empty")
			return nil
		}
		return fmt.Errorf("read cache file: %w", err)
	}

	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decode cache file: %w", err)
	}

	if state.CryptoRate != nil && state.LastCryptoUpdate != nil {
		c.crypto = Entry{Value: *state.CryptoRate, FetchedAt: *state.LastCryptoUpdate, Known: true}
	}
	if state.MarketRate != nil && state.LastMarketUpdate != nil {
		c.fiat = Entry{Value: *state.MarketRate, FetchedAt: *state.LastMarketUpdate, Known: true}
	}
	if state.ManualMarketRate != nil {
		c.manualFiat = *state.ManualMarketRate
		c.hasManual = true
	}

	c.logger.Info().
		Bool("crypto", c.crypto.Known).
		Bool("fiat", c.fiat.Known).
		Bool("manual_override", c.hasManual).
		Msg("cache restored")
	return nil
}

// Crypto returns the crypto leg entry.
func (c *Cache) Crypto() Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.crypto
}

// Fiat returns the fiat leg entry.
func (c *Cache) Fiat() Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fiat
}

// ManualFiat returns the operator override, if set.
func (c *Cache) ManualFiat() (decimal.Decimal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manualFiat, c.hasManual
}

// SetCrypto records a successful crypto fetch and persists.
func (c *Cache) SetCrypto(value decimal.Decimal, fetchedAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.crypto = Entry{Value: value, FetchedAt: fetchedAt, Known: true}
	c.dirty = true
	return c.persistLocked()
}

// SetFiat records a successful fiat fetch and persists.
func (c *Cache) SetFiat(value decimal.Decimal, fetchedAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fiat = Entry{Value: value, FetchedAt: fetchedAt, Known: true}
	c.dirty = true
	return c.persistLocked()
}

// SetManualFiat stores the operator override and persists.
func (c *Cache) SetManualFiat(value decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasManual && c.manualFiat.Equal(value) {
		return nil
	}
	c.manualFiat = value
	c.hasManual = true
	c.dirty = true
	return c.persistLocked()
}

// ClearManualFiat removes the operator override and persists. Clearing
// an unset override is a no-op and touches no disk.
func (c *Cache) ClearManualFiat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasManual {
		return nil
	}
	c.manualFiat = decimal.Decimal{}
	c.hasManual = false
	c.dirty = true
	return c.persistLocked()
}

func (c *Cache) persistLocked() error {
	if !c.dirty {
		return nil
	}
	if c.path == "" {
		c.dirty = false
		return nil
	}

	var state fileState
	if c.crypto.Known {
		v, at := c.crypto.Value, c.crypto.FetchedAt
		state.CryptoRate, state.LastCryptoUpdate = &v, &at
	}
	if c.fiat.Known {
		v, at := c.fiat.Value, c.fiat.FetchedAt
		state.MarketRate, state.LastMarketUpdate = &v, &at
	}
	if c.hasManual {
		v := c.manualFiat
		state.ManualMarketRate = &v
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache state: %w", err)
	}

	tmp := c.path + ".tmp"
	if dir := filepath.Dir(c.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create cache dir: %w", err)
		}
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cache file: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replace cache file: %w", err)
	}

	c.dirty = false
	return nil
}
