package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cybernetix3d/arbitrage/internal/cache"
	"github.com/cybernetix3d/arbitrage/internal/fetcher"
	"github.com/cybernetix3d/arbitrage/internal/ratelimit"
)

// ErrInvalidRate rejects manual override values that are not finite
// positive numbers.
var ErrInvalidRate = errors.New("market rate must be a finite positive number")

// ErrNeverFetched indicates a leg has no value at all, cached or fresh.
var ErrNeverFetched = errors.New("rate has never been fetched")

// RateLimitedError reports an admission rejection with a retry hint.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited; retry in %s", e.RetryAfter)
}

// Snapshot is the consolidated view handed to every consumer. Spread is
// recomputed from the two legs at assembly time, never carried over.
type Snapshot struct {
	CryptoRate    decimal.Decimal
	FiatRate      decimal.Decimal
	RawFiatRate   decimal.Decimal
	MarkupPercent decimal.Decimal
	SpreadPercent decimal.Decimal

	CryptoKnown     bool
	FiatKnown       bool
	ManualOverride  bool
	CryptoFetchedAt time.Time
	FiatFetchedAt   time.Time
	LastUpdated     time.Time
}

// LegResult is a single-leg read for the passthrough endpoints.
type LegResult struct {
	Value     decimal.Decimal
	FetchedAt time.Time
	FromCache bool
}

// Options tune the orchestrator.
type Options struct {
	CryptoTTL     time.Duration
	FiatTTL       time.Duration
	MarkupPercent decimal.Decimal
	// Now overrides the clock, mainly for tests. Defaults to time.Now.
	Now func() time.Time
}

// Service decides per request whether cached values are fresh enough,
// walks the fiat providers in priority order on staleness, and
// assembles markup-adjusted snapshots. Refreshes for the same leg are
// serialized by a per-leg in-flight guard so concurrent triggers share
// one upstream call instead of duplicating it.
type Service struct {
	cache         *cache.Cache
	crypto        fetcher.RateFetcher
	fiat          []fetcher.RateFetcher
	cryptoLimiter *ratelimit.Bucket
	fiatLimiter   *ratelimit.Bucket

	cryptoTTL time.Duration
	fiatTTL   time.Duration
	markup    decimal.Decimal

	logger zerolog.Logger
	now    func() time.Time

	cryptoMu sync.Mutex
	fiatMu   sync.Mutex

	hookMu   sync.Mutex
	onUpdate func(Snapshot)
}

// New constructs the orchestrator. Fiat fetchers are tried in the order
// given.
func New(c *cache.Cache, crypto fetcher.RateFetcher, fiat []fetcher.RateFetcher, cryptoLimiter, fiatLimiter *ratelimit.Bucket, opts Options, logger zerolog.Logger) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		cache:         c,
		crypto:        crypto,
		fiat:          fiat,
		cryptoLimiter: cryptoLimiter,
		fiatLimiter:   fiatLimiter,
		cryptoTTL:     opts.CryptoTTL,
		fiatTTL:       opts.FiatTTL,
		markup:        opts.MarkupPercent,
		logger:        logger.With().Str("component", "orchestrator").Logger(),
		now:           now,
	}
}

// SetUpdateHook registers a callback invoked when a manual override
// mutates the published rate outside the normal request flow.
func (s *Service) SetUpdateHook(hook func(Snapshot)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onUpdate = hook
}

// GetSnapshot refreshes stale legs as allowed by TTLs and provider
// limiters, then assembles a snapshot. Upstream failures degrade to the
// last known values and never surface to the caller.
func (s *Service) GetSnapshot(ctx context.Context, force bool) Snapshot {
	if _, err := s.refreshCrypto(ctx, force); err != nil {
		s.logger.Warn().Err(err).Msg("crypto refresh skipped; keeping last known value")
	}
	if _, err := s.refreshFiat(ctx, force); err != nil {
		s.logger.Warn().Err(err).Msg("fiat refresh skipped; keeping last known value")
	}
	return s.assemble()
}

// CryptoRate serves the crypto passthrough endpoint: a fresh value when
// the TTL and limiter allow, otherwise the cached value flagged as such.
func (s *Service) CryptoRate(ctx context.Context) (LegResult, error) {
	refreshed, err := s.refreshCrypto(ctx, false)
	entry := s.cache.Crypto()
	if entry.Known {
		return LegResult{Value: entry.Value, FetchedAt: entry.FetchedAt, FromCache: !refreshed}, nil
	}
	if err != nil {
		return LegResult{}, err
	}
	return LegResult{}, ErrNeverFetched
}

// FiatRate serves the fiat passthrough endpoint. The manual override,
// when present, takes priority over the fetched value.
func (s *Service) FiatRate(ctx context.Context) (LegResult, error) {
	refreshed, err := s.refreshFiat(ctx, false)
	if manual, ok := s.cache.ManualFiat(); ok {
		return LegResult{Value: manual, FromCache: true}, nil
	}
	entry := s.cache.Fiat()
	if entry.Known {
		return LegResult{Value: entry.Value, FetchedAt: entry.FetchedAt, FromCache: !refreshed}, nil
	}
	if err != nil {
		return LegResult{}, err
	}
	return LegResult{}, ErrNeverFetched
}

// SetManualFiatRate validates and stores the operator override, then
// pushes the updated snapshot to subscribers.
func (s *Service) SetManualFiatRate(value decimal.Decimal) error {
	if value.Sign() <= 0 {
		return ErrInvalidRate
	}
	if err := s.cache.SetManualFiat(value); err != nil {
		return err
	}
	s.logger.Info().Str("rate", value.String()).Msg("manual market rate set")
	s.notify()
	return nil
}

// ClearManualFiatRate removes the operator override and pushes the
// updated snapshot to subscribers.
func (s *Service) ClearManualFiatRate() error {
	if err := s.cache.ClearManualFiat(); err != nil {
		return err
	}
	s.logger.Info().Msg("manual market rate cleared")
	s.notify()
	return nil
}

func (s *Service) notify() {
	s.hookMu.Lock()
	hook := s.onUpdate
	s.hookMu.Unlock()
	if hook != nil {
		hook(s.assemble())
	}
}

// refreshCrypto attempts a crypto fetch when forced or stale. It
// reports whether a fresh value was obtained; the error describes why
// not (limiter rejection or upstream failure) without clearing state.
func (s *Service) refreshCrypto(ctx context.Context, force bool) (bool, error) {
	s.cryptoMu.Lock()
	defer s.cryptoMu.Unlock()

	now := s.now()
	entry := s.cache.Crypto()
	if !force && !entry.Stale(now, s.cryptoTTL) {
		return false, nil
	}

	if !s.cryptoLimiter.TryConsume(1) {
		return false, &RateLimitedError{RetryAfter: s.cryptoLimiter.WaitTime(1)}
	}

	value, err := s.crypto.FetchRate(ctx)
	if err != nil {
		return false, fmt.Errorf("fetch %s: %w", s.crypto.Name(), err)
	}

	if err := s.cache.SetCrypto(value, s.now()); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist crypto rate")
	}
	return true, nil
}

// refreshFiat walks the fiat providers in priority order until one
// succeeds. Each attempt consumes one token from the shared fiat
// budget; exhaustion of providers or tokens keeps the last known value.
func (s *Service) refreshFiat(ctx context.Context, force bool) (bool, error) {
	s.fiatMu.Lock()
	defer s.fiatMu.Unlock()

	now := s.now()
	entry := s.cache.Fiat()
	if !force && !entry.Stale(now, s.fiatTTL) {
		return false, nil
	}

	var lastErr error
	for _, provider := range s.fiat {
		if !s.fiatLimiter.TryConsume(1) {
			if lastErr == nil {
				lastErr = &RateLimitedError{RetryAfter: s.fiatLimiter.WaitTime(1)}
			}
			break
		}

		value, err := provider.FetchRate(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Str("provider", provider.Name()).Msg("fiat provider failed; falling through")
			lastErr = fmt.Errorf("fetch %s: %w", provider.Name(), err)
			continue
		}

		if err := s.cache.SetFiat(value, s.now()); err != nil {
			s.logger.Error().Err(err).Msg("failed to persist fiat rate")
		}
		return true, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no fiat providers configured")
	}
	return false, lastErr
}

func (s *Service) assemble() Snapshot {
	now := s.now()
	crypto := s.cache.Crypto()
	fiat := s.cache.Fiat()
	manual, hasManual := s.cache.ManualFiat()

	snap := Snapshot{
		MarkupPercent: s.markup,
		LastUpdated:   now,
	}

	if crypto.Known {
		snap.CryptoRate = crypto.Value
		snap.CryptoKnown = true
		snap.CryptoFetchedAt = crypto.FetchedAt
	}

	effective := fiat.Value
	fiatKnown := fiat.Known
	if hasManual {
		effective = manual
		fiatKnown = true
		snap.ManualOverride = true
	}
	if fiatKnown {
		snap.RawFiatRate = effective
		snap.FiatRate = applyMarkup(effective, s.markup)
		snap.FiatKnown = true
		snap.FiatFetchedAt = fiat.FetchedAt
	}

	if snap.CryptoKnown && snap.FiatKnown && snap.FiatRate.Sign() > 0 {
		snap.SpreadPercent = snap.CryptoRate.Div(snap.FiatRate).
			Sub(decimal.NewFromInt(1)).
			Mul(decimal.NewFromInt(100))
	}

	return snap
}

func applyMarkup(rate, markupPercent decimal.Decimal) decimal.Decimal {
	factor := decimal.NewFromInt(1).Add(markupPercent.Div(decimal.NewFromInt(100)))
	return rate.Mul(factor)
}
