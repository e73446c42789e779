package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cybernetix3d/arbitrage/internal/cache"
	"github.com/cybernetix3d/arbitrage/internal/fetcher"
	"github.com/cybernetix3d/arbitrage/internal/ratelimit"
)

type stubFetcher struct {
	name  string
	rate  decimal.Decimal
	err   error
	calls int
}

func (s *stubFetcher) Name() string { return s.name }

func (s *stubFetcher) FetchRate(ctx context.Context) (decimal.Decimal, error) {
	s.calls++
	if s.err != nil {
		return decimal.Decimal{}, s.err
	}
	return s.rate, nil
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	svc    *Service
	clock  *fakeClock
	crypto *stubFetcher
	fiat   []*stubFetcher
	cache  *cache.Cache
}

func newFixture(t *testing.T, crypto *stubFetcher, fiat ...*stubFetcher) *fixture {
	t.Helper()

	clock := &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	c := cache.New(filepath.Join(t.TempDir(), "rates.json"), zerolog.Nop())

	fiatFetchers := make([]fetcher.RateFetcher, 0, len(fiat))
	for _, f := range fiat {
		fiatFetchers = append(fiatFetchers, f)
	}

	limiter := func() *ratelimit.Bucket {
		return ratelimit.New(ratelimit.Options{MaxTokens: 100, RefillPerSecond: 1, Now: clock.now})
	}

	svc := New(c, crypto, fiatFetchers, limiter(), limiter(), Options{
		CryptoTTL:     3 * time.Minute,
		FiatTTL:       3 * time.Hour,
		MarkupPercent: decimal.RequireFromString("0.4"),
		Now:           clock.now,
	}, zerolog.Nop())

	return &fixture{svc: svc, clock: clock, crypto: crypto, fiat: fiat, cache: c}
}

func TestSnapshotEndToEndFreshCache(t *testing.T) {
	fx := newFixture(t,
		&stubFetcher{name: "valr", rate: decimal.RequireFromString("18.40")},
		&stubFetcher{name: "primary", rate: decimal.RequireFromString("18.00")},
	)

	snap := fx.svc.GetSnapshot(context.Background(), false)

	if !snap.CryptoRate.Equal(decimal.RequireFromString("18.40")) {
		t.Fatalf("cryptoRate = %s", snap.CryptoRate)
	}
	if !snap.RawFiatRate.Equal(decimal.RequireFromString("18.00")) {
		t.Fatalf("rawFiatRate = %s", snap.RawFiatRate)
	}

	// 18.00 * 1.004 = 18.072 exactly.
	if !snap.FiatRate.Equal(decimal.RequireFromString("18.072")) {
		t.Fatalf("fiatRate = %s, want 18.072", snap.FiatRate)
	}

	// ((18.40 / 18.072) - 1) * 100 ≈ 1.8149%
	want := decimal.RequireFromString("1.814962372731297")
	if snap.SpreadPercent.Sub(want).Abs().GreaterThan(decimal.RequireFromString("0.000001")) {
		t.Fatalf("spread = %s, want ≈%s", snap.SpreadPercent, want)
	}
}

func TestSnapshotIdempotentWithinTTL(t *testing.T) {
	fx := newFixture(t,
		&stubFetcher{name: "valr", rate: decimal.RequireFromString("18.40")},
		&stubFetcher{name: "primary", rate: decimal.RequireFromString("18.00")},
	)

	first := fx.svc.GetSnapshot(context.Background(), false)
	second := fx.svc.GetSnapshot(context.Background(), false)

	if fx.crypto.calls != 1 {
		t.Fatalf("crypto fetched %d times, want 1", fx.crypto.calls)
	}
	if fx.fiat[0].calls != 1 {
		t.Fatalf("fiat fetched %d times, want 1", fx.fiat[0].calls)
	}
	assertSnapshotsEqual(t, first, second)
}

func assertSnapshotsEqual(t *testing.T, a, b Snapshot) {
	t.Helper()
	if !a.CryptoRate.Equal(b.CryptoRate) || !a.FiatRate.Equal(b.FiatRate) ||
		!a.RawFiatRate.Equal(b.RawFiatRate) || !a.SpreadPercent.Equal(b.SpreadPercent) ||
		!a.MarkupPercent.Equal(b.MarkupPercent) ||
		a.CryptoKnown != b.CryptoKnown || a.FiatKnown != b.FiatKnown ||
		a.ManualOverride != b.ManualOverride ||
		!a.CryptoFetchedAt.Equal(b.CryptoFetchedAt) || !a.FiatFetchedAt.Equal(b.FiatFetchedAt) ||
		!a.LastUpdated.Equal(b.LastUpdated) {
		t.Fatalf("snapshots differ:\n%+v\n%+v", a, b)
	}
}

func TestSnapshotRefreshAfterTTL(t *testing.T) {
	fx := newFixture(t,
		&stubFetcher{name: "valr", rate: decimal.RequireFromString("18.40")},
		&stubFetcher{name: "primary", rate: decimal.RequireFromString("18.00")},
	)

	fx.svc.GetSnapshot(context.Background(), false)
	fx.clock.advance(4 * time.Minute)
	fx.svc.GetSnapshot(context.Background(), false)

	if fx.crypto.calls != 2 {
		t.Fatalf("crypto should refresh after TTL, calls = %d", fx.crypto.calls)
	}
	if fx.fiat[0].calls != 1 {
		t.Fatalf("fiat TTL has not elapsed, calls = %d", fx.fiat[0].calls)
	}
}

func TestSnapshotForceBypassesTTL(t *testing.T) {
	fx := newFixture(t,
		&stubFetcher{name: "valr", rate: decimal.RequireFromString("18.40")},
		&stubFetcher{name: "primary", rate: decimal.RequireFromString("18.00")},
	)

	fx.svc.GetSnapshot(context.Background(), false)
	fx.svc.GetSnapshot(context.Background(), true)

	if fx.crypto.calls != 2 || fx.fiat[0].calls != 2 {
		t.Fatalf("force should refetch both legs: crypto=%d fiat=%d", fx.crypto.calls, fx.fiat[0].calls)
	}
}

func TestFiatFallbackOrder(t *testing.T) {
	fx := newFixture(t,
		&stubFetcher{name: "valr", rate: decimal.RequireFromString("18.40")},
		&stubFetcher{name: "first", err: fetcher.ErrUpstreamUnavailable},
		&stubFetcher{name: "second", err: fetcher.ErrUpstreamUnavailable},
		&stubFetcher{name: "third", rate: decimal.RequireFromString("18.10")},
	)

	snap := fx.svc.GetSnapshot(context.Background(), false)

	if !snap.RawFiatRate.Equal(decimal.RequireFromString("18.10")) {
		t.Fatalf("fallback should land on third provider, got %s", snap.RawFiatRate)
	}
	if fx.fiat[0].calls != 1 || fx.fiat[1].calls != 1 || fx.fiat[2].calls != 1 {
		t.Fatalf("each provider should be attempted exactly once: %d %d %d",
			fx.fiat[0].calls, fx.fiat[1].calls, fx.fiat[2].calls)
	}
}

func TestFiatDegradationKeepsCachedValue(t *testing.T) {
	primary := &stubFetcher{name: "primary", rate: decimal.RequireFromString("18.00")}
	fx := newFixture(t,
		&stubFetcher{name: "valr", rate: decimal.RequireFromString("18.40")},
		primary,
	)

	fx.svc.GetSnapshot(context.Background(), false)

	// Provider starts failing after the fiat TTL elapses.
	primary.err = fetcher.ErrUpstreamUnavailable
	fx.clock.advance(4 * time.Hour)

	snap := fx.svc.GetSnapshot(context.Background(), false)
	if !snap.FiatKnown {
		t.Fatal("cached fiat value should survive provider outage")
	}
	if !snap.RawFiatRate.Equal(decimal.RequireFromString("18.00")) {
		t.Fatalf("degraded snapshot should keep last known value, got %s", snap.RawFiatRate)
	}
}

func TestManualOverridePrecedence(t *testing.T) {
	fx := newFixture(t,
		&stubFetcher{name: "valr", rate: decimal.RequireFromString("18.40")},
		&stubFetcher{name: "primary", rate: decimal.RequireFromString("18.00")},
	)

	fx.svc.GetSnapshot(context.Background(), false)

	if err := fx.svc.SetManualFiatRate(decimal.RequireFromString("19.0")); err != nil {
		t.Fatalf("set manual: %v", err)
	}

	snap := fx.svc.GetSnapshot(context.Background(), false)
	if !snap.RawFiatRate.Equal(decimal.RequireFromString("19.0")) {
		t.Fatalf("override should win over fetched value, got %s", snap.RawFiatRate)
	}
	if !snap.ManualOverride {
		t.Fatal("snapshot should flag the override")
	}

	if err := fx.svc.ClearManualFiatRate(); err != nil {
		t.Fatalf("clear manual: %v", err)
	}
	snap = fx.svc.GetSnapshot(context.Background(), false)
	if !snap.RawFiatRate.Equal(decimal.RequireFromString("18.00")) {
		t.Fatalf("fetched value should return after clearing, got %s", snap.RawFiatRate)
	}
}

func TestManualOverrideValidationAndHook(t *testing.T) {
	fx := newFixture(t,
		&stubFetcher{name: "valr", rate: decimal.RequireFromString("18.40")},
		&stubFetcher{name: "primary", rate: decimal.RequireFromString("18.00")},
	)

	var pushed []Snapshot
	fx.svc.SetUpdateHook(func(s Snapshot) { pushed = append(pushed, s) })

	if err := fx.svc.SetManualFiatRate(decimal.NewFromInt(-1)); err != ErrInvalidRate {
		t.Fatalf("negative rate should be rejected, got %v", err)
	}
	if err := fx.svc.SetManualFiatRate(decimal.Zero); err != ErrInvalidRate {
		t.Fatalf("zero rate should be rejected, got %v", err)
	}
	if len(pushed) != 0 {
		t.Fatal("rejected override must not broadcast")
	}

	if err := fx.svc.SetManualFiatRate(decimal.RequireFromString("19.0")); err != nil {
		t.Fatalf("set manual: %v", err)
	}
	if len(pushed) != 1 {
		t.Fatalf("accepted override should broadcast once, got %d", len(pushed))
	}
	if !pushed[0].RawFiatRate.Equal(decimal.RequireFromString("19.0")) {
		t.Fatalf("broadcast snapshot should carry the override, got %s", pushed[0].RawFiatRate)
	}
}

func TestSnapshotDegradesWhenCryptoNeverFetched(t *testing.T) {
	fx := newFixture(t,
		&stubFetcher{name: "valr", err: fetcher.ErrUpstreamUnavailable},
		&stubFetcher{name: "primary", rate: decimal.RequireFromString("18.00")},
	)

	snap := fx.svc.GetSnapshot(context.Background(), false)

	if snap.CryptoKnown {
		t.Fatal("crypto leg should be unknown")
	}
	if !snap.CryptoRate.IsZero() {
		t.Fatalf("unknown crypto leg should read zero, got %s", snap.CryptoRate)
	}
	if !snap.SpreadPercent.IsZero() {
		t.Fatalf("spread must be zero with an unknown leg, got %s", snap.SpreadPercent)
	}
	if !snap.FiatKnown {
		t.Fatal("fiat leg should still be served")
	}
}

func TestCryptoRatePassthrough(t *testing.T) {
	fx := newFixture(t,
		&stubFetcher{name: "valr", rate: decimal.RequireFromString("18.40")},
		&stubFetcher{name: "primary", rate: decimal.RequireFromString("18.00")},
	)

	first, err := fx.svc.CryptoRate(context.Background())
	if err != nil {
		t.Fatalf("crypto rate: %v", err)
	}
	if first.FromCache {
		t.Fatal("first read should be fresh")
	}

	second, err := fx.svc.CryptoRate(context.Background())
	if err != nil {
		t.Fatalf("crypto rate: %v", err)
	}
	if !second.FromCache {
		t.Fatal("second read within TTL should come from cache")
	}
	if fx.crypto.calls != 1 {
		t.Fatalf("cached read must not hit upstream, calls = %d", fx.crypto.calls)
	}
}

func TestFiatRateNeverObtained(t *testing.T) {
	fx := newFixture(t,
		&stubFetcher{name: "valr", rate: decimal.RequireFromString("18.40")},
		&stubFetcher{name: "primary", err: fetcher.ErrUpstreamUnavailable},
	)

	if _, err := fx.svc.FiatRate(context.Background()); err == nil {
		t.Fatal("fiat read with no history should fail")
	}
}
