package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cybernetix3d/arbitrage/internal/cache"
	"github.com/cybernetix3d/arbitrage/internal/fetcher"
	"github.com/cybernetix3d/arbitrage/internal/ratelimit"
	"github.com/cybernetix3d/arbitrage/internal/service"
)

type stubFetcher struct {
	name string
	rate decimal.Decimal
	err  error
}

func (s *stubFetcher) Name() string { return s.name }

func (s *stubFetcher) FetchRate(ctx context.Context) (decimal.Decimal, error) {
	if s.err != nil {
		return decimal.Zero, s.err
	}
	return s.rate, nil
}

func noopLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type fixture struct {
	svc        *service.Service
	handlers   *Handlers
	apiLimiter *ratelimit.Bucket
	server     *httptest.Server
}

func newFixture(t *testing.T, apiTokens float64) *fixture {
	t.Helper()

	c := cache.New(filepath.Join(t.TempDir(), "rates_cache.json"), noopLogger())
	if err := c.Load(); err != nil {
		t.Fatalf("cache load: %v", err)
	}

	crypto := &stubFetcher{name: "valr", rate: decimal.RequireFromString("18.40")}
	fiat := &stubFetcher{name: "exchangerate-api", rate: decimal.RequireFromString("18.00")}

	svc := service.New(c, crypto,
		[]fetcher.RateFetcher{fiat},
		ratelimit.New(ratelimit.Options{MaxTokens: 100, RefillPerSecond: 1}),
		ratelimit.New(ratelimit.Options{MaxTokens: 100, RefillPerSecond: 1}),
		service.Options{
			CryptoTTL:     3 * time.Minute,
			FiatTTL:       3 * time.Hour,
			MarkupPercent: decimal.RequireFromString("0.4"),
		},
		noopLogger(),
	)

	apiLimiter := ratelimit.New(ratelimit.Options{MaxTokens: apiTokens, RefillPerSecond: 0.5})
	hub := NewHub(svc, apiLimiter, HubOptions{
		BroadcastInterval: time.Minute,
		PruneInterval:     time.Minute,
	}, noopLogger())

	h := NewHandlers(svc, hub, nil, apiLimiter, HandlerOptions{
		CryptoTTL: 3 * time.Minute,
		Pair:      "USDCZAR",
		BaseCode:  "ZAR",
		QuoteCode: "USD",
	}, noopLogger())

	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)

	return &fixture{svc: svc, handlers: h, apiLimiter: apiLimiter, server: srv}
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestRatesEndpoint(t *testing.T) {
	f := newFixture(t, 100)

	var got ratesPayload
	resp := getJSON(t, f.server.URL+"/api/rates", &got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if got.CryptoRate != 18.40 {
		t.Errorf("cryptoRate = %v, want 18.40", got.CryptoRate)
	}
	if math.Abs(got.MarketRate-18.072) > 1e-9 {
		t.Errorf("marketRate = %v, want 18.072", got.MarketRate)
	}
	if got.OriginalMarketRate != 18.00 {
		t.Errorf("originalMarketRate = %v, want 18.00", got.OriginalMarketRate)
	}
	if got.Markup != 0.4 {
		t.Errorf("markup = %v, want 0.4", got.Markup)
	}
	if math.Abs(got.Spread-1.814962372731297) > 1e-6 {
		t.Errorf("spread = %v", got.Spread)
	}
	if cc := resp.Header.Get("Cache-Control"); cc == "" || cc == "no-store" {
		t.Errorf("Cache-Control = %q, want public max-age", cc)
	}
}

func TestRatesForceDisablesCaching(t *testing.T) {
	f := newFixture(t, 100)

	resp := getJSON(t, f.server.URL+"/api/rates?force=true", &ratesPayload{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}
}

func TestRatesFailsWithoutCryptoRate(t *testing.T) {
	f := newFixture(t, 100)

	// Break the crypto leg before anything is cached.
	brokenCache := cache.New(filepath.Join(t.TempDir(), "rates_cache.json"), noopLogger())
	if err := brokenCache.Load(); err != nil {
		t.Fatalf("cache load: %v", err)
	}
	svc := service.New(brokenCache,
		&stubFetcher{name: "valr", err: context.DeadlineExceeded},
		[]fetcher.RateFetcher{&stubFetcher{name: "fiat", rate: decimal.New(18, 0)}},
		ratelimit.New(ratelimit.Options{MaxTokens: 10, RefillPerSecond: 1}),
		ratelimit.New(ratelimit.Options{MaxTokens: 10, RefillPerSecond: 1}),
		service.Options{CryptoTTL: time.Minute, FiatTTL: time.Hour, MarkupPercent: decimal.RequireFromString("0.4")},
		noopLogger(),
	)
	h := NewHandlers(svc, f.handlers.hub, nil, nil, HandlerOptions{CryptoTTL: time.Minute}, noopLogger())
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	resp := getJSON(t, srv.URL+"/api/rates", &errorPayload{})
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
}

func TestRatesRateLimited(t *testing.T) {
	f := newFixture(t, 1)

	if resp := getJSON(t, f.server.URL+"/api/rates", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", resp.StatusCode)
	}

	var got rateLimitedPayload
	resp := getJSON(t, f.server.URL+"/api/rates", &got)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if got.RetryAfter <= 0 {
		t.Errorf("retryAfter = %v, want > 0", got.RetryAfter)
	}

	// A forced pull is not gated by the pull limiter.
	if resp := getJSON(t, f.server.URL+"/api/rates?force=true", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("forced request status = %d, want 200", resp.StatusCode)
	}
}

func TestCryptoRateEndpoint(t *testing.T) {
	f := newFixture(t, 100)

	var got cryptoRatePayload
	resp := getJSON(t, f.server.URL+"/api/crypto_rate", &got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got.CurrencyPair != "USDCZAR" {
		t.Errorf("currencyPair = %q, want USDCZAR", got.CurrencyPair)
	}
	if got.BidPrice != "18.4" && got.BidPrice != "18.40" {
		t.Errorf("bidPrice = %q, want 18.40", got.BidPrice)
	}
	if got.FromCache {
		t.Error("first read should not be from cache")
	}

	// Second request within the TTL is served from cache.
	resp = getJSON(t, f.server.URL+"/api/crypto_rate", &got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !got.FromCache {
		t.Error("second read should be from cache")
	}
}

func TestExchangeRateEndpoint(t *testing.T) {
	f := newFixture(t, 100)

	var got exchangeRatePayload
	resp := getJSON(t, f.server.URL+"/api/exchange_rate", &got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got.Result != "success" {
		t.Errorf("result = %q, want success", got.Result)
	}
	if got.BaseCode != "ZAR" || got.TargetCode != "USD" {
		t.Errorf("codes = %q/%q, want ZAR/USD", got.BaseCode, got.TargetCode)
	}
	if got.ConversionRate != 18.00 {
		t.Errorf("conversion_rate = %v, want 18.00", got.ConversionRate)
	}
}

func TestSetMarketRate(t *testing.T) {
	f := newFixture(t, 100)

	body := bytes.NewBufferString(`{"marketRate": 19.25}`)
	resp, err := http.Post(f.server.URL+"/api/set_market_rate", "application/json", body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got setMarketRateResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Success || got.MarketRate != 19.25 {
		t.Errorf("response = %+v", got)
	}

	// Override feeds the consolidated snapshot with markup on top.
	var rates ratesPayload
	getJSON(t, f.server.URL+"/api/rates", &rates)
	if rates.OriginalMarketRate != 19.25 {
		t.Errorf("originalMarketRate = %v, want 19.25", rates.OriginalMarketRate)
	}
	if !rates.ManualOverride {
		t.Error("manualOverride should be true")
	}
}

func TestSetMarketRateRejectsBadInput(t *testing.T) {
	f := newFixture(t, 100)

	cases := []struct {
		name string
		body string
	}{
		{"missing field", `{}`},
		{"zero", `{"marketRate": 0}`},
		{"negative", `{"marketRate": -1.5}`},
		{"string value", `{"marketRate": "abc"}`},
		{"not json", `marketRate=18`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(f.server.URL+"/api/set_market_rate", "application/json", bytes.NewBufferString(tc.body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestClearMarketRate(t *testing.T) {
	f := newFixture(t, 100)

	if err := f.svc.SetManualFiatRate(decimal.RequireFromString("19.25")); err != nil {
		t.Fatalf("set override: %v", err)
	}

	req, err := http.NewRequest(http.MethodDelete, f.server.URL+"/api/set_market_rate", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var rates ratesPayload
	getJSON(t, f.server.URL+"/api/rates", &rates)
	if rates.ManualOverride {
		t.Error("manualOverride should be false after clear")
	}
	if rates.OriginalMarketRate != 18.00 {
		t.Errorf("originalMarketRate = %v, want provider value 18.00", rates.OriginalMarketRate)
	}
}

func TestHistoryWithoutStore(t *testing.T) {
	f := newFixture(t, 100)

	resp := getJSON(t, f.server.URL+"/api/history", &errorPayload{})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t, 100)

	var got healthPayload
	resp := getJSON(t, f.server.URL+"/health", &got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got.Status != "ok" {
		t.Errorf("status = %q, want ok", got.Status)
	}
	if got.Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}
}
