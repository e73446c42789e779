package fetcher

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// FrankfurterOptions parameterise the Frankfurter fetcher.
type FrankfurterOptions struct {
	BaseURL string
	// Target is the local currency, Quote the foreign one. Frankfurter
	// quotes everything against EUR, so the pair is triangulated.
	Target  string
	Quote   string
	Timeout time.Duration
}

// Frankfurter is the last-resort fiat provider. It needs no credentials
// but only exposes EUR-based tables; the Target/Quote rate is computed
// through the shared EUR leg.
type Frankfurter struct {
	opts    FrankfurterOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewFrankfurter constructs the fetcher.
func NewFrankfurter(opts FrankfurterOptions, logger zerolog.Logger) *Frankfurter {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.frankfurter.app"
	}
	if opts.Target == "" {
		opts.Target = "ZAR"
	}
	if opts.Quote == "" {
		opts.Quote = "USD"
	}

	return &Frankfurter{
		opts:    opts,
		logger:  logger.With().Str("component", "frankfurter_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Name implements RateFetcher.
func (f *Frankfurter) Name() string { return "frankfurter" }

type frankfurterResponse struct {
	Base  string             `json:"base"`
	Rates map[string]float64 `json:"rates"`
}

// FetchRate returns Target per one Quote via the EUR cross rate:
// rate = eurRates[Target] / eurRates[Quote].
func (f *Frankfurter) FetchRate(ctx context.Context) (decimal.Decimal, error) {
	endpoint := f.baseURL + "/latest?to=" + f.opts.Target + "," + f.opts.Quote
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, unavailable(f.Name(), err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, unavailable(f.Name(), err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Decimal{}, unavailable(f.Name(), err)
	}

	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, classifyStatus(f.Name(), resp.StatusCode, payload)
	}

	var body frankfurterResponse
	if err := json.Unmarshal(payload, &body); err != nil {
		return decimal.Decimal{}, malformed(f.Name(), "invalid json: "+err.Error())
	}

	target, ok := body.Rates[f.opts.Target]
	if !ok || target <= 0 {
		return decimal.Decimal{}, malformed(f.Name(), "rate for "+f.opts.Target+" missing or not positive")
	}
	quote, ok := body.Rates[f.opts.Quote]
	if !ok || quote <= 0 {
		return decimal.Decimal{}, malformed(f.Name(), "rate for "+f.opts.Quote+" missing or not positive")
	}

	rate := decimal.NewFromFloat(target).Div(decimal.NewFromFloat(quote))
	f.logger.Debug().Str("target", f.opts.Target).Str("quote", f.opts.Quote).Str("rate", rate.String()).Msg("triangulated cross rate")
	return rate, nil
}

var _ RateFetcher = (*Frankfurter)(nil)
