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

// OpenExchangeRatesOptions parameterise the Open Exchange Rates fetcher.
type OpenExchangeRatesOptions struct {
	BaseURL string
	AppID   string
	// Target is the local currency looked up in the USD-based table.
	Target  string
	Timeout time.Duration
}

// OpenExchangeRates is the secondary fiat provider. Its free tier always
// quotes against USD, which is exactly the pair we need, so the rate is
// read directly from the table.
type OpenExchangeRates struct {
	opts    OpenExchangeRatesOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewOpenExchangeRates constructs the fetcher.
func NewOpenExchangeRates(opts OpenExchangeRatesOptions, logger zerolog.Logger) *OpenExchangeRates {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://openexchangerates.org/api"
	}
	if opts.Target == "" {
		opts.Target = "ZAR"
	}

	return &OpenExchangeRates{
		opts:    opts,
		logger:  logger.With().Str("component", "openexchangerates_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Name implements RateFetcher.
func (o *OpenExchangeRates) Name() string { return "openexchangerates" }

type openExchangeRatesResponse struct {
	Base  string             `json:"base"`
	Rates map[string]float64 `json:"rates"`
}

// FetchRate returns units of Target per one USD.
func (o *OpenExchangeRates) FetchRate(ctx context.Context) (decimal.Decimal, error) {
	endpoint := o.baseURL + "/latest.json?app_id=" + o.opts.AppID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, unavailable(o.Name(), err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, unavailable(o.Name(), err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Decimal{}, unavailable(o.Name(), err)
	}

	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, classifyStatus(o.Name(), resp.StatusCode, payload)
	}

	var body openExchangeRatesResponse
	if err := json.Unmarshal(payload, &body); err != nil {
		return decimal.Decimal{}, malformed(o.Name(), "invalid json: "+err.Error())
	}

	rate, ok := body.Rates[o.opts.Target]
	if !ok || rate <= 0 {
		return decimal.Decimal{}, malformed(o.Name(), "rate for "+o.opts.Target+" missing or not positive")
	}

	result := decimal.NewFromFloat(rate)
	o.logger.Debug().Str("target", o.opts.Target).Str("rate", result.String()).Msg("fetched usd rates")
	return result, nil
}

var _ RateFetcher = (*OpenExchangeRates)(nil)
