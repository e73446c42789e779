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

// ExchangeRateAPIOptions parameterise the ExchangeRate-API fetcher.
type ExchangeRateAPIOptions struct {
	BaseURL string
	APIKey  string
	// Base is the local currency whose conversion table is requested.
	Base string
	// Quote is the foreign currency; the returned rate is Base per Quote.
	Quote   string
	Timeout time.Duration
}

// ExchangeRateAPI is the primary fiat provider. The API returns a
// conversion table for the local currency, so the rate is derived by
// inverting the local-to-foreign entry.
type ExchangeRateAPI struct {
	opts    ExchangeRateAPIOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewExchangeRateAPI constructs the fetcher.
func NewExchangeRateAPI(opts ExchangeRateAPIOptions, logger zerolog.Logger) *ExchangeRateAPI {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://v6.exchangerate-api.com/v6"
	}
	if opts.Base == "" {
		opts.Base = "ZAR"
	}
	if opts.Quote == "" {
		opts.Quote = "USD"
	}

	return &ExchangeRateAPI{
		opts:    opts,
		logger:  logger.With().Str("component", "exchangerateapi_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Name implements RateFetcher.
func (e *ExchangeRateAPI) Name() string { return "exchangerate-api" }

type exchangeRateAPIResponse struct {
	Result          string             `json:"result"`
	BaseCode        string             `json:"base_code"`
	ConversionRates map[string]float64 `json:"conversion_rates"`
	ErrorType       string             `json:"error-type"`
}

// FetchRate returns units of Base per one Quote, inverted from the
// Base-denominated conversion table.
func (e *ExchangeRateAPI) FetchRate(ctx context.Context) (decimal.Decimal, error) {
	endpoint := e.baseURL + "/" + e.opts.APIKey + "/latest/" + e.opts.Base
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, unavailable(e.Name(), err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, unavailable(e.Name(), err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Decimal{}, unavailable(e.Name(), err)
	}

	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, classifyStatus(e.Name(), resp.StatusCode, payload)
	}

	var body exchangeRateAPIResponse
	if err := json.Unmarshal(payload, &body); err != nil {
		return decimal.Decimal{}, malformed(e.Name(), "invalid json: "+err.Error())
	}
	if body.Result != "success" {
		if body.ErrorType == "invalid-key" || body.ErrorType == "inactive-account" {
			return decimal.Decimal{}, classifyStatus(e.Name(), http.StatusForbidden, []byte(body.ErrorType))
		}
		return decimal.Decimal{}, malformed(e.Name(), "result="+body.Result+" error="+body.ErrorType)
	}

	perBase, ok := body.ConversionRates[e.opts.Quote]
	if !ok || perBase <= 0 {
		return decimal.Decimal{}, malformed(e.Name(), "conversion rate for "+e.opts.Quote+" missing or not positive")
	}

	rate := decimal.NewFromInt(1).Div(decimal.NewFromFloat(perBase))
	e.logger.Debug().Str("base", e.opts.Base).Str("quote", e.opts.Quote).Str("rate", rate.String()).Msg("fetched conversion table")
	return rate, nil
}

var _ RateFetcher = (*ExchangeRateAPI)(nil)
