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

// ValrOptions parameterise the VALR exchange fetcher.
type ValrOptions struct {
	BaseURL string
	APIKey  string
	Pair    string
	Timeout time.Duration
}

// Valr fetches the best bid for a crypto pair from the VALR public API.
type Valr struct {
	opts    ValrOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewValr constructs the crypto-leg fetcher.
func NewValr(opts ValrOptions, logger zerolog.Logger) *Valr {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.valr.com"
	}
	if opts.Pair == "" {
		opts.Pair = "USDCZAR"
	}

	return &Valr{
		opts:    opts,
		logger:  logger.With().Str("component", "valr_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Name implements RateFetcher.
func (v *Valr) Name() string { return "valr" }

type valrMarketSummary struct {
	CurrencyPair string `json:"currencyPair"`
	BidPrice     string `json:"bidPrice"`
	AskPrice     string `json:"askPrice"`
	LastPrice    string `json:"lastTradedPrice"`
}

// FetchRate retrieves the market summary and returns the best bid.
func (v *Valr) FetchRate(ctx context.Context) (decimal.Decimal, error) {
	endpoint := v.baseURL + "/v1/public/" + v.opts.Pair + "/marketsummary"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, unavailable(v.Name(), err)
	}
	req.Header.Set("Accept", "application/json")
	if v.opts.APIKey != "" {
		req.Header.Set("X-Api-Key", v.opts.APIKey)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, unavailable(v.Name(), err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Decimal{}, unavailable(v.Name(), err)
	}

	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, classifyStatus(v.Name(), resp.StatusCode, payload)
	}

	var summary valrMarketSummary
	if err := json.Unmarshal(payload, &summary); err != nil {
		return decimal.Decimal{}, malformed(v.Name(), "invalid json: "+err.Error())
	}
	if summary.BidPrice == "" {
		return decimal.Decimal{}, malformed(v.Name(), "bidPrice missing")
	}

	bid, err := decimal.NewFromString(summary.BidPrice)
	if err != nil {
		return decimal.Decimal{}, malformed(v.Name(), "bidPrice not numeric: "+summary.BidPrice)
	}
	if bid.Sign() <= 0 {
		return decimal.Decimal{}, malformed(v.Name(), "bidPrice not positive: "+summary.BidPrice)
	}

	v.logger.Debug().Str("pair", v.opts.Pair).Str("bid", summary.BidPrice).Msg("fetched market summary")
	return bid, nil
}

var _ RateFetcher = (*Valr)(nil)
