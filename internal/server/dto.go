package server

import (
	"time"

	"github.com/cybernetix3d/arbitrage/internal/service"
)

// ratesPayload is the consolidated snapshot shape shared by the pull
// endpoint and the websocket stream.
type ratesPayload struct {
	CryptoRate         float64   `json:"cryptoRate"`
	MarketRate         float64   `json:"marketRate"`
	OriginalMarketRate float64   `json:"originalMarketRate"`
	Markup             float64   `json:"markup"`
	Spread             float64   `json:"spread"`
	ManualOverride     bool      `json:"manualOverride"`
	LastUpdated        time.Time `json:"lastUpdated"`
}

func newRatesPayload(snap service.Snapshot) ratesPayload {
	return ratesPayload{
		CryptoRate:         snap.CryptoRate.InexactFloat64(),
		MarketRate:         snap.FiatRate.InexactFloat64(),
		OriginalMarketRate: snap.RawFiatRate.InexactFloat64(),
		Markup:             snap.MarkupPercent.InexactFloat64(),
		Spread:             snap.SpreadPercent.InexactFloat64(),
		ManualOverride:     snap.ManualOverride,
		LastUpdated:        snap.LastUpdated,
	}
}

type errorPayload struct {
	Error string `json:"error"`
}

type rateLimitedPayload struct {
	Error      string  `json:"error"`
	RetryAfter float64 `json:"retryAfter"`
}

type cryptoRatePayload struct {
	CurrencyPair string    `json:"currencyPair"`
	BidPrice     string    `json:"bidPrice"`
	FromCache    bool      `json:"fromCache"`
	LastUpdated  time.Time `json:"lastUpdated"`
}

type exchangeRatePayload struct {
	Result         string    `json:"result"`
	BaseCode       string    `json:"base_code"`
	TargetCode     string    `json:"target_code"`
	ConversionRate float64   `json:"conversion_rate"`
	FromCache      bool      `json:"fromCache"`
	LastUpdated    time.Time `json:"lastUpdated"`
}

type setMarketRateRequest struct {
	MarketRate *float64 `json:"marketRate"`
}

type setMarketRateResponse struct {
	Success    bool    `json:"success"`
	MarketRate float64 `json:"marketRate,omitempty"`
}

type healthPayload struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type historyEntry struct {
	ObservedAt     time.Time `json:"observedAt"`
	CryptoRate     float64   `json:"cryptoRate"`
	MarketRate     float64   `json:"marketRate"`
	RawMarketRate  float64   `json:"originalMarketRate"`
	Markup         float64   `json:"markup"`
	Spread         float64   `json:"spread"`
	ManualOverride bool      `json:"manualOverride"`
}

// wsMessage is the envelope for every frame pushed to subscribers.
type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}
