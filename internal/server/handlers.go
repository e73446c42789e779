package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cybernetix3d/arbitrage/internal/ratelimit"
	"github.com/cybernetix3d/arbitrage/internal/service"
	"github.com/cybernetix3d/arbitrage/internal/storage"
)

const defaultHistoryLimit = 100

// Handlers carries the HTTP surface for the rate service.
type Handlers struct {
	svc        *service.Service
	hub        *Hub
	store      storage.SnapshotStore
	apiLimiter *ratelimit.Bucket
	logger     zerolog.Logger

	cryptoTTL time.Duration
	pair      string
	baseCode  string
	quoteCode string
	now       func() time.Time
}

// HandlerOptions configures the HTTP layer.
type HandlerOptions struct {
	CryptoTTL time.Duration
	Pair      string
	BaseCode  string
	QuoteCode string
	Now       func() time.Time
}

func NewHandlers(svc *service.Service, hub *Hub, store storage.SnapshotStore, apiLimiter *ratelimit.Bucket, opts HandlerOptions, logger zerolog.Logger) *Handlers {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Handlers{
		svc:        svc,
		hub:        hub,
		store:      store,
		apiLimiter: apiLimiter,
		logger:     logger.With().Str("component", "http").Logger(),
		cryptoTTL:  opts.CryptoTTL,
		pair:       opts.Pair,
		baseCode:   opts.BaseCode,
		quoteCode:  opts.QuoteCode,
		now:        now,
	}
}

// Router assembles the chi router for all pull endpoints plus the
// websocket upgrade path.
func (h *Handlers) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", h.handleHealth)
	r.Get("/ws", h.hub.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/rates", h.handleRates)
		r.Get("/crypto_rate", h.handleCryptoRate)
		r.Get("/exchange_rate", h.handleExchangeRate)
		r.Post("/set_market_rate", h.handleSetMarketRate)
		r.Delete("/set_market_rate", h.handleClearMarketRate)
		r.Get("/history", h.handleHistory)
	})

	return r
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthPayload{Status: "ok", Timestamp: h.now().UTC()})
}

func (h *Handlers) handleRates(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	// Forced pulls skip the pull limiter; the provider limiters inside
	// the service still apply.
	if !force && !h.allowRequest(w) {
		return
	}

	snap := h.svc.GetSnapshot(r.Context(), force)
	if !snap.CryptoKnown {
		writeJSON(w, http.StatusInternalServerError, errorPayload{Error: "crypto rate unavailable"})
		return
	}

	if force {
		w.Header().Set("Cache-Control", "no-store")
	} else {
		remaining := h.cryptoTTL - h.now().Sub(snap.CryptoFetchedAt)
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(remaining.Seconds())))
	}
	writeJSON(w, http.StatusOK, newRatesPayload(snap))
}

func (h *Handlers) handleCryptoRate(w http.ResponseWriter, r *http.Request) {
	if !h.allowRequest(w) {
		return
	}

	res, err := h.svc.CryptoRate(r.Context())
	if err != nil {
		var rl *service.RateLimitedError
		switch {
		case errors.As(err, &rl):
			writeRateLimited(w, rl.RetryAfter)
		case errors.Is(err, service.ErrNeverFetched):
			writeJSON(w, http.StatusBadGateway, errorPayload{Error: "crypto rate not yet available"})
		default:
			h.logger.Error().Err(err).Msg("crypto rate request failed")
			writeJSON(w, http.StatusBadGateway, errorPayload{Error: "upstream exchange unavailable"})
		}
		return
	}

	writeJSON(w, http.StatusOK, cryptoRatePayload{
		CurrencyPair: h.pair,
		BidPrice:     res.Value.String(),
		FromCache:    res.FromCache,
		LastUpdated:  res.FetchedAt,
	})
}

func (h *Handlers) handleExchangeRate(w http.ResponseWriter, r *http.Request) {
	if !h.allowRequest(w) {
		return
	}

	res, err := h.svc.FiatRate(r.Context())
	if err != nil {
		var rl *service.RateLimitedError
		switch {
		case errors.As(err, &rl):
			writeRateLimited(w, rl.RetryAfter)
		case errors.Is(err, service.ErrNeverFetched):
			writeJSON(w, http.StatusInternalServerError, errorPayload{Error: "market rate not yet available"})
		default:
			h.logger.Error().Err(err).Msg("exchange rate request failed")
			writeJSON(w, http.StatusBadGateway, errorPayload{Error: "upstream providers unavailable"})
		}
		return
	}

	writeJSON(w, http.StatusOK, exchangeRatePayload{
		Result:         "success",
		BaseCode:       h.baseCode,
		TargetCode:     h.quoteCode,
		ConversionRate: res.Value.InexactFloat64(),
		FromCache:      res.FromCache,
		LastUpdated:    res.FetchedAt,
	})
}

func (h *Handlers) handleSetMarketRate(w http.ResponseWriter, r *http.Request) {
	var req setMarketRateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorPayload{Error: "invalid JSON body"})
		return
	}
	if req.MarketRate == nil {
		writeJSON(w, http.StatusBadRequest, errorPayload{Error: "marketRate is required"})
		return
	}
	v := *req.MarketRate
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		writeJSON(w, http.StatusBadRequest, errorPayload{Error: "marketRate must be a positive finite number"})
		return
	}

	rate := decimal.NewFromFloat(v)
	if err := h.svc.SetManualFiatRate(rate); err != nil {
		if errors.Is(err, service.ErrInvalidRate) {
			writeJSON(w, http.StatusBadRequest, errorPayload{Error: "marketRate must be a positive finite number"})
			return
		}
		h.logger.Error().Err(err).Msg("manual rate update failed")
		writeJSON(w, http.StatusInternalServerError, errorPayload{Error: "failed to store manual rate"})
		return
	}

	writeJSON(w, http.StatusOK, setMarketRateResponse{Success: true, MarketRate: v})
}

func (h *Handlers) handleClearMarketRate(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ClearManualFiatRate(); err != nil {
		h.logger.Error().Err(err).Msg("manual rate clear failed")
		writeJSON(w, http.StatusInternalServerError, errorPayload{Error: "failed to clear manual rate"})
		return
	}
	writeJSON(w, http.StatusOK, setMarketRateResponse{Success: true})
}

func (h *Handlers) handleHistory(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorPayload{Error: "history storage not configured"})
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorPayload{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}

	records, err := h.store.ListRecentSnapshots(r.Context(), limit)
	if err != nil {
		if errors.Is(err, storage.ErrNotConfigured) {
			writeJSON(w, http.StatusServiceUnavailable, errorPayload{Error: "history storage not configured"})
			return
		}
		h.logger.Error().Err(err).Msg("history query failed")
		writeJSON(w, http.StatusInternalServerError, errorPayload{Error: "failed to load history"})
		return
	}

	entries := make([]historyEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, historyEntry{
			ObservedAt:     rec.ObservedAt,
			CryptoRate:     rec.CryptoRate.InexactFloat64(),
			MarketRate:     rec.MarketRate.InexactFloat64(),
			RawMarketRate:  rec.RawMarketRate.InexactFloat64(),
			Markup:         rec.MarkupPct.InexactFloat64(),
			Spread:         rec.SpreadPct.InexactFloat64(),
			ManualOverride: rec.ManualOverride,
		})
	}
	writeJSON(w, http.StatusOK, entries)
}

// allowRequest charges one token from the shared API limiter and writes
// the 429 response itself when the bucket is empty.
func (h *Handlers) allowRequest(w http.ResponseWriter) bool {
	if h.apiLimiter == nil || h.apiLimiter.TryConsume(1) {
		return true
	}
	writeRateLimited(w, h.apiLimiter.WaitTime(1))
	return false
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	secs := retryAfter.Seconds()
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(secs))))
	writeJSON(w, http.StatusTooManyRequests, rateLimitedPayload{
		Error:      "rate limit exceeded",
		RetryAfter: secs,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
