package app

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cybernetix3d/arbitrage/internal/alerting"
	"github.com/cybernetix3d/arbitrage/internal/cache"
	"github.com/cybernetix3d/arbitrage/internal/config"
	"github.com/cybernetix3d/arbitrage/internal/fetcher"
	"github.com/cybernetix3d/arbitrage/internal/ratelimit"
	"github.com/cybernetix3d/arbitrage/internal/server"
	"github.com/cybernetix3d/arbitrage/internal/service"
	"github.com/cybernetix3d/arbitrage/internal/storage"
	"github.com/cybernetix3d/arbitrage/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	alertMu   sync.Mutex
	lastAlert time.Time
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newFetchers() (fetcher.RateFetcher, []fetcher.RateFetcher) {
	crypto := fetcher.NewValr(fetcher.ValrOptions{
		BaseURL: a.Config.Valr.BaseURL,
		APIKey:  a.Config.Valr.APIKey,
		Pair:    a.Config.Valr.Pair,
		Timeout: a.Config.Valr.RequestTimeout,
	}, a.Logger)

	fiatCfg := a.Config.Fiat
	fiat := []fetcher.RateFetcher{
		fetcher.NewExchangeRateAPI(fetcher.ExchangeRateAPIOptions{
			BaseURL: fiatCfg.ExchangeRateAPI.BaseURL,
			APIKey:  fiatCfg.ExchangeRateAPI.APIKey,
			Base:    fiatCfg.Base,
			Quote:   fiatCfg.Quote,
			Timeout: fiatCfg.RequestTimeout,
		}, a.Logger),
		fetcher.NewOpenExchangeRates(fetcher.OpenExchangeRatesOptions{
			BaseURL: fiatCfg.OpenExchangeRates.BaseURL,
			AppID:   fiatCfg.OpenExchangeRates.AppID,
			Target:  fiatCfg.Base,
			Timeout: fiatCfg.RequestTimeout,
		}, a.Logger),
		fetcher.NewFrankfurter(fetcher.FrankfurterOptions{
			BaseURL: fiatCfg.Frankfurter.BaseURL,
			Target:  fiatCfg.Base,
			Quote:   fiatCfg.Quote,
			Timeout: fiatCfg.RequestTimeout,
		}, a.Logger),
	}

	return crypto, fiat
}

func (a *App) newLimiter(limit config.LimitConfig) *ratelimit.Bucket {
	return ratelimit.New(ratelimit.Options{
		MaxTokens:       limit.Burst,
		RefillPerSecond: limit.RefillPerSecond(),
	})
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openCache() (*cache.Cache, error) {
	c := cache.New(a.Config.Cache.Path, a.Logger)
	if err := c.Load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newService(c *cache.Cache) *service.Service {
	crypto, fiat := a.newFetchers()
	return service.New(c, crypto, fiat,
		a.newLimiter(a.Config.Limits.Crypto),
		a.newLimiter(a.Config.Limits.Fiat),
		service.Options{
			CryptoTTL:     a.Config.Rates.CryptoTTL,
			FiatTTL:       a.Config.Rates.FiatTTL,
			MarkupPercent: decimal.NewFromFloat(a.Config.Rates.MarkupPercent),
		},
		a.Logger,
	)
}

// Run executes the long-running rate service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := a.openCache()
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; history persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	svc := a.newService(c)
	notifier := a.newNotifier()

	apiLimiter := a.newLimiter(a.Config.Limits.API)
	hub := server.NewHub(svc, apiLimiter, server.HubOptions{
		BroadcastInterval: a.Config.Server.BroadcastInterval,
		PruneInterval:     a.Config.Server.PruneInterval,
	}, a.Logger)
	svc.SetUpdateHook(hub.Publish)
	hub.SetTickObserver(a.tickObserver(store, notifier))

	var snapshotStore storage.SnapshotStore
	if store != nil {
		snapshotStore = store
	}

	handlers := server.NewHandlers(svc, hub, snapshotStore, apiLimiter, server.HandlerOptions{
		CryptoTTL: a.Config.Rates.CryptoTTL,
		Pair:      a.Config.Valr.Pair,
		BaseCode:  a.Config.Fiat.Base,
		QuoteCode: a.Config.Fiat.Quote,
	}, a.Logger)

	srv := server.New(handlers.Router(), server.ServerOptions{
		Addr:            a.Config.Server.Addr,
		ReadTimeout:     a.Config.Server.ReadTimeout,
		WriteTimeout:    a.Config.Server.WriteTimeout,
		ShutdownTimeout: a.Config.Server.ShutdownTimeout,
	}, a.Logger)

	go hub.Run(ctx)

	a.Logger.Info().Str("version", version.String()).Msg("starting rate service")
	err = srv.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("server terminated with error")
		return err
	}

	a.Logger.Info().Msg("rate service stopped")
	return nil
}

// tickObserver records each broadcast snapshot into history and raises
// spread alerts when the configured threshold is breached.
func (a *App) tickObserver(store *storage.Store, notifier alerting.Notifier) server.TickObserver {
	return func(ctx context.Context, snap service.Snapshot) {
		if !snap.CryptoKnown || !snap.FiatKnown {
			return
		}

		if store != nil {
			rec := storage.SnapshotRecord{
				ObservedAt:     snap.LastUpdated,
				CryptoRate:     snap.CryptoRate,
				MarketRate:     snap.FiatRate,
				RawMarketRate:  snap.RawFiatRate,
				MarkupPct:      snap.MarkupPercent,
				SpreadPct:      snap.SpreadPercent,
				ManualOverride: snap.ManualOverride,
			}
			if _, err := store.InsertSnapshot(ctx, rec); err != nil {
				a.Logger.Error().Err(err).Msg("failed to record snapshot")
			}
		}

		a.maybeAlert(ctx, notifier, snap)
	}
}

func (a *App) maybeAlert(ctx context.Context, notifier alerting.Notifier, snap service.Snapshot) {
	if notifier == nil || !a.Config.Alerting.Enabled {
		return
	}

	threshold := decimal.NewFromFloat(a.Config.Alerting.ThresholdPct)
	if snap.SpreadPercent.Abs().LessThan(threshold) {
		return
	}

	a.alertMu.Lock()
	if !a.lastAlert.IsZero() && time.Since(a.lastAlert) < a.Config.Alerting.Cooldown {
		a.alertMu.Unlock()
		return
	}
	a.lastAlert = time.Now()
	a.alertMu.Unlock()

	note := alerting.Notification{
		ObservedAt:   snap.LastUpdated,
		CryptoRate:   snap.CryptoRate,
		MarketRate:   snap.FiatRate,
		SpreadPct:    snap.SpreadPercent,
		ThresholdPct: threshold,
	}
	if err := notifier.Notify(ctx, note); err != nil {
		a.Logger.Error().Err(err).Msg("failed to deliver spread alert")
	}
}
