package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/cybernetix3d/arbitrage/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Server   ServerConfig   `mapstructure:"server"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Database DatabaseConfig `mapstructure:"database"`
	Rates    RatesConfig    `mapstructure:"rates"`
	Valr     ValrConfig     `mapstructure:"valr"`
	Fiat     FiatConfig     `mapstructure:"fiat"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig governs the HTTP/WebSocket listener.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	BroadcastInterval time.Duration `mapstructure:"broadcast_interval"`
	PruneInterval     time.Duration `mapstructure:"prune_interval"`
}

// CacheConfig locates the durable rate cache.
type CacheConfig struct {
	Path string `mapstructure:"path"`
}

// DatabaseConfig encapsulates optional PostgreSQL history storage.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RatesConfig sets freshness windows and the fiat markup.
type RatesConfig struct {
	CryptoTTL     time.Duration `mapstructure:"crypto_ttl"`
	FiatTTL       time.Duration `mapstructure:"fiat_ttl"`
	MarkupPercent float64       `mapstructure:"markup_percent"`
}

// ValrConfig covers the crypto-leg provider.
type ValrConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Pair           string        `mapstructure:"pair"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// FiatConfig covers the interchangeable fiat-leg providers.
type FiatConfig struct {
	// Base is the local currency, Quote the foreign one.
	Base  string `mapstructure:"base"`
	Quote string `mapstructure:"quote"`

	ExchangeRateAPI   ExchangeRateAPIConfig   `mapstructure:"exchangerate_api"`
	OpenExchangeRates OpenExchangeRatesConfig `mapstructure:"openexchangerates"`
	Frankfurter       FrankfurterConfig       `mapstructure:"frankfurter"`

	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ExchangeRateAPIConfig covers the primary fiat provider.
type ExchangeRateAPIConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// OpenExchangeRatesConfig covers the secondary fiat provider.
type OpenExchangeRatesConfig struct {
	BaseURL string `mapstructure:"base_url"`
	AppID   string `mapstructure:"app_id"`
}

// FrankfurterConfig covers the keyless fallback provider.
type FrankfurterConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// LimitConfig is one token bucket's budget.
type LimitConfig struct {
	Burst           float64 `mapstructure:"burst"`
	RefillPerMinute float64 `mapstructure:"refill_per_minute"`
}

// RefillPerSecond converts the configured per-minute rate.
func (l LimitConfig) RefillPerSecond() float64 {
	return l.RefillPerMinute / 60.0
}

// LimitsConfig holds the three independent admission budgets.
type LimitsConfig struct {
	Crypto LimitConfig `mapstructure:"crypto"`
	Fiat   LimitConfig `mapstructure:"fiat"`
	API    LimitConfig `mapstructure:"api"`
}

// AlertingConfig defines spread alert thresholds and routing.
type AlertingConfig struct {
	Enabled      bool           `mapstructure:"enabled"`
	ThresholdPct float64        `mapstructure:"threshold_pct"`
	Cooldown     time.Duration  `mapstructure:"cooldown"`
	Telegram     TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram alert channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "arbd")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.broadcast_interval", "30s")
	v.SetDefault("server.prune_interval", "60s")

	v.SetDefault("cache.path", "rates_cache.json")

	v.SetDefault("rates.crypto_ttl", "3m")
	v.SetDefault("rates.fiat_ttl", "3h")
	v.SetDefault("rates.markup_percent", 0.4)

	v.SetDefault("valr.base_url", "https://api.valr.com")
	v.SetDefault("valr.pair", "USDCZAR")
	v.SetDefault("valr.request_timeout", "10s")

	v.SetDefault("fiat.base", "ZAR")
	v.SetDefault("fiat.quote", "USD")
	v.SetDefault("fiat.request_timeout", "10s")
	v.SetDefault("fiat.exchangerate_api.base_url", "https://v6.exchangerate-api.com/v6")
	v.SetDefault("fiat.openexchangerates.base_url", "https://openexchangerates.org/api")
	v.SetDefault("fiat.frankfurter.base_url", "https://api.frankfurter.app")

	v.SetDefault("limits.crypto.burst", 10)
	v.SetDefault("limits.crypto.refill_per_minute", 10)
	v.SetDefault("limits.fiat.burst", 10)
	v.SetDefault("limits.fiat.refill_per_minute", 5)
	v.SetDefault("limits.api.burst", 30)
	v.SetDefault("limits.api.refill_per_minute", 30)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.threshold_pct", 2.0)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Rates.CryptoTTL <= 0 {
		return fmt.Errorf("rates.crypto_ttl must be greater than zero")
	}
	if c.Rates.FiatTTL <= 0 {
		return fmt.Errorf("rates.fiat_ttl must be greater than zero")
	}
	if c.Rates.FiatTTL < c.Rates.CryptoTTL {
		return fmt.Errorf("rates.fiat_ttl must not be shorter than rates.crypto_ttl")
	}
	if c.Rates.MarkupPercent < 0 {
		return fmt.Errorf("rates.markup_percent cannot be negative")
	}
	if c.Server.BroadcastInterval <= 0 {
		return fmt.Errorf("server.broadcast_interval must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	for name, limit := range map[string]LimitConfig{
		"limits.crypto": c.Limits.Crypto,
		"limits.fiat":   c.Limits.Fiat,
		"limits.api":    c.Limits.API,
	} {
		if limit.Burst <= 0 {
			return fmt.Errorf("%s.burst must be greater than zero", name)
		}
		if limit.RefillPerMinute < 0 {
			return fmt.Errorf("%s.refill_per_minute cannot be negative", name)
		}
	}
	if c.Alerting.ThresholdPct < 0 {
		return fmt.Errorf("alerting.threshold_pct cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required when telegram alerts are enabled")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required when telegram alerts are enabled")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
