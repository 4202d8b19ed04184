// Package config loads the market engine's configuration from a TOML file,
// a .env file and MOOD_* environment variables, in that order of
// precedence (later wins).
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Duration wraps time.Duration so TOML strings like "30s" decode into it.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Server     ServerConfig     `toml:"server"`
	Log        LogConfig        `toml:"log"`
	Store      StoreConfig      `toml:"store"`
	Settlement SettlementConfig `toml:"settlement"`
	Delivery   DeliveryConfig   `toml:"delivery"`
	Oracle     OracleConfig     `toml:"oracle"`
	Lightning  LightningConfig  `toml:"lightning"`
	Market     MarketConfig     `toml:"market"`
}

type ServerConfig struct {
	Port            string   `toml:"port"`
	ReadTimeout     Duration `toml:"read_timeout"`
	WriteTimeout    Duration `toml:"write_timeout"`
	IdleTimeout     Duration `toml:"idle_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `toml:"level"` // debug, info, warn, error
}

type StoreConfig struct {
	Driver     string   `toml:"driver"` // memory, postgres, sqlite
	DSN        string   `toml:"dsn"`
	SQLitePath string   `toml:"sqlite_path"`
	RedisURL   string   `toml:"redis_url"`
	CacheTTL   Duration `toml:"cache_ttl"`
}

type SettlementConfig struct {
	Interval      Duration `toml:"interval"`
	OracleTimeout Duration `toml:"oracle_timeout"`
	LockTTL       Duration `toml:"lock_ttl"`
}

type DeliveryConfig struct {
	MaxAttempts int      `toml:"max_attempts"`
	BaseBackoff Duration `toml:"base_backoff"`
	Workers     int      `toml:"workers"`
	QueueSize   int      `toml:"queue_size"`
}

type BreakerConfig struct {
	FailureThreshold uint32   `toml:"failure_threshold"`
	OpenFor          Duration `toml:"open_for"`
}

type OracleConfig struct {
	Driver      string             `toml:"driver"` // static, relay
	Relays      []string           `toml:"relays"`
	LexiconPath string             `toml:"lexicon_path"`
	Scores      map[string]float64 `toml:"scores"` // post id -> score, static driver only
	Breaker     BreakerConfig      `toml:"breaker"`
}

type LightningConfig struct {
	Driver        string        `toml:"driver"` // mock, lnbits
	URL           string        `toml:"url"`
	APIKey        string        `toml:"api_key"`
	InvoiceExpiry Duration      `toml:"invoice_expiry"`
	RateLimit     float64       `toml:"rate_limit"` // requests per second
	Burst         int           `toml:"burst"`
	Timeout       Duration      `toml:"timeout"`
	Breaker       BreakerConfig `toml:"breaker"`
}

type MarketConfig struct {
	DefaultFeePercent float64 `toml:"default_fee_percent"`
	MemoPrefix        string  `toml:"memo_prefix"`
}

// DefaultFee returns the default fee percentage as a decimal.
func (m MarketConfig) DefaultFee() decimal.Decimal {
	return decimal.NewFromFloat(m.DefaultFeePercent)
}

// Defaults returns a Config that runs entirely in-process.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     Duration{10 * time.Second},
			WriteTimeout:    Duration{10 * time.Second},
			IdleTimeout:     Duration{60 * time.Second},
			ShutdownTimeout: Duration{5 * time.Second},
		},
		Log: LogConfig{Level: "info"},
		Store: StoreConfig{
			Driver:     "memory",
			SQLitePath: "data/market-engine.db",
			CacheTTL:   Duration{30 * time.Second},
		},
		Settlement: SettlementConfig{
			Interval:      Duration{30 * time.Second},
			OracleTimeout: Duration{15 * time.Second},
			LockTTL:       Duration{2 * time.Minute},
		},
		Delivery: DeliveryConfig{
			MaxAttempts: 3,
			BaseBackoff: Duration{time.Second},
			Workers:     4,
			QueueSize:   256,
		},
		Oracle: OracleConfig{
			Driver: "static",
			Relays: []string{
				"wss://relay.damus.io",
				"wss://nos.lol",
				"wss://relay.nostr.band",
				"wss://nostr-pub.wellorder.net",
			},
			Breaker: BreakerConfig{FailureThreshold: 5, OpenFor: Duration{30 * time.Second}},
		},
		Lightning: LightningConfig{
			Driver:        "mock",
			InvoiceExpiry: Duration{time.Hour},
			RateLimit:     5,
			Burst:         5,
			Timeout:       Duration{30 * time.Second},
			Breaker:       BreakerConfig{FailureThreshold: 5, OpenFor: Duration{30 * time.Second}},
		},
		Market: MarketConfig{
			DefaultFeePercent: 5,
			MemoPrefix:        "NostrMood bet",
		},
	}
}

// Validate checks the combination of settings.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q: want debug, info, warn or error", c.Log.Level))
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres driver"))
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: want memory, postgres or sqlite", c.Store.Driver))
	}

	if c.Settlement.Interval.Duration <= 0 {
		errs = append(errs, errors.New("settlement.interval must be positive"))
	}

	if c.Delivery.MaxAttempts < 1 {
		errs = append(errs, errors.New("delivery.max_attempts must be at least 1"))
	}
	if c.Delivery.Workers < 1 {
		errs = append(errs, errors.New("delivery.workers must be at least 1"))
	}
	if c.Delivery.QueueSize < 1 {
		errs = append(errs, errors.New("delivery.queue_size must be at least 1"))
	}

	switch c.Oracle.Driver {
	case "static":
	case "relay":
		if len(c.Oracle.Relays) == 0 {
			errs = append(errs, errors.New("oracle.relays is required for the relay driver"))
		}
		if c.Oracle.LexiconPath == "" {
			errs = append(errs, errors.New("oracle.lexicon_path is required for the relay driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("oracle.driver %q: want static or relay", c.Oracle.Driver))
	}

	switch c.Lightning.Driver {
	case "mock":
	case "lnbits":
		if c.Lightning.URL == "" || c.Lightning.APIKey == "" {
			errs = append(errs, errors.New("lightning.url and lightning.api_key are required for the lnbits driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("lightning.driver %q: want mock or lnbits", c.Lightning.Driver))
	}
	if c.Lightning.RateLimit <= 0 {
		errs = append(errs, errors.New("lightning.rate_limit must be positive"))
	}

	if c.Market.DefaultFeePercent < 0 || c.Market.DefaultFeePercent > 20 {
		errs = append(errs, fmt.Errorf("market.default_fee_percent %v: must be within [0, 20]", c.Market.DefaultFeePercent))
	}

	return errors.Join(errs...)
}
