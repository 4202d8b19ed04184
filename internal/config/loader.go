package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the TOML file at path over Defaults, then applies .env and
// environment overrides. An empty path or a missing file yields the
// defaults. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides reads MOOD_* variables and overwrites the matching
// fields when set. PORT, DATABASE_URL and REDIS_URL are honoured as well.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Server.Port, "PORT")
	setStr(&cfg.Server.Port, "MOOD_SERVER_PORT")
	setStr(&cfg.Log.Level, "MOOD_LOG_LEVEL")

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Store.DSN = dsn
		cfg.Store.Driver = "postgres"
	}
	setStr(&cfg.Store.RedisURL, "REDIS_URL")
	setStr(&cfg.Store.Driver, "MOOD_STORE_DRIVER")
	setStr(&cfg.Store.DSN, "MOOD_STORE_DSN")
	setStr(&cfg.Store.SQLitePath, "MOOD_STORE_SQLITE_PATH")
	setStr(&cfg.Store.RedisURL, "MOOD_STORE_REDIS_URL")
	setDuration(&cfg.Store.CacheTTL, "MOOD_STORE_CACHE_TTL")

	setDuration(&cfg.Settlement.Interval, "MOOD_SETTLEMENT_INTERVAL")
	setDuration(&cfg.Settlement.OracleTimeout, "MOOD_SETTLEMENT_ORACLE_TIMEOUT")
	setDuration(&cfg.Settlement.LockTTL, "MOOD_SETTLEMENT_LOCK_TTL")

	setInt(&cfg.Delivery.MaxAttempts, "MOOD_DELIVERY_MAX_ATTEMPTS")
	setDuration(&cfg.Delivery.BaseBackoff, "MOOD_DELIVERY_BASE_BACKOFF")
	setInt(&cfg.Delivery.Workers, "MOOD_DELIVERY_WORKERS")
	setInt(&cfg.Delivery.QueueSize, "MOOD_DELIVERY_QUEUE_SIZE")

	setStr(&cfg.Oracle.Driver, "MOOD_ORACLE_DRIVER")
	setStringSlice(&cfg.Oracle.Relays, "MOOD_ORACLE_RELAYS")
	setStr(&cfg.Oracle.LexiconPath, "MOOD_ORACLE_LEXICON_PATH")

	setStr(&cfg.Lightning.Driver, "MOOD_LIGHTNING_DRIVER")
	setStr(&cfg.Lightning.URL, "MOOD_LIGHTNING_URL")
	setStr(&cfg.Lightning.APIKey, "MOOD_LIGHTNING_API_KEY")
	setDuration(&cfg.Lightning.InvoiceExpiry, "MOOD_LIGHTNING_INVOICE_EXPIRY")
	setFloat64(&cfg.Lightning.RateLimit, "MOOD_LIGHTNING_RATE_LIMIT")

	setFloat64(&cfg.Market.DefaultFeePercent, "MOOD_MARKET_DEFAULT_FEE_PERCENT")
	setStr(&cfg.Market.MemoPrefix, "MOOD_MARKET_MEMO_PREFIX")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		*dst = cleaned
	}
}
