package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Market.DefaultFee().String() != "5" {
		t.Errorf("default fee = %s, want 5", cfg.Market.DefaultFee())
	}
}

func TestLoad_TOMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	src := `
[store]
driver = "sqlite"
sqlite_path = "/tmp/mood.db"

[settlement]
interval = "45s"

[delivery]
max_attempts = 5

[oracle]
driver = "relay"
relays = ["wss://a.example", "wss://b.example"]
lexicon_path = "afinn.txt"

[oracle.scores]
"5c83da77" = 0.75
`
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.SQLitePath != "/tmp/mood.db" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Settlement.Interval.Duration != 45*time.Second {
		t.Errorf("interval = %v", cfg.Settlement.Interval)
	}
	if cfg.Delivery.MaxAttempts != 5 || cfg.Delivery.Workers != 4 {
		t.Errorf("delivery = %+v", cfg.Delivery)
	}
	if len(cfg.Oracle.Relays) != 2 {
		t.Errorf("relays = %v", cfg.Oracle.Relays)
	}
	if cfg.Oracle.Scores["5c83da77"] != 0.75 {
		t.Errorf("scores = %v", cfg.Oracle.Scores)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Driver != "memory" || cfg.Server.Port != "8080" {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/mood")
	t.Setenv("MOOD_SETTLEMENT_INTERVAL", "1m")
	t.Setenv("MOOD_ORACLE_RELAYS", "wss://x.example, ,wss://y.example")
	t.Setenv("MOOD_DELIVERY_WORKERS", "not-a-number")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.DSN != "postgres://localhost/mood" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Settlement.Interval.Duration != time.Minute {
		t.Errorf("interval = %v", cfg.Settlement.Interval)
	}
	if got := cfg.Oracle.Relays; len(got) != 2 || got[1] != "wss://y.example" {
		t.Errorf("relays = %v", got)
	}
	if cfg.Delivery.Workers != 4 {
		t.Errorf("invalid int override should be ignored, got %d", cfg.Delivery.Workers)
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Store.Driver = "postgres"
	cfg.Lightning.Driver = "lnbits"
	cfg.Market.DefaultFeePercent = 25
	cfg.Delivery.MaxAttempts = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"store.dsn", "lightning.url", "default_fee_percent", "max_attempts"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}
