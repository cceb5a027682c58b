package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalYAML = `
server:
  port: 8000
database:
  host: localhost
  user: terminal
  dbname: terminal
monitor:
  enabled: true
  pairs:
    - symbol: BTCUSDT
      timeframe: 1h
`

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, minimalYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Monitor.ReferenceSymbol != "ETHUSDT" {
		t.Errorf("reference_symbol = %q, want ETHUSDT", cfg.Monitor.ReferenceSymbol)
	}
	if cfg.Monitor.PollInterval != 60*time.Second {
		t.Errorf("poll_interval = %v, want 60s", cfg.Monitor.PollInterval)
	}
	if cfg.Monitor.BatchLimit != 500 {
		t.Errorf("batch_limit = %d, want 500", cfg.Monitor.BatchLimit)
	}
	if cfg.Monitor.Cooldown != 10*time.Minute {
		t.Errorf("cooldown = %v, want 10m", cfg.Monitor.Cooldown)
	}
	if cfg.Alert.Timeout != 5*time.Second {
		t.Errorf("alert timeout = %v, want 5s", cfg.Alert.Timeout)
	}
	if cfg.Engine.RiskInterval != 15*time.Second {
		t.Errorf("risk_interval = %v, want 15s", cfg.Engine.RiskInterval)
	}
	if cfg.Binance.BaseURL != "https://fapi.binance.com" {
		t.Errorf("binance base_url = %q", cfg.Binance.BaseURL)
	}
	if len(cfg.Monitor.Pairs) != 1 || cfg.Monitor.Pairs[0].Symbol != "BTCUSDT" {
		t.Errorf("pairs = %+v", cfg.Monitor.Pairs)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DINGTALK_TOKEN", "tok-123")
	t.Setenv("DINGTALK_SECRET", "sec-456")
	t.Setenv("WEBHOOK_SECRET", "hook-789")
	t.Setenv("OSTIUM_FORBIDDEN_HOURS", "0, 1, 15")

	path := writeConfig(t, minimalYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Alert.Token != "tok-123" || cfg.Alert.Secret != "sec-456" {
		t.Errorf("alert creds = (%q, %q)", cfg.Alert.Token, cfg.Alert.Secret)
	}
	if cfg.Server.WebhookSecret != "hook-789" {
		t.Errorf("webhook secret = %q", cfg.Server.WebhookSecret)
	}
	want := []int{0, 1, 15}
	if len(cfg.Ostium.ForbiddenHours) != len(want) {
		t.Fatalf("forbidden hours = %v, want %v", cfg.Ostium.ForbiddenHours, want)
	}
	for i, h := range want {
		if cfg.Ostium.ForbiddenHours[i] != h {
			t.Errorf("forbidden hours[%d] = %d, want %d", i, cfg.Ostium.ForbiddenHours[i], h)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateErrors(t *testing.T) {
	path := writeConfig(t, minimalYAML)
	base, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing db host", func(c *Config) { c.Database.Host = "" }},
		{"missing db user", func(c *Config) { c.Database.User = "" }},
		{"tiny batch limit", func(c *Config) { c.Monitor.BatchLimit = 10 }},
		{"zero ratio", func(c *Config) { c.Monitor.Ratio = 0 }},
		{"bad port", func(c *Config) { c.Server.Port = -1 }},
		{"bad forbidden hour", func(c *Config) { c.Ostium.ForbiddenHours = []int{24} }},
		{"zero risk interval", func(c *Config) { c.Engine.RiskInterval = 0 }},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestParseHoursCSV(t *testing.T) {
	t.Parallel()

	hours, err := ParseHoursCSV("3,4,5")
	if err != nil {
		t.Fatalf("ParseHoursCSV: %v", err)
	}
	if len(hours) != 3 || hours[0] != 3 || hours[2] != 5 {
		t.Fatalf("hours = %v", hours)
	}

	if _, err := ParseHoursCSV("25"); err == nil {
		t.Error("hour 25 accepted")
	}
	if _, err := ParseHoursCSV("a,b"); err == nil {
		t.Error("non-numeric hours accepted")
	}
	if hours, err := ParseHoursCSV(""); err != nil || len(hours) != 0 {
		t.Errorf("empty CSV = (%v, %v)", hours, err)
	}
}
