// Package config defines all configuration for the trading terminal.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via environment variables. An optional .env
// file is loaded by main before the environment is read.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Logging     LoggingConfig     `mapstructure:"logging"`
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Binance     BinanceConfig     `mapstructure:"binance"`
	Ostium      OstiumConfig      `mapstructure:"ostium"`
	Alert       AlertConfig       `mapstructure:"alert"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	MinuteAlert MinuteAlertConfig `mapstructure:"minute_alert"`
	Engine      EngineConfig      `mapstructure:"engine"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig controls the signal-router HTTP server. WebhookSecret, when
// set, enables HMAC verification of the X-Signature header on /webhook.
type ServerConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

// DatabaseConfig holds the PostgreSQL connection used by the signal store.
type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	DBName       string `mapstructure:"dbname"`
	SSLMode      string `mapstructure:"sslmode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// DSN renders the connection string for the postgres driver.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// RedisConfig holds the optional shared cache. When disabled (or the server
// is unreachable) symbol caching degrades to in-process memory.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// BinanceConfig holds the public market-data endpoints and optional trading
// credentials for the binance broker adapter. BaseURL is overridable so
// tests can point the client at a stub server.
type BinanceConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	WSBaseURL string `mapstructure:"ws_base_url"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

// OstiumConfig holds the Ostium REST endpoint and signing key. The private
// key is only ever held in memory by the instantiated broker client.
type OstiumConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	PrivateKey     string `mapstructure:"private_key"`
	ForbiddenHours []int  `mapstructure:"forbidden_hours"`
}

// AlertConfig holds the DingTalk-style chat webhook. With an empty token the
// sink logs and skips delivery.
type AlertConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Secret  string        `mapstructure:"secret"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PairConfig is one monitored (symbol, timeframe) entry in the YAML file.
type PairConfig struct {
	Symbol    string `mapstructure:"symbol"`
	Timeframe string `mapstructure:"timeframe"`
}

// MonitorConfig tunes the currency monitor sweep loop.
//
//   - ReferenceSymbol: the asset the detector measures relative strength against.
//   - PollInterval:    sleep between full sweeps.
//   - BatchLimit:      candles fetched per pair per sweep.
//   - Cooldown:        per-pair alert suppression window.
//   - Lookback/Ratio:  SpecialK defaults; a stored strategy_config row wins.
type MonitorConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Pairs           []PairConfig  `mapstructure:"pairs"`
	ReferenceSymbol string        `mapstructure:"reference_symbol"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	BatchLimit      int           `mapstructure:"batch_limit"`
	Cooldown        time.Duration `mapstructure:"cooldown"`
	Lookback        int           `mapstructure:"lookback"`
	Ratio           float64       `mapstructure:"ratio"`
}

// MinuteAlertConfig tunes the 1m anomaly detector fed by the kline stream.
//
//   - VolumeZScore:   trigger when the bar volume is this many std devs above the rolling mean.
//   - PriceChangePct: trigger when |close-open|/open exceeds this percentage.
//   - WindowSize:     rolling volume samples kept per symbol.
//   - DepthLevels:    order-book levels fetched for the imbalance snapshot.
type MinuteAlertConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Symbols        []string      `mapstructure:"symbols"`
	VolumeZScore   float64       `mapstructure:"volume_z_score"`
	PriceChangePct float64       `mapstructure:"price_change_pct"`
	WindowSize     int           `mapstructure:"window_size"`
	Cooldown       time.Duration `mapstructure:"cooldown"`
	DepthLevels    int           `mapstructure:"depth_levels"`
}

// EngineConfig sets the watchdog cadence for every trading instance.
type EngineConfig struct {
	RiskInterval        time.Duration `mapstructure:"risk_interval"`
	MarketHoursInterval time.Duration `mapstructure:"market_hours_interval"`
}

// Load reads config from a YAML file with env var overrides. General keys
// use the QT_ prefix (QT_SERVER_PORT, QT_DATABASE_PASSWORD, ...); secrets
// keep their legacy names: DINGTALK_TOKEN, DINGTALK_SECRET, WEBHOOK_SECRET,
// BINANCE_API_KEY, BINANCE_API_SECRET, OSTIUM_PRIVATE_KEY,
// OSTIUM_FORBIDDEN_HOURS.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("QT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if tok := os.Getenv("DINGTALK_TOKEN"); tok != "" {
		cfg.Alert.Token = tok
	}
	if sec := os.Getenv("DINGTALK_SECRET"); sec != "" {
		cfg.Alert.Secret = sec
	}
	if sec := os.Getenv("WEBHOOK_SECRET"); sec != "" {
		cfg.Server.WebhookSecret = sec
	}
	if key := os.Getenv("BINANCE_API_KEY"); key != "" {
		cfg.Binance.APIKey = key
	}
	if sec := os.Getenv("BINANCE_API_SECRET"); sec != "" {
		cfg.Binance.APISecret = sec
	}
	if key := os.Getenv("OSTIUM_PRIVATE_KEY"); key != "" {
		cfg.Ostium.PrivateKey = key
	}
	if csv := os.Getenv("OSTIUM_FORBIDDEN_HOURS"); csv != "" {
		hours, err := ParseHoursCSV(csv)
		if err != nil {
			return nil, fmt.Errorf("OSTIUM_FORBIDDEN_HOURS: %w", err)
		}
		cfg.Ostium.ForbiddenHours = hours
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("redis.port", 6379)
	v.SetDefault("binance.base_url", "https://fapi.binance.com")
	v.SetDefault("binance.ws_base_url", "wss://fstream.binance.com")
	v.SetDefault("ostium.base_url", "https://api.ostium.io")
	v.SetDefault("alert.base_url", "https://oapi.dingtalk.com/robot/send")
	v.SetDefault("alert.timeout", 5*time.Second)
	v.SetDefault("monitor.reference_symbol", "ETHUSDT")
	v.SetDefault("monitor.poll_interval", 60*time.Second)
	v.SetDefault("monitor.batch_limit", 500)
	v.SetDefault("monitor.cooldown", 10*time.Minute)
	v.SetDefault("monitor.lookback", 4)
	v.SetDefault("monitor.ratio", 1.5)
	v.SetDefault("minute_alert.volume_z_score", 4.0)
	v.SetDefault("minute_alert.price_change_pct", 2.0)
	v.SetDefault("minute_alert.window_size", 60)
	v.SetDefault("minute_alert.cooldown", 10*time.Minute)
	v.SetDefault("minute_alert.depth_levels", 20)
	v.SetDefault("engine.risk_interval", 15*time.Second)
	v.SetDefault("engine.market_hours_interval", 60*time.Second)
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535]")
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}
	if c.Database.DBName == "" {
		return fmt.Errorf("database.dbname is required")
	}
	if c.Monitor.BatchLimit < 50 {
		return fmt.Errorf("monitor.batch_limit must be >= 50 (the detector needs 50 bars)")
	}
	if c.Monitor.Lookback <= 0 {
		return fmt.Errorf("monitor.lookback must be > 0")
	}
	if c.Monitor.Ratio <= 0 {
		return fmt.Errorf("monitor.ratio must be > 0")
	}
	if c.Monitor.Cooldown <= 0 {
		return fmt.Errorf("monitor.cooldown must be > 0")
	}
	for _, p := range c.Monitor.Pairs {
		if p.Symbol == "" || p.Timeframe == "" {
			return fmt.Errorf("monitor.pairs entries need both symbol and timeframe")
		}
	}
	for _, h := range c.Ostium.ForbiddenHours {
		if h < 0 || h > 23 {
			return fmt.Errorf("ostium.forbidden_hours: hour %d out of range", h)
		}
	}
	if c.Engine.RiskInterval <= 0 || c.Engine.MarketHoursInterval <= 0 {
		return fmt.Errorf("engine watchdog intervals must be > 0")
	}
	return nil
}

// ParseHoursCSV parses "0,1,2" into a set of hours, validating 0-23.
func ParseHoursCSV(csv string) ([]int, error) {
	parts := strings.Split(csv, ",")
	hours := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		h, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid hour %q", p)
		}
		if h < 0 || h > 23 {
			return nil, fmt.Errorf("hour %d out of range", h)
		}
		hours = append(hours, h)
	}
	return hours, nil
}
