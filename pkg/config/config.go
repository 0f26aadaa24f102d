// Package config loads the worker's two configuration surfaces per
// spec.md §6: process-level environment overrides (via github.com/joho/godotenv,
// kept from the teacher's pkg/config) and the YAML business configuration
// (trading_config.yaml + the credentials file), using gopkg.in/yaml.v3 in the
// same style as the teacher's internal/strategy/config_loader.go.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvConfig holds process-level settings that are not business configuration:
// log verbosity, store locations, and the emergency-stop/session directories.
// These stay env-driven, matching the teacher's pkg/config idiom, because
// they vary per deployment rather than per trading strategy.
type EnvConfig struct {
	Debug             bool
	HomeDir           string // base for ~/.leverage_worker/*
	MarketDataDBPath  string
	TradingDBDirPath  string // directory holding trading_{paper|live}.db
	HealthPort        string
}

// LoadEnv reads environment variables (optionally via .env) into EnvConfig.
func LoadEnv() (*EnvConfig, error) {
	_ = godotenv.Load()

	home := getEnv("LEVERAGE_WORKER_HOME", "")
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("config: resolve home dir: %w", err)
		}
		home = h + "/.leverage_worker"
	}

	return &EnvConfig{
		Debug:            getEnv("DEBUG", "false") == "true",
		HomeDir:          home,
		MarketDataDBPath: getEnv("MARKET_DATA_DB_PATH", home+"/market_data.db"),
		TradingDBDirPath: getEnv("TRADING_DB_DIR", home),
		HealthPort:       getEnv("HEALTH_PORT", "8080"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Schedule is trading_config.yaml's `schedule` key (spec.md §6).
type Schedule struct {
	TradingStart              string `yaml:"trading_start"`
	TradingEnd                string `yaml:"trading_end"`
	DefaultIntervalSeconds    int    `yaml:"default_interval_seconds"`
	DefaultOffsetSeconds      int    `yaml:"default_offset_seconds"`
	IdleCheckIntervalSeconds  int    `yaml:"idle_check_interval_seconds"`
	EODLiquidationTime        string `yaml:"eod_liquidation_time"`
}

// Session is trading_config.yaml's `session` key.
type Session struct {
	TokenRefreshHoursBefore int `yaml:"token_refresh_hours_before"`
	TokenValidityHours      int `yaml:"token_validity_hours"`
}

// Notification is trading_config.yaml's `notification` key. Slack
// formatting itself is out of scope (spec.md §1); only the wiring fields
// are kept so the lifecycle controller knows whether to attempt delivery.
type Notification struct {
	SlackWebhook string `yaml:"slack_webhook"`
	SlackToken   string `yaml:"slack_token"`
	SlackChannel string `yaml:"slack_channel"`
	Enabled      bool   `yaml:"enabled"`
}

// Execution is trading_config.yaml's `execution` key.
type Execution struct {
	PrefetchSecond       int     `yaml:"prefetch_second"`
	PrefetchCacheTTL     int     `yaml:"prefetch_cache_ttl"`
	BuyFeeRate           float64 `yaml:"buy_fee_rate"`
}

// StrategyConfig is one entry in a stock's `strategies` list.
type StrategyConfig struct {
	Name          string                 `yaml:"name"`
	Allocation    float64                `yaml:"allocation"`
	ExecutionMode string                 `yaml:"execution_mode"` // "scheduler" | "websocket"
	Params        map[string]interface{} `yaml:"params"`
}

// StockConfig is the single structured shape stocks must use (Open
// Question resolution in SPEC_FULL.md §9: the plain-dict shape the
// original source also supported is rejected at load).
type StockConfig struct {
	Name            string           `yaml:"name"`
	IntervalSeconds int              `yaml:"interval_seconds"`
	OffsetSeconds   int              `yaml:"offset_seconds"`
	Strategies      []StrategyConfig `yaml:"strategies"`
}

// TradingConfig is the full trading_config.yaml document.
type TradingConfig struct {
	Schedule     Schedule               `yaml:"schedule"`
	Session      Session                `yaml:"session"`
	Notification Notification           `yaml:"notification"`
	Execution    Execution              `yaml:"execution"`
	Stocks       map[string]StockConfig `yaml:"stocks"`
}

// StockInterval returns the effective per-symbol interval, falling back to
// the schedule default (spec.md §4.6 "per-symbol interval/offset").
func (c *TradingConfig) StockInterval(symbol string) int {
	if sc, ok := c.Stocks[symbol]; ok && sc.IntervalSeconds > 0 {
		return sc.IntervalSeconds
	}
	return c.Schedule.DefaultIntervalSeconds
}

// StockOffset returns the effective per-symbol offset, falling back to the
// schedule default.
func (c *TradingConfig) StockOffset(symbol string) int {
	if sc, ok := c.Stocks[symbol]; ok {
		return sc.OffsetSeconds
	}
	return c.Schedule.DefaultOffsetSeconds
}

// Validate rejects configurations that are structurally incomplete. It is
// the load-time enforcement point for the Open Question resolution above:
// a stocks entry with no name and no strategies is almost certainly the
// plain-dict shape and is rejected rather than silently accepted.
func (c *TradingConfig) Validate() error {
	if c.Schedule.TradingStart == "" || c.Schedule.TradingEnd == "" {
		return fmt.Errorf("config: schedule.trading_start/trading_end are required")
	}
	if c.Schedule.DefaultIntervalSeconds <= 0 {
		return fmt.Errorf("config: schedule.default_interval_seconds must be positive")
	}
	for symbol, sc := range c.Stocks {
		if sc.Name == "" {
			return fmt.Errorf("config: stocks[%s].name is required (structured StockConfig shape only)", symbol)
		}
		if len(sc.Strategies) == 0 {
			return fmt.Errorf("config: stocks[%s] must declare at least one strategy", symbol)
		}
		for _, st := range sc.Strategies {
			if st.Name == "" {
				return fmt.Errorf("config: stocks[%s] has a strategy with no name", symbol)
			}
			if st.ExecutionMode != "" && st.ExecutionMode != "scheduler" && st.ExecutionMode != "websocket" {
				return fmt.Errorf("config: stocks[%s].strategies[%s].execution_mode must be scheduler or websocket", symbol, st.Name)
			}
		}
	}
	return nil
}

// LoadTradingConfig reads and validates trading_config.yaml.
func LoadTradingConfig(path string) (*TradingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg TradingConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// BrokerCredentials is one mode's (paper or live) app-key/secret pair plus
// account identity, as spec.md §6 describes.
type BrokerCredentials struct {
	AppKey             string `yaml:"app_key"`
	AppSecret          string `yaml:"app_secret"`
	AccountNumber      string `yaml:"account_number"`
	AccountProductCode string `yaml:"account_product_code"`
}

// Credentials is the credentials YAML under the user's home directory.
type Credentials struct {
	Paper     BrokerCredentials `yaml:"paper"`
	Live      BrokerCredentials `yaml:"live"`
	HTSUserID string            `yaml:"hts_id"`
}

// LoadCredentials reads the credentials file.
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read credentials %s: %w", path, err)
	}
	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("config: parse credentials %s: %w", path, err)
	}
	return &creds, nil
}

// ForMode returns the credentials for the given mode ("paper" or "live").
func (c *Credentials) ForMode(mode string) BrokerCredentials {
	if mode == "live" {
		return c.Live
	}
	return c.Paper
}
