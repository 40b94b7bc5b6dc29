// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"strings"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied when the corresponding field is unset.
const (
	defaultIntervalSeconds     = 300
	defaultSupertrendPeriod    = 7
	defaultSupertrendMult      = 4.0
	defaultOrderFillTimeoutMs  = 15000
	defaultOrderPollIntervalMs = 500
	defaultMinGapCandles       = 1
	defaultMaxTradesPerDay     = 4
	defaultLots                = 1
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Engine      EngineConfig      `yaml:"engine"`
	Session     SessionConfig     `yaml:"session"`
	Journal     JournalConfig     `yaml:"journal"`
	API         APIConfig         `yaml:"api"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	AccessToken string `yaml:"access_token"`
	ClientID    string `yaml:"client_id"`
	APIEndpoint string `yaml:"api_endpoint"`
}

// EngineConfig defines the strategy and risk parameters for one engine
// instance. Fields are immutable during a run except through ApplyPatch.
type EngineConfig struct {
	StrategyID string `yaml:"strategy_id"`
	Index      string `yaml:"index"` // NIFTY | BANKNIFTY | FINNIFTY | SENSEX

	IntervalSeconds      int     `yaml:"interval_seconds"`
	SupertrendPeriod     int     `yaml:"supertrend_period"`
	SupertrendMultiplier float64 `yaml:"supertrend_multiplier"`
	UseMacd              bool    `yaml:"use_macd"`
	MacdFast             int     `yaml:"macd_fast"`
	MacdSlow             int     `yaml:"macd_slow"`
	MacdSignal           int     `yaml:"macd_signal"`

	Lots                  int     `yaml:"lots"`
	RiskPerTradeRupees    float64 `yaml:"risk_per_trade_rupees"`     // 0 = disabled
	InitialStopPoints     float64 `yaml:"initial_stop_points"`       // 0 = disabled
	TargetPoints          float64 `yaml:"target_points"`             // 0 = disabled
	TrailStartPoints      float64 `yaml:"trail_start_points"`        // 0 = disabled
	TrailStepPoints       float64 `yaml:"trail_step_points"`         // 0 = disabled
	MaxLossPerTradeRupees float64 `yaml:"max_loss_per_trade_rupees"` // 0 = disabled
	DailyMaxLossRupees    float64 `yaml:"daily_max_loss_rupees"`     // 0 = disabled
	MaxTradesPerDay       int     `yaml:"max_trades_per_day"`
	MinHoldSeconds        int     `yaml:"min_hold_seconds"`
	MinGapCandles         int     `yaml:"min_gap_candles"`

	OrderFillTimeoutMs  int `yaml:"order_fill_timeout_ms"`
	OrderPollIntervalMs int `yaml:"order_poll_interval_ms"`
}

// SessionConfig defines IST session cutoffs as "HH:MM" strings.
type SessionConfig struct {
	EntryOpen  string `yaml:"entry_open"`
	EntryClose string `yaml:"entry_close"`
	ForceFlat  string `yaml:"force_flat"`
	Close      string `yaml:"close"`
}

// JournalConfig defines the trade journal storage settings.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines the control/observability HTTP server settings.
type APIConfig struct {
	Listen    string `yaml:"listen"`
	AuthToken string `yaml:"auth_token"` // empty disables auth
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Environment.Mode == "" {
		c.Environment.Mode = "paper"
	}
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Journal.Path == "" {
		c.Journal.Path = "trendflip.db"
	}
	if c.API.Listen == "" {
		c.API.Listen = ":8080"
	}

	e := &c.Engine
	if e.StrategyID == "" {
		e.StrategyID = "supertrend-1"
	}
	if e.IntervalSeconds == 0 {
		e.IntervalSeconds = defaultIntervalSeconds
	}
	if e.SupertrendPeriod == 0 {
		e.SupertrendPeriod = defaultSupertrendPeriod
	}
	if e.SupertrendMultiplier == 0 {
		e.SupertrendMultiplier = defaultSupertrendMult
	}
	if e.Lots == 0 {
		e.Lots = defaultLots
	}
	if e.MaxTradesPerDay == 0 {
		e.MaxTradesPerDay = defaultMaxTradesPerDay
	}
	if e.MinGapCandles == 0 {
		e.MinGapCandles = defaultMinGapCandles
	}
	if e.OrderFillTimeoutMs == 0 {
		e.OrderFillTimeoutMs = defaultOrderFillTimeoutMs
	}
	if e.OrderPollIntervalMs == 0 {
		e.OrderPollIntervalMs = defaultOrderPollIntervalMs
	}
	if e.UseMacd {
		if e.MacdFast == 0 {
			e.MacdFast = 12
		}
		if e.MacdSlow == 0 {
			e.MacdSlow = 26
		}
		if e.MacdSignal == 0 {
			e.MacdSignal = 9
		}
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	if c.Environment.Mode == "live" {
		if c.Broker.AccessToken == "" {
			return fmt.Errorf("broker.access_token is required in live mode")
		}
		if c.Broker.ClientID == "" {
			return fmt.Errorf("broker.client_id is required in live mode")
		}
	}
	return c.Engine.Validate()
}

// Validate checks the engine parameters.
func (e *EngineConfig) Validate() error {
	switch e.Index {
	case "NIFTY", "BANKNIFTY", "FINNIFTY", "SENSEX":
	case "":
		return fmt.Errorf("engine.index is required")
	default:
		return fmt.Errorf("engine.index %q is not supported", e.Index)
	}
	if e.IntervalSeconds <= 0 {
		return fmt.Errorf("engine.interval_seconds must be positive")
	}
	if e.SupertrendPeriod < 1 {
		return fmt.Errorf("engine.supertrend_period must be >= 1")
	}
	if e.SupertrendMultiplier <= 0 {
		return fmt.Errorf("engine.supertrend_multiplier must be positive")
	}
	if e.Lots < 1 {
		return fmt.Errorf("engine.lots must be >= 1")
	}
	if e.RiskPerTradeRupees > 0 && e.InitialStopPoints <= 0 {
		return fmt.Errorf("engine.risk_per_trade_rupees requires a positive initial_stop_points")
	}
	if (e.TrailStartPoints > 0) != (e.TrailStepPoints > 0) {
		return fmt.Errorf("engine.trail_start_points and trail_step_points must be set together")
	}
	if e.MaxTradesPerDay < 1 {
		return fmt.Errorf("engine.max_trades_per_day must be >= 1")
	}
	if e.MinGapCandles < 1 {
		return fmt.Errorf("engine.min_gap_candles must be >= 1")
	}
	if e.OrderFillTimeoutMs <= 0 || e.OrderPollIntervalMs <= 0 {
		return fmt.Errorf("engine order timeout and poll interval must be positive")
	}
	if e.OrderPollIntervalMs > e.OrderFillTimeoutMs {
		return fmt.Errorf("engine.order_poll_interval_ms must not exceed order_fill_timeout_ms")
	}
	if e.UseMacd {
		if e.MacdFast < 1 || e.MacdSlow < 1 || e.MacdSignal < 1 {
			return fmt.Errorf("engine macd periods must be >= 1 when use_macd is set")
		}
		if e.MacdFast >= e.MacdSlow {
			return fmt.Errorf("engine.macd_fast must be below macd_slow")
		}
	}
	if e.MinHoldSeconds < 0 {
		return fmt.Errorf("engine.min_hold_seconds must not be negative")
	}
	return nil
}
