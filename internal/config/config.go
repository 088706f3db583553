// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"tri_trader/internal/core"
)

// Config represents the complete configuration structure
type Config struct {
	System    SystemConfig    `yaml:"system"`
	Venue     VenueConfig     `yaml:"venue"`
	Triangle  TriangleConfig  `yaml:"triangle"`
	Trading   TradingConfig   `yaml:"trading"`
	Queue     QueueConfig     `yaml:"queue"`
	Timing    TimingConfig    `yaml:"timing"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
	// Paper disables live order placement; evaluation still runs.
	Paper bool `yaml:"paper"`
}

// VenueConfig contains the exchange connection settings. One API credential
// pair per trading account: each triangle asset has its own account, plus a
// utility account for balance and open-order queries.
type VenueConfig struct {
	BaseURL  string                   `yaml:"base_url"`
	WsURL    string                   `yaml:"ws_url"`
	Accounts map[string]AccountConfig `yaml:"accounts"`
}

// AccountConfig holds one account's API credentials
type AccountConfig struct {
	APIKey    Secret `yaml:"api_key"`
	APISecret Secret `yaml:"api_secret"`
}

// TriangleConfig fixes the three assets and their traded pairs
type TriangleConfig struct {
	Assets []string `yaml:"assets"` // exactly three, e.g. [BTC, ETH, BCH]
	Pairs  []string `yaml:"pairs"`  // exactly three venue symbols, e.g. [BTC_ETH, BTC_BCH, ETH_BCH]
}

// TradingConfig contains the profitability and sizing parameters
type TradingConfig struct {
	TakerFee         float64 `yaml:"taker_fee"`          // e.g. 0.0025
	FullThreshold    float64 `yaml:"full_threshold"`     // percent, e.g. 0.2
	PartialThreshold float64 `yaml:"partial_threshold"`  // percent, e.g. 0.02
	PartialCap       float64 `yaml:"partial_cap"`        // balance fraction, e.g. 0.3333
	MinNotional      float64 `yaml:"min_notional"`       // in the reference asset
	ReferenceAsset   string  `yaml:"reference_asset"`    // asset the min-notional floor is valued in
	SizeScale        float64 `yaml:"size_scale"`         // headroom applied to leg amounts, e.g. 0.99
	MaxTradesSession int     `yaml:"max_trades_session"` // 0 disables the cap
}

// QueueConfig contains the dispatch queue settings
type QueueConfig struct {
	RatePerSecond    float64 `yaml:"rate_per_second"`    // global cap across lanes
	TickerIntervalMs int     `yaml:"ticker_interval_ms"` // min interval on the ticker lane
	PoolWorkers      int     `yaml:"pool_workers"`
	PoolCapacity     int     `yaml:"pool_capacity"`
}

// TimingConfig contains execution timing settings
type TimingConfig struct {
	PollIntervalMs     int `yaml:"poll_interval_ms"`     // open-order poll cadence
	FillWindowMs       int `yaml:"fill_window_ms"`       // how long legs may stay open
	MaxReconcileRounds int `yaml:"max_reconcile_rounds"` // cancel/re-quote rounds before giving up
	TickerTimeoutMs    int `yaml:"ticker_timeout_ms"`    // per ticker fetch
	CallTimeoutMs      int `yaml:"call_timeout_ms"`      // per private venue call
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	EnableMetrics bool   `yaml:"enable_metrics"`
	MetricsAddr   string `yaml:"metrics_addr"`
}

// LoadConfig reads, defaults and validates a configuration file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.Trading.TakerFee == 0 {
		c.Trading.TakerFee = 0.0025
	}
	if c.Trading.FullThreshold == 0 {
		c.Trading.FullThreshold = 0.2
	}
	if c.Trading.PartialThreshold == 0 {
		c.Trading.PartialThreshold = 0.02
	}
	if c.Trading.PartialCap == 0 {
		c.Trading.PartialCap = 1.0 / 3.0
	}
	if c.Trading.MinNotional == 0 {
		c.Trading.MinNotional = 0.00012
	}
	if c.Trading.SizeScale == 0 {
		c.Trading.SizeScale = 0.99
	}
	if c.Trading.ReferenceAsset == "" && len(c.Triangle.Assets) > 0 {
		c.Trading.ReferenceAsset = c.Triangle.Assets[0]
	}
	if c.Queue.RatePerSecond == 0 {
		c.Queue.RatePerSecond = 6
	}
	if c.Queue.TickerIntervalMs == 0 {
		c.Queue.TickerIntervalMs = 350
	}
	if c.Queue.PoolWorkers == 0 {
		c.Queue.PoolWorkers = 16
	}
	if c.Queue.PoolCapacity == 0 {
		c.Queue.PoolCapacity = 256
	}
	if c.Timing.PollIntervalMs == 0 {
		c.Timing.PollIntervalMs = 2000
	}
	if c.Timing.FillWindowMs == 0 {
		c.Timing.FillWindowMs = 10000
	}
	if c.Timing.MaxReconcileRounds == 0 {
		c.Timing.MaxReconcileRounds = 3
	}
	if c.Timing.TickerTimeoutMs == 0 {
		c.Timing.TickerTimeoutMs = 3000
	}
	if c.Timing.CallTimeoutMs == 0 {
		c.Timing.CallTimeoutMs = 5000
	}
	if c.Telemetry.MetricsAddr == "" {
		c.Telemetry.MetricsAddr = ":9090"
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if len(c.Triangle.Assets) != 3 {
		return fmt.Errorf("triangle.assets must list exactly 3 assets, got %d", len(c.Triangle.Assets))
	}
	seen := map[string]bool{}
	for _, a := range c.Triangle.Assets {
		if a == "" {
			return fmt.Errorf("triangle.assets contains an empty asset code")
		}
		if seen[a] {
			return fmt.Errorf("triangle.assets contains duplicate asset %q", a)
		}
		seen[a] = true
	}

	if len(c.Triangle.Pairs) != 3 {
		return fmt.Errorf("triangle.pairs must list exactly 3 pairs, got %d", len(c.Triangle.Pairs))
	}
	for _, symbol := range c.Triangle.Pairs {
		pair, err := core.ParsePair(symbol)
		if err != nil {
			return fmt.Errorf("triangle.pairs: %w", err)
		}
		if !seen[string(pair.Quote)] || !seen[string(pair.Base)] {
			return fmt.Errorf("pair %s references an asset outside the triangle", symbol)
		}
	}

	if c.Trading.TakerFee < 0 || c.Trading.TakerFee >= 1 {
		return fmt.Errorf("trading.taker_fee must be in [0,1), got %v", c.Trading.TakerFee)
	}
	if c.Trading.PartialThreshold > c.Trading.FullThreshold {
		return fmt.Errorf("trading.partial_threshold (%v) exceeds full_threshold (%v)",
			c.Trading.PartialThreshold, c.Trading.FullThreshold)
	}
	if c.Trading.PartialCap <= 0 || c.Trading.PartialCap > 1 {
		return fmt.Errorf("trading.partial_cap must be in (0,1], got %v", c.Trading.PartialCap)
	}
	if c.Trading.SizeScale <= 0 || c.Trading.SizeScale > 1 {
		return fmt.Errorf("trading.size_scale must be in (0,1], got %v", c.Trading.SizeScale)
	}
	if !seen[c.Trading.ReferenceAsset] {
		return fmt.Errorf("trading.reference_asset %q is not a triangle asset", c.Trading.ReferenceAsset)
	}
	if c.Queue.RatePerSecond <= 0 {
		return fmt.Errorf("queue.rate_per_second must be positive")
	}

	if !c.System.Paper {
		for _, asset := range c.Triangle.Assets {
			if _, ok := c.Venue.Accounts[asset]; !ok {
				return fmt.Errorf("venue.accounts missing credentials for asset %s", asset)
			}
		}
		if _, ok := c.Venue.Accounts["util"]; !ok {
			return fmt.Errorf("venue.accounts missing the util account")
		}
	}
	return nil
}

// PollInterval returns the open-order polling cadence
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Timing.PollIntervalMs) * time.Millisecond
}

// FillWindow returns the per-round fill window
func (c *Config) FillWindow() time.Duration {
	return time.Duration(c.Timing.FillWindowMs) * time.Millisecond
}

// TickerInterval returns the minimum interval between ticker fetches
func (c *Config) TickerInterval() time.Duration {
	return time.Duration(c.Queue.TickerIntervalMs) * time.Millisecond
}

// TickerTimeout returns the deadline applied to a single ticker fetch
func (c *Config) TickerTimeout() time.Duration {
	return time.Duration(c.Timing.TickerTimeoutMs) * time.Millisecond
}

// CallTimeout returns the deadline applied to a single private venue call
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.Timing.CallTimeoutMs) * time.Millisecond
}
