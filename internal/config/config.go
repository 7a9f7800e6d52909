// Package config loads and validates the bot configuration from YAML.
// Environment variables in the file are expanded before parsing, so secrets
// stay out of the config file itself.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Environment string          `yaml:"environment"`
	Broker      BrokerConfig    `yaml:"broker"`
	Advisor     AdvisorConfig   `yaml:"advisor"`
	Governor    GovernorConfig  `yaml:"governor"`
	Storage     StorageConfig   `yaml:"storage"`
	Dashboard   DashboardConfig `yaml:"dashboard"`
	Logging     LoggingConfig   `yaml:"logging"`
	Schedule    ScheduleConfig  `yaml:"schedule"`
	Bots        []BotConfig     `yaml:"bots"`
}

// BrokerConfig configures the trading API client.
type BrokerConfig struct {
	APIKey     string `yaml:"api_key"`
	AccountID  string `yaml:"account_id"`
	BaseURL    string `yaml:"base_url"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// AdvisorConfig configures the external advisor service.
type AdvisorConfig struct {
	BaseURL string `yaml:"base_url"`
}

// GovernorConfig configures the shared API rate budget.
type GovernorConfig struct {
	Ceiling   int         `yaml:"ceiling"`
	WindowSec int         `yaml:"window_sec"`
	Redis     RedisConfig `yaml:"redis"`
}

// RedisConfig optionally shares the rate window across processes. Empty addr
// keeps the window in-process.
type RedisConfig struct {
	Addr string `yaml:"addr"`
	Key  string `yaml:"key"`
}

// StorageConfig configures position persistence.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DashboardConfig configures the status HTTP server.
type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoggingConfig configures structured logging with rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// ScheduleConfig configures the reconciliation cadence.
type ScheduleConfig struct {
	CycleIntervalSec int `yaml:"cycle_interval_sec"`
	CycleTimeoutSec  int `yaml:"cycle_timeout_sec"`
}

// BotConfig configures one bot instance.
type BotConfig struct {
	ID              string         `yaml:"id"`
	Symbol          string         `yaml:"symbol"`
	MaxPositions    int            `yaml:"max_positions"`
	ProfitTargetPct float64        `yaml:"profit_target_pct"`
	StopLossPct     float64        `yaml:"stop_loss_pct"`
	ForceCloseDTE   int            `yaml:"force_close_dte"`
	MaxHoldDays     int            `yaml:"max_hold_days"`
	CloseRetryLimit int            `yaml:"close_retry_limit"`
	Strategy        StrategyConfig `yaml:"strategy"`
}

// StrategyConfig shapes and sizes the positions a bot opens.
type StrategyConfig struct {
	ShortOffsetPct  float64 `yaml:"short_offset_pct"`
	WingWidth       float64 `yaml:"wing_width"`
	StrikeIncrement float64 `yaml:"strike_increment"`
	SizePct         float64 `yaml:"size_pct"`
	MinCredit       float64 `yaml:"min_credit"`
	TargetDTE       int     `yaml:"target_dte"`
}

// Load reads, expands and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Governor.Ceiling == 0 {
		c.Governor.Ceiling = 60
	}
	if c.Governor.WindowSec == 0 {
		c.Governor.WindowSec = 60
	}
	if c.Schedule.CycleIntervalSec == 0 {
		c.Schedule.CycleIntervalSec = 60
	}
	if c.Schedule.CycleTimeoutSec == 0 {
		c.Schedule.CycleTimeoutSec = c.Schedule.CycleIntervalSec * 5
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "positions.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Dashboard.Listen == "" {
		c.Dashboard.Listen = ":8080"
	}
	if c.Broker.TimeoutSec == 0 {
		c.Broker.TimeoutSec = 30
	}
	if c.Governor.Redis.Key == "" {
		c.Governor.Redis.Key = "condorbot:governor:window"
	}
	for i := range c.Bots {
		b := &c.Bots[i]
		if b.MaxPositions == 0 {
			b.MaxPositions = 1
		}
		if b.CloseRetryLimit == 0 {
			b.CloseRetryLimit = 5
		}
		if b.Strategy.StrikeIncrement == 0 {
			b.Strategy.StrikeIncrement = 1
		}
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required")
	}
	if c.Broker.AccountID == "" {
		return fmt.Errorf("broker.account_id is required")
	}
	if c.Advisor.BaseURL == "" {
		return fmt.Errorf("advisor.base_url is required")
	}
	if c.Governor.Ceiling < 1 {
		return fmt.Errorf("governor.ceiling must be positive, got %d", c.Governor.Ceiling)
	}
	if len(c.Bots) == 0 {
		return fmt.Errorf("at least one bot must be configured")
	}
	seen := make(map[string]bool, len(c.Bots))
	for i, b := range c.Bots {
		if b.ID == "" {
			return fmt.Errorf("bots[%d].id is required", i)
		}
		if seen[b.ID] {
			return fmt.Errorf("duplicate bot id %q", b.ID)
		}
		seen[b.ID] = true
		if b.Symbol == "" {
			return fmt.Errorf("bot %s: symbol is required", b.ID)
		}
		if b.ProfitTargetPct <= 0 || b.ProfitTargetPct > 1 {
			return fmt.Errorf("bot %s: profit_target_pct must be in (0, 1], got %v", b.ID, b.ProfitTargetPct)
		}
		if b.StopLossPct <= 0 {
			return fmt.Errorf("bot %s: stop_loss_pct must be positive, got %v", b.ID, b.StopLossPct)
		}
		if b.ForceCloseDTE < 0 {
			return fmt.Errorf("bot %s: force_close_dte must not be negative", b.ID)
		}
		s := b.Strategy
		if s.WingWidth <= 0 {
			return fmt.Errorf("bot %s: strategy.wing_width must be positive", b.ID)
		}
		if s.ShortOffsetPct <= 0 || s.ShortOffsetPct >= 0.5 {
			return fmt.Errorf("bot %s: strategy.short_offset_pct must be in (0, 0.5)", b.ID)
		}
		if s.SizePct <= 0 || s.SizePct > 0.25 {
			return fmt.Errorf("bot %s: strategy.size_pct must be in (0, 0.25]", b.ID)
		}
		if s.TargetDTE <= b.ForceCloseDTE {
			return fmt.Errorf("bot %s: strategy.target_dte must exceed force_close_dte", b.ID)
		}
	}
	return nil
}

// CycleInterval returns the reconciliation cadence as a duration.
func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.Schedule.CycleIntervalSec) * time.Second
}

// CycleTimeout returns the per-cycle deadline as a duration.
func (c *Config) CycleTimeout() time.Duration {
	return time.Duration(c.Schedule.CycleTimeoutSec) * time.Second
}

// GovernorWindow returns the rate window as a duration.
func (c *Config) GovernorWindow() time.Duration {
	return time.Duration(c.Governor.WindowSec) * time.Second
}
