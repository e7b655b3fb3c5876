// Package config defines all configuration for the trading bot.
// Config is loaded from a JSON file (default: config/config.json) with
// sensitive fields overridable via BYBIT_* / TELEGRAM_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"bybit-correlation-bot/pkg/types"
)

// Config is the top-level configuration. Maps directly to the JSON file
// structure.
type Config struct {
	API        APIConfig                  `mapstructure:"api"`
	Global     GlobalConfig               `mapstructure:"global"`
	Strategies map[string]*StrategyConfig `mapstructure:"strategies"`
	Telegram   TelegramConfig             `mapstructure:"telegram"`
}

// APIConfig holds Bybit v5 credentials and environment selection.
// Testnet switches both REST and WS hosts; DemoMode selects the demo
// trading host on mainnet keys.
type APIConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	Testnet   bool   `mapstructure:"testnet"`
	DemoMode  bool   `mapstructure:"demo_mode"`
}

// GlobalConfig holds engine-wide settings.
//
//   - MaxStopLossTrades: consecutive stop-loss closes before the circuit
//     breaker halts new entries.
//   - DatabasePath: SQLite file for orders/signals/daily stats.
//   - LoggingLevel: DEBUG, INFO, WARNING, ERROR or CRITICAL.
type GlobalConfig struct {
	MaxStopLossTrades int    `mapstructure:"max_stop_loss_trades"`
	DatabasePath      string `mapstructure:"database_path"`
	LoggingLevel      string `mapstructure:"logging_level"`
	LogFormat         string `mapstructure:"log_format"` // "json" or "text"
	LogDir            string `mapstructure:"log_dir"`
}

// SignalConfig describes one correlation signal inside a strategy:
// watch the index symbol on a timeframe and, when it moves past the
// threshold while the target pair has not yet followed, emit a signal.
type SignalConfig struct {
	Index                string   `mapstructure:"index"`
	Frame                string   `mapstructure:"frame"`
	TickWindow           int      `mapstructure:"tick_window"`
	IndexChangeThreshold float64  `mapstructure:"index_change_threshold"` // percent
	Target               float64  `mapstructure:"target"`                 // percent cap on target movement
	Direction            int      `mapstructure:"direction"`              // -1 short-only, 0 any, 1 long-only
	Reverse              int      `mapstructure:"reverse"`                // 1 inverts the derived action
	TargetPairs          []string `mapstructure:"target_pairs"`           // optional override of strategy trade pairs

	// Timeframe is the parsed form of Frame, filled during Validate.
	Timeframe types.Timeframe `mapstructure:"-"`
}

// StrategyConfig describes one trading strategy: the pairs it may trade,
// its risk parameters, and the map of signals that can fire it.
type StrategyConfig struct {
	TradePairs           []string                 `mapstructure:"trade_pairs"`
	Leverage             int                      `mapstructure:"leverage"` // 1 = spot
	TickWindow           int                      `mapstructure:"tick_window"`
	PriceChangeThreshold float64                  `mapstructure:"price_change_threshold"` // slippage cap, percent
	StopTakePercent      float64                  `mapstructure:"stop_take_percent"`      // fraction, e.g. 0.005
	PositionSize         float64                  `mapstructure:"position_size"`          // notional, USDT
	Direction            int                      `mapstructure:"direction"`
	Enabled              bool                     `mapstructure:"enabled"`
	Signals              map[string]*SignalConfig `mapstructure:"signals"`
	Categories           map[string]string        `mapstructure:"categories"` // optional per-symbol category override

	// Name is the strategy's key in Config.Strategies, filled at load.
	Name string `mapstructure:"-"`
}

// Category returns the default product category for this strategy:
// leveraged strategies trade USDT perpetuals, leverage 1 trades spot.
func (s *StrategyConfig) Category() types.Category {
	if s.Leverage > 1 {
		return types.CategoryLinear
	}
	return types.CategorySpot
}

// CategoryFor resolves the category for one symbol. A per-symbol entry in
// Categories wins; otherwise the strategy-level category applies.
func (s *StrategyConfig) CategoryFor(symbol string) types.Category {
	if c, ok := s.Categories[symbol]; ok {
		switch types.Category(c) {
		case types.CategorySpot, types.CategoryLinear:
			return types.Category(c)
		}
	}
	return s.Category()
}

// TelegramConfig controls the notifier. When Enabled is false the bot
// runs silently and all notify_* flags are ignored.
type TelegramConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	BotToken          string `mapstructure:"bot_token"`
	ChatID            int64  `mapstructure:"chat_id"`
	NotifySignals     bool   `mapstructure:"notify_signals"`
	NotifyTrades      bool   `mapstructure:"notify_trades"`
	NotifyErrors      bool   `mapstructure:"notify_errors"`
	NotifyDailyReport bool   `mapstructure:"notify_daily_report"`
}

// Load reads config from a JSON file with env var overrides.
// Sensitive fields use env vars: BYBIT_API_KEY, BYBIT_API_SECRET,
// BYBIT_TESTNET, BYBIT_DEMO_MODE, TELEGRAM_BOT_TOKEN, TELEGRAM_CHAT_ID.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("BYBIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("BYBIT_API_KEY"); key != "" {
		cfg.API.APIKey = key
	}
	if secret := os.Getenv("BYBIT_API_SECRET"); secret != "" {
		cfg.API.APISecret = secret
	}
	if tn := os.Getenv("BYBIT_TESTNET"); tn != "" {
		cfg.API.Testnet = tn == "true" || tn == "1"
	}
	if dm := os.Getenv("BYBIT_DEMO_MODE"); dm != "" {
		cfg.API.DemoMode = dm == "true" || dm == "1"
	}
	if tok := os.Getenv("TELEGRAM_BOT_TOKEN"); tok != "" {
		cfg.Telegram.BotToken = tok
	}

	for name, s := range cfg.Strategies {
		s.Name = name
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Global.DatabasePath == "" {
		c.Global.DatabasePath = "data/bot.db"
	}
	if c.Global.LoggingLevel == "" {
		c.Global.LoggingLevel = "INFO"
	}
	if c.Global.LogDir == "" {
		c.Global.LogDir = "logs"
	}
	if c.Global.MaxStopLossTrades == 0 {
		c.Global.MaxStopLossTrades = 3
	}
}

// Validate checks all required fields and value ranges, and parses every
// signal's timeframe token into its tagged form.
func (c *Config) Validate() error {
	if c.API.APIKey == "" {
		return fmt.Errorf("api.api_key is required (set BYBIT_API_KEY)")
	}
	if c.API.APISecret == "" {
		return fmt.Errorf("api.api_secret is required (set BYBIT_API_SECRET)")
	}
	if len(c.Strategies) == 0 {
		return fmt.Errorf("at least one strategy is required")
	}
	switch c.Global.LoggingLevel {
	case "DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL":
	default:
		return fmt.Errorf("global.logging_level must be one of: DEBUG, INFO, WARNING, ERROR, CRITICAL")
	}

	for name, s := range c.Strategies {
		if len(s.TradePairs) == 0 {
			return fmt.Errorf("strategy %q: trade_pairs must not be empty", name)
		}
		if s.Leverage < 1 {
			return fmt.Errorf("strategy %q: leverage must be >= 1", name)
		}
		if s.Leverage == 1 && s.Direction != 0 {
			return fmt.Errorf("strategy %q: leverage 1 (spot) requires direction 0", name)
		}
		if s.TickWindow < 0 {
			return fmt.Errorf("strategy %q: tick_window must be >= 0", name)
		}
		if s.PositionSize <= 0 {
			return fmt.Errorf("strategy %q: position_size must be > 0", name)
		}
		if s.StopTakePercent <= 0 {
			return fmt.Errorf("strategy %q: stop_take_percent must be > 0", name)
		}
		switch s.Direction {
		case -1, 0, 1:
		default:
			return fmt.Errorf("strategy %q: direction must be one of: -1, 0, 1", name)
		}
		if len(s.Signals) == 0 {
			return fmt.Errorf("strategy %q: at least one signal is required", name)
		}
		for sigName, sig := range s.Signals {
			if sig.Index == "" {
				return fmt.Errorf("strategy %q signal %q: index is required", name, sigName)
			}
			tf, err := types.ParseTimeframe(sig.Frame)
			if err != nil {
				return fmt.Errorf("strategy %q signal %q: %w", name, sigName, err)
			}
			sig.Timeframe = tf
			if sig.TickWindow < 0 {
				return fmt.Errorf("strategy %q signal %q: tick_window must be >= 0", name, sigName)
			}
			switch sig.Direction {
			case -1, 0, 1:
			default:
				return fmt.Errorf("strategy %q signal %q: direction must be one of: -1, 0, 1", name, sigName)
			}
			if sig.Reverse != 0 && sig.Reverse != 1 {
				return fmt.Errorf("strategy %q signal %q: reverse must be 0 or 1", name, sigName)
			}
		}
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram.enabled (set TELEGRAM_BOT_TOKEN)")
		}
		if c.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram.chat_id is required when telegram.enabled")
		}
	}
	return nil
}

// EnabledStrategies returns the strategies with enabled=true.
func (c *Config) EnabledStrategies() []*StrategyConfig {
	out := make([]*StrategyConfig, 0, len(c.Strategies))
	for _, s := range c.Strategies {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}
