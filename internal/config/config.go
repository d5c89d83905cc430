// Package config
package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/galaxyonymous/discord-trading-bot/internal/executor"
	"github.com/galaxyonymous/discord-trading-bot/internal/plan"
	"github.com/galaxyonymous/discord-trading-bot/internal/sizing"
	"github.com/galaxyonymous/discord-trading-bot/internal/trade"
)

// Config is the full application configuration. Values come from the
// environment (optionally seeded from a .env file); a YAML file given to
// LoadWithFile overrides them.
type Config struct {
	Discord   DiscordConfig   `env:", prefix=DISCORD_" yaml:"discord"`
	Exchange  ExchangeConfig  `env:", prefix=EXCHANGE_" yaml:"exchange"`
	Trading   TradingConfig   `env:", prefix=TRADING_" yaml:"trading"`
	Execution ExecutionConfig `env:", prefix=EXECUTION_" yaml:"execution"`
	DB        DBConfig        `env:", prefix=DB_" yaml:"db"`
	Telegram  TelegramConfig  `env:", prefix=TELEGRAM_" yaml:"telegram"`
	Logging   LoggingConfig   `env:", prefix=LOG_" yaml:"logging"`
}

// DiscordConfig holds the chat-ingestion settings.
type DiscordConfig struct {
	Token         string   `env:"TOKEN" yaml:"token"`
	ChannelIDs    []string `env:"CHANNEL_IDS" yaml:"channel_ids"`
	CommandPrefix string   `env:"COMMAND_PREFIX, default=!" yaml:"command_prefix"`
}

// ExchangeConfig selects and authenticates the trading venue.
type ExchangeConfig struct {
	Name           string `env:"NAME, default=wallex" yaml:"name"`
	WallexAPIKey   string `env:"WALLEX_API_KEY" yaml:"wallex_api_key"`
	BinanceAPIKey  string `env:"BINANCE_API_KEY" yaml:"binance_api_key"`
	BinanceSecret  string `env:"BINANCE_SECRET" yaml:"binance_secret"`
	BinanceTestnet bool   `env:"BINANCE_TESTNET, default=false" yaml:"binance_testnet"`
}

// TradingConfig holds sizing and lifecycle behaviour.
type TradingConfig struct {
	QuoteAsset           string  `env:"QUOTE_ASSET, default=USDT" yaml:"quote_asset"`
	PositionSizePct      float64 `env:"POSITION_SIZE_PCT, default=0.05" yaml:"position_size_pct"`
	MaxPositionSize      float64 `env:"MAX_POSITION_SIZE, default=500" yaml:"max_position_size"`
	MinBalance           float64 `env:"MIN_BALANCE, default=10" yaml:"min_balance"`
	FirstEntryRatio      float64 `env:"FIRST_ENTRY_RATIO, default=0" yaml:"first_entry_ratio"`
	EnableStopLoss       bool    `env:"ENABLE_STOP_LOSS, default=true" yaml:"enable_stop_loss"`
	EnableTakeProfit     bool    `env:"ENABLE_TAKE_PROFIT, default=true" yaml:"enable_take_profit"`
	ExitAfterPartialFill bool    `env:"EXIT_AFTER_PARTIAL_FILL, default=true" yaml:"exit_after_partial_fill"`
	DustThreshold        float64 `env:"DUST_THRESHOLD, default=0" yaml:"dust_threshold"`
}

// ExecutionConfig bounds order placement and fill polling.
type ExecutionConfig struct {
	MaxAttempts  int           `env:"MAX_ATTEMPTS, default=3" yaml:"max_attempts"`
	BaseDelay    time.Duration `env:"BASE_DELAY, default=500ms" yaml:"base_delay"`
	MaxDelay     time.Duration `env:"MAX_DELAY, default=10s" yaml:"max_delay"`
	PollInterval time.Duration `env:"POLL_INTERVAL, default=5s" yaml:"poll_interval"`
}

// DBConfig holds the postgres connection settings. An empty ConnStr selects
// the in-memory store.
type DBConfig struct {
	ConnStr string `env:"CONN_STR" yaml:"conn_str"`
	MaxOpen int    `env:"MAX_OPEN, default=10" yaml:"max_open"`
	MaxIdle int    `env:"MAX_IDLE, default=5" yaml:"max_idle"`
}

// TelegramConfig holds the optional operator notification channel.
type TelegramConfig struct {
	Token  string `env:"TOKEN" yaml:"token"`
	ChatID string `env:"CHAT_ID" yaml:"chat_id"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `env:"LEVEL, default=info" yaml:"level"`
	Format string `env:"FORMAT, default=text" yaml:"format"`
}

// Load reads configuration from the environment, seeding it from a .env file
// when one exists.
func Load(ctx context.Context) (Config, error) {
	return LoadWithFile(ctx, "")
}

// LoadWithFile loads from the environment and then overlays a YAML file.
func LoadWithFile(ctx context.Context, path string) (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to process environment: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings that cannot be defaulted.
func (c Config) Validate() error {
	switch c.Exchange.Name {
	case "wallex":
		if c.Exchange.WallexAPIKey == "" {
			return fmt.Errorf("config: wallex exchange selected but EXCHANGE_WALLEX_API_KEY is empty")
		}
	case "binance":
		if c.Exchange.BinanceAPIKey == "" || c.Exchange.BinanceSecret == "" {
			return fmt.Errorf("config: binance exchange selected but API credentials are empty")
		}
	default:
		return fmt.Errorf("config: unknown exchange %q", c.Exchange.Name)
	}

	if c.Discord.Token == "" {
		return fmt.Errorf("config: DISCORD_TOKEN is required")
	}
	if c.Trading.PositionSizePct <= 0 || c.Trading.PositionSizePct > 1 {
		return fmt.Errorf("config: position_size_pct must be in (0, 1], got %v", c.Trading.PositionSizePct)
	}
	if c.Trading.FirstEntryRatio < 0 || c.Trading.FirstEntryRatio > 1 {
		return fmt.Errorf("config: first_entry_ratio must be in [0, 1], got %v", c.Trading.FirstEntryRatio)
	}
	return nil
}

// Policy converts the trading settings into a sizing policy.
func (t TradingConfig) Policy() sizing.Policy {
	return sizing.Policy{
		QuoteAsset:      t.QuoteAsset,
		PositionSizePct: decimal.NewFromFloat(t.PositionSizePct),
		MaxPositionSize: decimal.NewFromFloat(t.MaxPositionSize),
		MinBalance:      decimal.NewFromFloat(t.MinBalance),
		FirstEntryRatio: decimal.NewFromFloat(t.FirstEntryRatio),
	}
}

// PlanOptions converts the trading settings into plan options.
func (t TradingConfig) PlanOptions() plan.Options {
	return plan.Options{
		EnableStopLoss:   t.EnableStopLoss,
		EnableTakeProfit: t.EnableTakeProfit,
	}
}

// MachineConfig converts the trading settings into a trade machine config.
func (t TradingConfig) MachineConfig() trade.Config {
	return trade.Config{
		ExitAfterPartialFill: t.ExitAfterPartialFill,
		DustThreshold:        decimal.NewFromFloat(t.DustThreshold),
	}
}

// ExecutorPolicy converts the execution settings into an executor policy.
func (e ExecutionConfig) ExecutorPolicy() executor.Policy {
	return executor.Policy{
		MaxAttempts: e.MaxAttempts,
		BaseDelay:   e.BaseDelay,
		MaxDelay:    e.MaxDelay,
	}
}
