package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ModeAutoScan = "auto-scan"
	ModeTargeted = "targeted"

	SizePercent = "percent"
	SizeFixed   = "fixed"
)

type Config struct {
	Owner    OwnerConfig    `yaml:"owner"`
	Backend  BackendConfig  `yaml:"backend"`
	Trading  TradingConfig  `yaml:"trading"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Telegram TelegramConfig `yaml:"telegram"`
	Web      WebConfig      `yaml:"web"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type OwnerConfig struct {
	ID string `yaml:"id"`
}

type BackendConfig struct {
	URL            string `yaml:"url"`
	Token          string `yaml:"token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type TradeSizeConfig struct {
	Kind  string  `yaml:"kind"`
	Value float64 `yaml:"value"`
}

type TradingConfig struct {
	Mode            string          `yaml:"mode"`
	TargetAsset     string          `yaml:"target_asset"`
	TradeSize       TradeSizeConfig `yaml:"trade_size"`
	MinTradeAmount  float64         `yaml:"min_trade_amount"`
	Interval        string          `yaml:"interval"`
	BalanceInterval string          `yaml:"balance_interval"`
	MaxHold         string          `yaml:"max_hold"`
	LiquidateStale  *bool           `yaml:"liquidate_stale"`
	CloseOnShutdown bool            `yaml:"close_on_shutdown"`

	// entry attempts skipped after a buy whose outcome is unknown
	UnknownOutcomeHold int `yaml:"unknown_outcome_hold"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	LeaseTTL string `yaml:"lease_ttl"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

type WebConfig struct {
	Port int `yaml:"port"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and AUTOTRADER_* environment
// overrides, then validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(cfg)

	// .env is optional
	_ = godotenv.Load()
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Backend.TimeoutSeconds == 0 {
		cfg.Backend.TimeoutSeconds = 30
	}
	if cfg.Trading.Mode == "" {
		cfg.Trading.Mode = ModeAutoScan
	}
	if cfg.Trading.TradeSize.Kind == "" {
		cfg.Trading.TradeSize.Kind = SizePercent
	}
	if cfg.Trading.TradeSize.Value == 0 {
		cfg.Trading.TradeSize.Value = 10
	}
	if cfg.Trading.MinTradeAmount == 0 {
		cfg.Trading.MinTradeAmount = 0.01
	}
	if cfg.Trading.Interval == "" {
		cfg.Trading.Interval = "15s"
	}
	if cfg.Trading.BalanceInterval == "" {
		cfg.Trading.BalanceInterval = "30s"
	}
	if cfg.Trading.MaxHold == "" {
		cfg.Trading.MaxHold = "30m"
	}
	if cfg.Trading.UnknownOutcomeHold == 0 {
		cfg.Trading.UnknownOutcomeHold = 5
	}
	if cfg.Trading.LiquidateStale == nil {
		liquidate := true
		cfg.Trading.LiquidateStale = &liquidate
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "data/autotrader.db"
	}
	if cfg.Redis.LeaseTTL == "" {
		cfg.Redis.LeaseTTL = "30s"
	}
	if cfg.Web.Port == 0 {
		cfg.Web.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// applyEnvOverrides lets operators inject secrets at deploy time without
// touching the YAML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Owner.ID, "AUTOTRADER_OWNER_ID")
	setStr(&cfg.Backend.URL, "AUTOTRADER_BACKEND_URL")
	setStr(&cfg.Backend.Token, "AUTOTRADER_BACKEND_TOKEN")
	setStr(&cfg.Database.Driver, "AUTOTRADER_DATABASE_DRIVER")
	setStr(&cfg.Database.DSN, "AUTOTRADER_DATABASE_DSN")
	setStr(&cfg.Redis.Addr, "AUTOTRADER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "AUTOTRADER_REDIS_PASSWORD")
	setStr(&cfg.Telegram.BotToken, "AUTOTRADER_TELEGRAM_BOT_TOKEN")
	if v := os.Getenv("AUTOTRADER_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("AUTOTRADER_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c *Config) Validate() error {
	if c.Owner.ID == "" {
		return fmt.Errorf("owner.id is required")
	}
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	switch c.Trading.Mode {
	case ModeAutoScan:
	case ModeTargeted:
		if c.Trading.TargetAsset == "" {
			return fmt.Errorf("trading.target_asset is required in targeted mode")
		}
	default:
		return fmt.Errorf("invalid trading.mode %q", c.Trading.Mode)
	}
	switch c.Trading.TradeSize.Kind {
	case SizePercent:
		if c.Trading.TradeSize.Value <= 0 || c.Trading.TradeSize.Value > 100 {
			return fmt.Errorf("trading.trade_size.value must be in (0, 100] for percent sizing")
		}
	case SizeFixed:
		if c.Trading.TradeSize.Value <= 0 {
			return fmt.Errorf("trading.trade_size.value must be positive")
		}
	default:
		return fmt.Errorf("invalid trading.trade_size.kind %q", c.Trading.TradeSize.Kind)
	}
	if c.Trading.UnknownOutcomeHold < 1 {
		return fmt.Errorf("trading.unknown_outcome_hold must be at least 1")
	}
	for name, v := range map[string]string{
		"trading.interval":         c.Trading.Interval,
		"trading.balance_interval": c.Trading.BalanceInterval,
		"trading.max_hold":         c.Trading.MaxHold,
		"redis.lease_ttl":          c.Redis.LeaseTTL,
	} {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("invalid database.driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}
	return nil
}

func (c *Config) TradingInterval() time.Duration {
	d, _ := time.ParseDuration(c.Trading.Interval)
	return d
}

func (c *Config) BalanceInterval() time.Duration {
	d, _ := time.ParseDuration(c.Trading.BalanceInterval)
	return d
}

// MaxHold is the single failsafe bound shared by every loop.
func (c *Config) MaxHold() time.Duration {
	d, _ := time.ParseDuration(c.Trading.MaxHold)
	return d
}

func (c *Config) LeaseTTL() time.Duration {
	d, _ := time.ParseDuration(c.Redis.LeaseTTL)
	return d
}

func (c *Config) BackendTimeout() time.Duration {
	return time.Duration(c.Backend.TimeoutSeconds) * time.Second
}
