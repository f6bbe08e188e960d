package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"aitrade/logger"
	"aitrade/market"
	"aitrade/mcp"
	"aitrade/rules"
	"aitrade/store"
)

// Interval bounds for scan_interval_minutes
const (
	MinIntervalMinutes     = 1
	MaxIntervalMinutes     = 1440
	DefaultIntervalMinutes = 5
)

// TraderConfig configuration for a single trader
type TraderConfig struct {
	ID      string `json:"id" mapstructure:"id"`
	Name    string `json:"name" mapstructure:"name"`
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Market  string `json:"market" mapstructure:"market"`     // "ashare" or "crypto"
	AIModel string `json:"ai_model" mapstructure:"ai_model"` // "deepseek", "qwen", "groq", "openai" or "custom"

	// AI configuration; values of the form ${VAR} are read from the environment
	QwenKey     string `json:"qwen_key,omitempty" mapstructure:"qwen_key"`
	DeepSeekKey string `json:"deepseek_key,omitempty" mapstructure:"deepseek_key"`
	GroqKey     string `json:"groq_key,omitempty" mapstructure:"groq_key"`
	GroqModel   string `json:"groq_model,omitempty" mapstructure:"groq_model"`
	OpenAIKey   string `json:"openai_key,omitempty" mapstructure:"openai_key"`
	OpenAIModel string `json:"openai_model,omitempty" mapstructure:"openai_model"`

	// Custom AI API configuration (any OpenAI-format API)
	CustomAPIURL    string `json:"custom_api_url,omitempty" mapstructure:"custom_api_url"`
	CustomAPIKey    string `json:"custom_api_key,omitempty" mapstructure:"custom_api_key"`
	CustomModelName string `json:"custom_model_name,omitempty" mapstructure:"custom_model_name"`

	AITimeoutSeconds    int      `json:"ai_timeout_seconds" mapstructure:"ai_timeout_seconds"`
	InitialBalance      float64  `json:"initial_balance" mapstructure:"initial_balance"`
	ScanIntervalMinutes int      `json:"scan_interval_minutes" mapstructure:"scan_interval_minutes"`
	Symbols             []string `json:"symbols" mapstructure:"symbols"`     // empty: market default pool
	MaxLeverage         int      `json:"max_leverage" mapstructure:"max_leverage"` // ceiling for this trader, capped by the rule set
	MaxQuantity         float64  `json:"max_quantity" mapstructure:"max_quantity"` // per intent, 0: unlimited
	MarketHoursOnly     bool     `json:"market_hours_only" mapstructure:"market_hours_only"`
}

// RuleOverride per-market tweaks applied on top of the preset
type RuleOverride struct {
	CommissionRate string `json:"commission_rate" mapstructure:"commission_rate"`
	MinCommission  string `json:"min_commission" mapstructure:"min_commission"`
	StampDutyRate  string `json:"stamp_duty_rate" mapstructure:"stamp_duty_rate"`
	MaxLeverage    int    `json:"max_leverage" mapstructure:"max_leverage"`
	StrictLeverage bool   `json:"strict_leverage" mapstructure:"strict_leverage"`
}

// MarketDataConfig market data sources
type MarketDataConfig struct {
	CryptoSource        string `json:"crypto_source" mapstructure:"crypto_source"` // "binance" or "synthetic"
	BinanceBaseURL      string `json:"binance_base_url" mapstructure:"binance_base_url"`
	FetchTimeoutSeconds int    `json:"fetch_timeout_seconds" mapstructure:"fetch_timeout_seconds"`
}

// Config main configuration
type Config struct {
	Traders        []TraderConfig          `json:"traders" mapstructure:"traders"`
	DefaultAShares []string                `json:"default_ashares" mapstructure:"default_ashares"`
	DefaultCoins   []string                `json:"default_coins" mapstructure:"default_coins"`
	APIServerPort  int                     `json:"api_server_port" mapstructure:"api_server_port"`
	NATSURL        string                  `json:"nats_url" mapstructure:"nats_url"`
	Database       store.Config            `json:"database" mapstructure:"database"`
	Log            logger.Config           `json:"log" mapstructure:"log"`
	MarketData     MarketDataConfig        `json:"market_data" mapstructure:"market_data"`
	Rules          map[string]RuleOverride `json:"rules" mapstructure:"rules"`
}

// LoadConfig loads .env, then the JSON file, then AITRADE_* environment
// overrides (e.g. AITRADE_DATABASE_DRIVER), then PORT.
func LoadConfig(filename string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(filename)
	v.SetConfigType("json")
	v.SetEnvPrefix("AITRADE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("api_server_port", 8080)
	v.SetDefault("nats_url", "")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "data/aitrade.db")
	v.SetDefault("database.database_url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file_path", "")
	v.SetDefault("market_data.crypto_source", "binance")
	v.SetDefault("market_data.binance_base_url", "")
	v.SetDefault("market_data.fetch_timeout_seconds", 30)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override API server port with the platform's PORT if set
	if port := os.Getenv("PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			config.APIServerPort = n
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}

// Validate checks the configuration and fills defaults.
func (c *Config) Validate() error {
	if len(c.Traders) == 0 {
		return fmt.Errorf("at least one trader must be configured")
	}
	if len(c.DefaultAShares) == 0 {
		for _, in := range market.DefaultASharePool {
			c.DefaultAShares = append(c.DefaultAShares, in.Symbol)
		}
	}
	if len(c.DefaultCoins) == 0 {
		for _, in := range market.DefaultCryptoPool {
			c.DefaultCoins = append(c.DefaultCoins, in.Symbol)
		}
	}

	traderIDs := make(map[string]bool)
	for i := range c.Traders {
		trader := &c.Traders[i]
		if trader.ID == "" {
			return fmt.Errorf("trader[%d]: ID cannot be empty", i)
		}
		if traderIDs[trader.ID] {
			return fmt.Errorf("trader[%d]: ID '%s' is duplicated", i, trader.ID)
		}
		traderIDs[trader.ID] = true

		if trader.Name == "" {
			trader.Name = trader.ID
		}
		if trader.Market == "" {
			trader.Market = string(rules.MarketAShare)
		}
		rs, err := c.RuleSet(rules.Market(trader.Market))
		if err != nil {
			return fmt.Errorf("trader[%d]: %w", i, err)
		}

		expandSecrets(trader)
		if !mcp.Supported(mcp.Provider(trader.AIModel)) {
			return fmt.Errorf("trader[%d]: ai_model must be 'deepseek', 'qwen', 'groq', 'openai' or 'custom'", i)
		}
		if trader.Enabled {
			if err := trader.validateKeys(); err != nil {
				return fmt.Errorf("trader[%d]: %w", i, err)
			}
		}

		if trader.InitialBalance <= 0 {
			return fmt.Errorf("trader[%d]: initial_balance must be greater than 0", i)
		}
		if trader.ScanIntervalMinutes == 0 {
			trader.ScanIntervalMinutes = DefaultIntervalMinutes
		}
		if trader.ScanIntervalMinutes < MinIntervalMinutes || trader.ScanIntervalMinutes > MaxIntervalMinutes {
			return fmt.Errorf("trader[%d]: scan_interval_minutes must be between %d and %d", i, MinIntervalMinutes, MaxIntervalMinutes)
		}
		if trader.MaxLeverage <= 0 {
			trader.MaxLeverage = 1
		}
		if trader.MaxLeverage > rs.MaxLeverage {
			return fmt.Errorf("trader[%d]: max_leverage %d exceeds the %s ceiling of %d", i, trader.MaxLeverage, trader.Market, rs.MaxLeverage)
		}
		if trader.MaxQuantity < 0 {
			return fmt.Errorf("trader[%d]: max_quantity must not be negative", i)
		}
		if len(trader.Symbols) == 0 {
			if rs.Market == rules.MarketAShare {
				trader.Symbols = append([]string(nil), c.DefaultAShares...)
			} else {
				trader.Symbols = append([]string(nil), c.DefaultCoins...)
			}
		}
		seen := make(map[string]bool, len(trader.Symbols))
		for j, sym := range trader.Symbols {
			sym = strings.ToUpper(strings.TrimSpace(sym))
			if sym == "" {
				return fmt.Errorf("trader[%d]: symbols[%d] is empty", i, j)
			}
			if seen[sym] {
				return fmt.Errorf("trader[%d]: symbol %s is duplicated", i, sym)
			}
			seen[sym] = true
			trader.Symbols[j] = sym
		}
		if trader.AITimeoutSeconds <= 0 {
			trader.AITimeoutSeconds = 120
		}
	}

	if c.APIServerPort <= 0 {
		c.APIServerPort = 8080
	}
	switch c.Database.Driver {
	case "":
		c.Database.Driver = "sqlite"
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be 'sqlite' or 'postgres'")
	}
	if c.Database.Driver == "postgres" && c.Database.DatabaseURL == "" {
		return fmt.Errorf("database.database_url is required for postgres")
	}
	switch c.MarketData.CryptoSource {
	case "":
		c.MarketData.CryptoSource = "binance"
	case "binance", "synthetic":
	default:
		return fmt.Errorf("market_data.crypto_source must be 'binance' or 'synthetic'")
	}
	if c.MarketData.FetchTimeoutSeconds <= 0 {
		c.MarketData.FetchTimeoutSeconds = 30
	}
	return nil
}

// RuleSet preset for m with any configured override applied.
func (c *Config) RuleSet(m rules.Market) (rules.RuleSet, error) {
	rs, err := rules.For(m)
	if err != nil {
		return rules.RuleSet{}, err
	}
	o, ok := c.Rules[string(m)]
	if !ok {
		return rs, nil
	}
	for _, f := range []struct {
		raw string
		dst *decimal.Decimal
		key string
	}{
		{o.CommissionRate, &rs.CommissionRate, "commission_rate"},
		{o.MinCommission, &rs.MinCommission, "min_commission"},
		{o.StampDutyRate, &rs.StampDutyRate, "stamp_duty_rate"},
	} {
		if f.raw == "" {
			continue
		}
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return rules.RuleSet{}, fmt.Errorf("rules.%s.%s: %w", m, f.key, err)
		}
		*f.dst = d
	}
	if o.MaxLeverage > 0 {
		rs.MaxLeverage = o.MaxLeverage
	}
	rs.StrictLeverage = rs.StrictLeverage || o.StrictLeverage
	if err := rs.Validate(); err != nil {
		return rules.RuleSet{}, fmt.Errorf("rules.%s: %w", m, err)
	}
	return rs, nil
}

// MCPConfig AI client settings for the trader's provider.
func (tc *TraderConfig) MCPConfig() mcp.Config {
	cfg := mcp.Config{
		Provider: mcp.Provider(tc.AIModel),
		Timeout:  time.Duration(tc.AITimeoutSeconds) * time.Second,
	}
	switch cfg.Provider {
	case mcp.ProviderDeepSeek:
		cfg.APIKey = tc.DeepSeekKey
	case mcp.ProviderQwen:
		cfg.APIKey = tc.QwenKey
	case mcp.ProviderGroq:
		cfg.APIKey = tc.GroqKey
		cfg.Model = tc.GroqModel
	case mcp.ProviderOpenAI:
		cfg.APIKey = tc.OpenAIKey
		cfg.Model = tc.OpenAIModel
	case mcp.ProviderCustom:
		cfg.APIKey = tc.CustomAPIKey
		cfg.BaseURL = tc.CustomAPIURL
		cfg.Model = tc.CustomModelName
	}
	return cfg
}

// GetScanInterval gets the scan interval
func (tc *TraderConfig) GetScanInterval() time.Duration {
	return time.Duration(tc.ScanIntervalMinutes) * time.Minute
}

func (tc *TraderConfig) validateKeys() error {
	switch mcp.Provider(tc.AIModel) {
	case mcp.ProviderQwen:
		if tc.QwenKey == "" {
			return fmt.Errorf("qwen_key must be configured when using Qwen")
		}
	case mcp.ProviderDeepSeek:
		if tc.DeepSeekKey == "" {
			return fmt.Errorf("deepseek_key must be configured when using DeepSeek")
		}
	case mcp.ProviderGroq:
		if tc.GroqKey == "" {
			return fmt.Errorf("groq_key must be configured when using Groq")
		}
	case mcp.ProviderOpenAI:
		if tc.OpenAIKey == "" {
			return fmt.Errorf("openai_key must be configured when using OpenAI")
		}
	case mcp.ProviderCustom:
		if tc.CustomAPIURL == "" {
			return fmt.Errorf("custom_api_url must be configured when using custom API")
		}
		if tc.CustomModelName == "" {
			return fmt.Errorf("custom_model_name must be configured when using custom API")
		}
	}
	return nil
}

func expandSecrets(tc *TraderConfig) {
	for _, s := range []*string{&tc.QwenKey, &tc.DeepSeekKey, &tc.GroqKey, &tc.OpenAIKey, &tc.CustomAPIKey, &tc.CustomAPIURL} {
		*s = os.ExpandEnv(*s)
	}
}
