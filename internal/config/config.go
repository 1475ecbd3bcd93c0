// Package config defines all configuration for the grid-trading bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via GRID_* / COINBASE_* environment
// variables. A .env file in the working directory is honored.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"coinbase-gridbot/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure. Trading holds the runtime-mutable section; everything else is
// fixed at startup.
type Config struct {
	Env          string        `mapstructure:"env"`
	ExchangeType string        `mapstructure:"exchange_type"` // "coinbase" or "mock"
	LiveTrading  bool          `mapstructure:"live_trading_enabled"`
	PaperMode    bool          `mapstructure:"paper_mode"`
	TickInterval time.Duration `mapstructure:"tick_interval"`

	Exchange ExchangeConfig `mapstructure:"exchange"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Store    StoreConfig    `mapstructure:"store"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Server   ServerConfig   `mapstructure:"server"`
}

// ExchangeConfig holds Coinbase Advanced Trade endpoints and credentials.
// Key/Secret are only ever read from the environment.
type ExchangeConfig struct {
	RESTBaseURL string        `mapstructure:"rest_base_url"`
	WSURL       string        `mapstructure:"ws_url"`
	APIKey      string        `mapstructure:"-"`
	APISecret   string        `mapstructure:"-"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
}

// TradingConfig is the grid/risk parameter set. The values below are
// startup defaults; the persisted config rows in the Store override them
// and the API mutates them at runtime.
type TradingConfig struct {
	GridStepPct            float64          `mapstructure:"grid_step_pct" json:"grid_step_pct"`
	BudgetUSD              float64          `mapstructure:"budget_usd" json:"budget_usd"`
	MaxOpenOrders          int              `mapstructure:"max_open_orders" json:"max_open_orders"`
	BufferEnabled          bool             `mapstructure:"buffer_enabled" json:"buffer_enabled"`
	BufferPct              float64          `mapstructure:"buffer_pct" json:"buffer_pct"`
	StagingBandDepthPct    float64          `mapstructure:"staging_band_depth_pct" json:"staging_band_depth_pct"`
	MinBandOrders          int              `mapstructure:"min_band_orders" json:"min_band_orders"`
	MaxBandOrders          int              `mapstructure:"max_band_orders" json:"max_band_orders"`
	ProfitMode             types.ProfitMode `mapstructure:"profit_mode" json:"profit_mode"`
	CustomProfitPct        float64          `mapstructure:"custom_profit_pct" json:"custom_profit_pct"`
	MonthlyProfitTargetUSD float64          `mapstructure:"monthly_profit_target_usd" json:"monthly_profit_target_usd"`
	SizingMode             types.SizingMode `mapstructure:"sizing_mode" json:"sizing_mode"`
	FixedUSDPerTrade       float64          `mapstructure:"fixed_usd_per_trade" json:"fixed_usd_per_trade"`
	CapitalPctPerTrade     float64          `mapstructure:"capital_pct_per_trade" json:"capital_pct_per_trade"`
	ConservativeSizeFactor float64          `mapstructure:"conservative_size_factor" json:"conservative_size_factor"`
	FeeBufferPct           float64          `mapstructure:"fee_buffer_pct" json:"fee_buffer_pct"`
	MaxGridCapitalPct      float64          `mapstructure:"max_grid_capital_pct" json:"max_grid_capital_pct"`
}

// StoreConfig sets where the SQLite database lives.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig controls the HTTP/WebSocket API server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"` // extra WS origins beyond local/same-host
}

// hardMaxOpenOrders is the exchange-imposed ceiling on resting orders.
const hardMaxOpenOrders = 490

// Defaults returns a TradingConfig with the documented default values.
func Defaults() TradingConfig {
	return TradingConfig{
		GridStepPct:            0.01,
		BudgetUSD:              1000,
		MaxOpenOrders:          hardMaxOpenOrders,
		StagingBandDepthPct:    0.05,
		MinBandOrders:          10,
		MaxBandOrders:          25,
		ProfitMode:             types.ProfitStep,
		CustomProfitPct:        0.01,
		MonthlyProfitTargetUSD: 1000,
		SizingMode:             types.SizingBudgetSplit,
		FixedUSDPerTrade:       100,
		CapitalPctPerTrade:     1,
		ConservativeSizeFactor: 0.5,
		FeeBufferPct:           0,
		MaxGridCapitalPct:      0.70,
	}
}

// Load reads config from a YAML file with env var overrides. A .env file is
// loaded first so COINBASE_* secrets and mode toggles can live there.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // absent .env is fine

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("GRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("env", "dev")
	v.SetDefault("exchange_type", "mock")
	v.SetDefault("paper_mode", true)
	v.SetDefault("tick_interval", 5*time.Second)
	v.SetDefault("exchange.rest_base_url", "https://api.coinbase.com/api/v3")
	v.SetDefault("exchange.ws_url", "wss://advanced-trade-ws.coinbase.com")
	v.SetDefault("exchange.http_timeout", 10*time.Second)
	v.SetDefault("store.path", "data/gridbot.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	def := Defaults()
	v.SetDefault("trading.grid_step_pct", def.GridStepPct)
	v.SetDefault("trading.budget_usd", def.BudgetUSD)
	v.SetDefault("trading.max_open_orders", def.MaxOpenOrders)
	v.SetDefault("trading.staging_band_depth_pct", def.StagingBandDepthPct)
	v.SetDefault("trading.min_band_orders", def.MinBandOrders)
	v.SetDefault("trading.max_band_orders", def.MaxBandOrders)
	v.SetDefault("trading.profit_mode", string(def.ProfitMode))
	v.SetDefault("trading.custom_profit_pct", def.CustomProfitPct)
	v.SetDefault("trading.monthly_profit_target_usd", def.MonthlyProfitTargetUSD)
	v.SetDefault("trading.sizing_mode", string(def.SizingMode))
	v.SetDefault("trading.fixed_usd_per_trade", def.FixedUSDPerTrade)
	v.SetDefault("trading.capital_pct_per_trade", def.CapitalPctPerTrade)
	v.SetDefault("trading.conservative_size_factor", def.ConservativeSizeFactor)
	v.SetDefault("trading.fee_buffer_pct", def.FeeBufferPct)
	v.SetDefault("trading.max_grid_capital_pct", def.MaxGridCapitalPct)

	if err := v.ReadInConfig(); err != nil {
		// The file is optional: defaults plus env form a complete config.
		_, pathErr := err.(*os.PathError)
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !pathErr && !notFound {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Secrets and mode toggles come only from env, never from the file.
	cfg.Exchange.APIKey = os.Getenv("COINBASE_API_KEY")
	cfg.Exchange.APISecret = os.Getenv("COINBASE_API_SECRET")
	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.Logging.Level = strings.ToLower(lvl)
	}
	if et := os.Getenv("EXCHANGE_TYPE"); et != "" {
		cfg.ExchangeType = et
	}
	if b, ok := envBool("LIVE_TRADING_ENABLED"); ok {
		cfg.LiveTrading = b
	}
	if b, ok := envBool("PAPER_MODE"); ok {
		cfg.PaperMode = b
	}

	return &cfg, nil
}

func envBool(key string) (bool, bool) {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes":
		return true, true
	case "0", "false", "no":
		return false, true
	}
	return false, false
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	switch c.ExchangeType {
	case "coinbase", "mock":
	default:
		return fmt.Errorf("exchange_type must be coinbase or mock, got %q", c.ExchangeType)
	}
	if c.ExchangeType == "coinbase" && !c.PaperMode {
		if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
			return fmt.Errorf("COINBASE_API_KEY and COINBASE_API_SECRET are required for live trading")
		}
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be > 0")
	}
	return c.Trading.Validate()
}

// Validate rejects parameter sets that would produce a degenerate grid.
// Runtime config updates go through the same checks, all-or-nothing.
func (t *TradingConfig) Validate() error {
	if t.GridStepPct <= 0 {
		return fmt.Errorf("grid_step_pct must be > 0 (got %v)", t.GridStepPct)
	}
	if t.GridStepPct >= 1 {
		return fmt.Errorf("grid_step_pct must be < 1 (got %v)", t.GridStepPct)
	}
	if t.BudgetUSD <= 0 {
		return fmt.Errorf("budget_usd must be > 0")
	}
	if t.MaxOpenOrders <= 0 || t.MaxOpenOrders > hardMaxOpenOrders {
		return fmt.Errorf("max_open_orders must be in 1..%d", hardMaxOpenOrders)
	}
	if t.BufferPct < 0 || t.BufferPct >= 1 {
		return fmt.Errorf("buffer_pct must be in [0, 1)")
	}
	if t.StagingBandDepthPct < 0 || t.StagingBandDepthPct >= 1 {
		return fmt.Errorf("staging_band_depth_pct must be in [0, 1)")
	}
	if t.MinBandOrders <= 0 || t.MaxBandOrders < t.MinBandOrders {
		return fmt.Errorf("band order bounds invalid: min=%d max=%d", t.MinBandOrders, t.MaxBandOrders)
	}
	switch t.ProfitMode {
	case types.ProfitStep, types.ProfitStepReinvest, types.ProfitCustom, types.ProfitSmartReinvest:
	default:
		return fmt.Errorf("unknown profit_mode %q", t.ProfitMode)
	}
	if t.ProfitMode == types.ProfitCustom && t.CustomProfitPct <= 0 {
		return fmt.Errorf("custom_profit_pct must be > 0 for CUSTOM profit mode")
	}
	switch t.SizingMode {
	case types.SizingBudgetSplit, types.SizingFixedUSD, types.SizingCapitalPct:
	default:
		return fmt.Errorf("unknown sizing_mode %q", t.SizingMode)
	}
	if t.SizingMode == types.SizingFixedUSD && t.FixedUSDPerTrade <= 0 {
		return fmt.Errorf("fixed_usd_per_trade must be > 0 for FIXED_USD sizing")
	}
	if t.SizingMode == types.SizingCapitalPct && (t.CapitalPctPerTrade <= 0 || t.CapitalPctPerTrade > 100) {
		return fmt.Errorf("capital_pct_per_trade must be in (0, 100]")
	}
	if t.ConservativeSizeFactor <= 0 || t.ConservativeSizeFactor > 1 {
		return fmt.Errorf("conservative_size_factor must be in (0, 1]")
	}
	if t.FeeBufferPct < 0 || t.FeeBufferPct >= t.GridStepPct {
		return fmt.Errorf("fee_buffer_pct must be in [0, grid_step_pct)")
	}
	if t.MaxGridCapitalPct <= 0 || t.MaxGridCapitalPct > 1 {
		return fmt.Errorf("max_grid_capital_pct must be in (0, 1]")
	}
	return nil
}
