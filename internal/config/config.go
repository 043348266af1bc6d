// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via TRADER_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun     bool             `mapstructure:"dry_run"`
	AccountID  string           `mapstructure:"account_id"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Runtime    RuntimeConfig    `mapstructure:"runtime"`
	KillSwitch KillSwitchConfig `mapstructure:"kill_switch"`
	PnL        PnLConfig        `mapstructure:"pnl"`
	Position   PositionConfig   `mapstructure:"position"`
	Strategies []StrategyConfig `mapstructure:"strategies"`
	Store      StoreConfig      `mapstructure:"store"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ExchangeConfig holds exchange API endpoints and credentials.
// APIKey is overridable via TRADER_API_KEY.
type ExchangeConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	WSURL          string        `mapstructure:"ws_url"`
	APIKey         string        `mapstructure:"api_key"`
	SubmitTimeout  time.Duration `mapstructure:"submit_timeout"`
	ReconcileEvery time.Duration `mapstructure:"reconcile_every"`
}

// PipelineConfig tunes the pre-trade risk pipeline.
//
//   - MaxSpread / MaxSpreadPct: reject when the quoted spread is too wide.
//   - MinPrice / MaxPrice: acceptable effective price bounds, cents.
//   - MaxOrderSize / MaxOrderNotional: per-order size caps (notional in dollars).
//   - MinDepthAtTop / MinTotalDepth: book liquidity floors (skipped without a book).
//   - MaxSlippage / MaxSlippagePct: book-walk slippage ceilings.
//   - MaxCrossingTolerance: how far a LIMIT price may cross the mid, cents.
//   - RequireKillSwitchCheck / RequirePositionCapCheck / RequirePnLCheck:
//     disable a dependency-backed check without unwiring the dependency.
type PipelineConfig struct {
	MaxSpread            int     `mapstructure:"max_spread"`
	MaxSpreadPct         float64 `mapstructure:"max_spread_pct"`
	MinPrice             int     `mapstructure:"min_price"`
	MaxPrice             int     `mapstructure:"max_price"`
	MaxOrderSize         int     `mapstructure:"max_order_size"`
	MaxOrderNotional     float64 `mapstructure:"max_order_notional"`
	MinDepthAtTop        int     `mapstructure:"min_depth_at_top"`
	MinTotalDepth        int     `mapstructure:"min_total_depth"`
	MaxSlippage          int     `mapstructure:"max_slippage"`
	MaxSlippagePct       float64 `mapstructure:"max_slippage_pct"`
	MaxCrossingTolerance int     `mapstructure:"max_crossing_tolerance"`

	RequireKillSwitchCheck  bool `mapstructure:"require_kill_switch_check"`
	RequirePositionCapCheck bool `mapstructure:"require_position_cap_check"`
	RequirePnLCheck         bool `mapstructure:"require_pnl_check"`
}

// RuntimeConfig tunes the strategy runtime.
type RuntimeConfig struct {
	MaxActiveStrategies int           `mapstructure:"max_active_strategies"`
	SignalExpiry        time.Duration `mapstructure:"signal_expiry"`
	CleanupEvery        time.Duration `mapstructure:"cleanup_every"`
	CallBudget          time.Duration `mapstructure:"call_budget"` // per strategy call; 0 disables
}

// KillSwitchConfig holds the global auto-trigger thresholds.
// MaxDailyLoss and MaxDrawdown are absolute dollar amounts; MaxErrorRate
// is a fraction in [0,1]; MaxLatency is a duration.
type KillSwitchConfig struct {
	MaxDailyLoss   float64       `mapstructure:"max_daily_loss"`
	MaxDrawdown    float64       `mapstructure:"max_drawdown"`
	MaxErrorRate   float64       `mapstructure:"max_error_rate"`
	MaxLatency     time.Duration `mapstructure:"max_latency"`
	AutoResetHours int           `mapstructure:"auto_reset_hours"`
	SweepEvery     time.Duration `mapstructure:"sweep_every"`
}

// PnLConfig tunes the daily P&L tracker. MaxDailyLoss is dollars;
// MaxDrawdownPct is a fraction of the daily peak.
type PnLConfig struct {
	MaxDailyLoss   float64 `mapstructure:"max_daily_loss"`
	MaxDrawdownPct float64 `mapstructure:"max_drawdown_pct"`
}

// CapConfig is one portfolio-level position cap. SoftLimit defaults to
// 0.8 × HardLimit when zero.
type CapConfig struct {
	Type      string  `mapstructure:"type"` // ABSOLUTE, PERCENTAGE, NOTIONAL
	SoftLimit float64 `mapstructure:"soft_limit"`
	HardLimit float64 `mapstructure:"hard_limit"`
}

// MarketConfig carries per-market risk parameters from the config file.
type MarketConfig struct {
	Ticker          string  `mapstructure:"ticker"`
	RiskTier        int     `mapstructure:"risk_tier"`
	MaxPositionSize int     `mapstructure:"max_position_size"`
	MaxNotional     float64 `mapstructure:"max_notional"` // dollars
}

// PositionConfig holds the position book caps and per-market limits.
type PositionConfig struct {
	Caps    []CapConfig    `mapstructure:"caps"`
	Markets []MarketConfig `mapstructure:"markets"`
}

// StrategyConfig configures a single strategy instance.
type StrategyConfig struct {
	Type                string             `mapstructure:"type"`
	Enabled             bool               `mapstructure:"enabled"`
	AutoExecute         bool               `mapstructure:"auto_execute"`
	MaxOrdersPerHour    int                `mapstructure:"max_orders_per_hour"`
	MaxPositionSize     int                `mapstructure:"max_position_size"`
	MaxNotionalPerTrade float64            `mapstructure:"max_notional_per_trade"`
	MinEdge             int                `mapstructure:"min_edge"`
	MinConfidence       float64            `mapstructure:"min_confidence"`
	MaxSpread           int                `mapstructure:"max_spread"`
	MinLiquidity        int64              `mapstructure:"min_liquidity"`
	AllowedCategories   []string           `mapstructure:"allowed_categories"`
	BlockedCategories   []string           `mapstructure:"blocked_categories"`
	BlockedMarkets      []string           `mapstructure:"blocked_markets"`
	Params              map[string]float64 `mapstructure:"params"`
}

// StoreConfig sets where engine state is persisted. Path is the SQLite
// database file; ":memory:" keeps everything in process (tests).
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: TRADER_API_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADER")
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
	if key := os.Getenv("TRADER_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if os.Getenv("TRADER_DRY_RUN") == "true" || os.Getenv("TRADER_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange.submit_timeout", 10*time.Second)
	v.SetDefault("exchange.reconcile_every", 30*time.Second)
	v.SetDefault("pipeline.min_price", 1)
	v.SetDefault("pipeline.max_price", 99)
	v.SetDefault("pipeline.require_kill_switch_check", true)
	v.SetDefault("pipeline.require_position_cap_check", true)
	v.SetDefault("pipeline.require_pnl_check", true)
	v.SetDefault("runtime.max_active_strategies", 10)
	v.SetDefault("runtime.signal_expiry", 60*time.Second)
	v.SetDefault("runtime.cleanup_every", 15*time.Second)
	v.SetDefault("runtime.call_budget", 500*time.Millisecond)
	v.SetDefault("kill_switch.sweep_every", 30*time.Second)
	v.SetDefault("pnl.max_drawdown_pct", 0.2)
	v.SetDefault("store.path", "data/trader.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange.base_url is required")
	}
	if !c.DryRun && c.Exchange.APIKey == "" {
		return fmt.Errorf("exchange.api_key is required (set TRADER_API_KEY)")
	}
	if c.Pipeline.MinPrice < 0 || c.Pipeline.MaxPrice > 100 || c.Pipeline.MinPrice > c.Pipeline.MaxPrice {
		return fmt.Errorf("pipeline price bounds must satisfy 0 <= min <= max <= 100")
	}
	if c.Runtime.MaxActiveStrategies <= 0 {
		return fmt.Errorf("runtime.max_active_strategies must be > 0")
	}
	if c.Runtime.SignalExpiry <= 0 {
		return fmt.Errorf("runtime.signal_expiry must be > 0")
	}
	if c.PnL.MaxDailyLoss < 0 {
		return fmt.Errorf("pnl.max_daily_loss must be >= 0")
	}
	if c.PnL.MaxDrawdownPct < 0 || c.PnL.MaxDrawdownPct > 1 {
		return fmt.Errorf("pnl.max_drawdown_pct must be in [0, 1]")
	}
	for _, cap := range c.Position.Caps {
		switch cap.Type {
		case "ABSOLUTE", "PERCENTAGE", "NOTIONAL":
		default:
			return fmt.Errorf("position cap type %q must be one of: ABSOLUTE, PERCENTAGE, NOTIONAL", cap.Type)
		}
		if cap.HardLimit <= 0 {
			return fmt.Errorf("position cap hard_limit must be > 0")
		}
	}
	for _, m := range c.Position.Markets {
		if m.RiskTier < 1 || m.RiskTier > 3 {
			return fmt.Errorf("market %s: risk_tier must be 1, 2 or 3", m.Ticker)
		}
	}
	for _, s := range c.Strategies {
		if s.Type == "" {
			return fmt.Errorf("strategy entries require a type")
		}
	}
	return nil
}

// Cents converts a dollar amount from config into integer cent-units.
func Cents(dollars float64) int64 {
	return int64(dollars*100 + 0.5)
}
