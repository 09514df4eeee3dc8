// Package config defines all configuration for the trading bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// fields overridable via EQBOT_* environment variables.
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
	DryRun       bool               `mapstructure:"dry_run"`
	Broker       BrokerConfig       `mapstructure:"broker"`
	MarketData   MarketDataConfig   `mapstructure:"market_data"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Risk         RiskConfig         `mapstructure:"risk"`
	PositionSync PositionSyncConfig `mapstructure:"position_sync"`
	WebSocket    WebSocketConfig    `mapstructure:"websocket"`
	Store        StoreConfig        `mapstructure:"store"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	API          APIConfig          `mapstructure:"api"`
	Strategies   []StrategyConfig   `mapstructure:"strategies"`
}

// BrokerConfig holds gateway session parameters.
//
//   - Host/Port: the broker gateway endpoint.
//   - ClientID: session identity; the gateway allows one session per id.
//   - Account: broker account code. Empty = accept whatever the gateway reports.
//   - Timeout: per-RPC bound. RPCs surface timeout instead of blocking.
//   - Paper: run against the in-memory paper broker instead of a gateway.
//   - PaperCash: starting cash for the paper broker.
//   - ProbeInterval: how often the supervisor checks session health.
//   - ReconnectAttempts/ReconnectDelay: bounded reconnect policy on loss.
//   - EventQueueSize: capacity of the broker event queue; overflow drops.
//   - RateLimit: outbound gateway messages per second.
type BrokerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	ClientID          int           `mapstructure:"client_id"`
	Account           string        `mapstructure:"account"`
	Timeout           time.Duration `mapstructure:"timeout"`
	Paper             bool          `mapstructure:"paper"`
	PaperCash         float64       `mapstructure:"paper_cash"`
	ProbeInterval     time.Duration `mapstructure:"probe_interval"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	EventQueueSize    int           `mapstructure:"event_queue_size"`
	RateLimit         float64       `mapstructure:"rate_limit"`
}

// MarketDataConfig points the bars facade at an OHLCV HTTP API.
type MarketDataConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// SchedulerConfig drives the evaluation and exit loops.
//
//   - EvaluationInterval: sleep between strategy evaluation ticks.
//   - ExitCheckInterval: sleep between exit checks for open positions.
//   - MinConfidence: signals below this confidence are dropped.
//   - MaxConcurrentTrades: cap on simultaneously open positions.
//   - RequireBrokerConnection: skip the tick when disconnected.
//   - MarketHoursOnly: skip the tick outside 09:30-16:00 ET weekdays.
//   - BarCount: how many bars each evaluation fetches.
type SchedulerConfig struct {
	Enabled                 bool          `mapstructure:"enabled"`
	EvaluationInterval      time.Duration `mapstructure:"evaluation_interval"`
	ExitCheckInterval       time.Duration `mapstructure:"exit_check_interval"`
	MinConfidence           float64       `mapstructure:"min_confidence"`
	MaxConcurrentTrades     int           `mapstructure:"max_concurrent_trades"`
	RequireBrokerConnection bool          `mapstructure:"require_broker_connection"`
	MarketHoursOnly         bool          `mapstructure:"market_hours_only"`
	BarCount                int           `mapstructure:"bar_count"`
}

// RiskConfig sets cash-account compliance rules and position sizing.
//
//   - CashAccountThreshold: balance below this puts the account in cash
//     mode (PDT, settlement, and frequency gates apply).
//   - PDTEnforcementMode / GFVEnforcementMode: "strict" blocks, "warning"
//     lets the trade through with a recorded warning.
//   - DailyTradeLimit / WeeklyTradeLimit: frequency caps in cash mode.
//   - PositionSize*Confidence: fraction of balance per confidence band.
//   - MaxPositionSizePct: hard cap on the sizing fraction.
//   - ProfitTakeLevel1..3 / PartialExitLevel1..2Pct: the profit-taking
//     ladder (level 3 exits the remainder).
//   - SettlementDays: T+N business days until sale proceeds settle.
//   - BalanceCacheTTL: how long a refreshed balance stays trusted.
type RiskConfig struct {
	CashAccountThreshold         float64       `mapstructure:"cash_account_threshold"`
	PDTEnforcementMode           string        `mapstructure:"pdt_enforcement_mode"`
	GFVEnforcementMode           string        `mapstructure:"gfv_enforcement_mode"`
	DailyTradeLimit              int           `mapstructure:"daily_trade_limit"`
	WeeklyTradeLimit             int           `mapstructure:"weekly_trade_limit"`
	PositionSizeLowConfidence    float64       `mapstructure:"position_size_low_confidence"`
	PositionSizeMediumConfidence float64       `mapstructure:"position_size_medium_confidence"`
	PositionSizeHighConfidence   float64       `mapstructure:"position_size_high_confidence"`
	MaxPositionSizePct           float64       `mapstructure:"max_position_size_pct"`
	ProfitTakeLevel1             float64       `mapstructure:"profit_take_level_1"`
	ProfitTakeLevel2             float64       `mapstructure:"profit_take_level_2"`
	ProfitTakeLevel3             float64       `mapstructure:"profit_take_level_3"`
	PartialExitLevel1Pct         float64       `mapstructure:"partial_exit_level_1_pct"`
	PartialExitLevel2Pct         float64       `mapstructure:"partial_exit_level_2_pct"`
	SettlementDays               int           `mapstructure:"settlement_days"`
	BalanceCacheTTL              time.Duration `mapstructure:"balance_cache_ttl"`
}

// PositionSyncConfig controls broker/store reconciliation.
type PositionSyncConfig struct {
	SyncInterval         time.Duration `mapstructure:"sync_interval"`
	SyncOnTrade          bool          `mapstructure:"sync_on_trade"`
	SyncOnPositionUpdate bool          `mapstructure:"sync_on_position_update"`
	DebounceInterval     time.Duration `mapstructure:"debounce_interval"`
	MarkMissingAsClosed  bool          `mapstructure:"mark_missing_as_closed"`
}

// WebSocketConfig controls the hub and its stream publishers.
type WebSocketConfig struct {
	Enabled                 bool          `mapstructure:"enabled"`
	PingInterval            time.Duration `mapstructure:"ping_interval"`
	MaxConnections          int           `mapstructure:"max_connections"`
	PriceUpdateInterval     time.Duration `mapstructure:"price_update_interval"`
	PortfolioUpdateInterval time.Duration `mapstructure:"portfolio_update_interval"`
	SendTimeout             time.Duration `mapstructure:"send_timeout"`
}

// StoreConfig selects the database. A DSN beginning with postgres:// uses
// the postgres driver; anything else is treated as a sqlite file path.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// APIConfig controls the admin HTTP server, which also hosts /ws.
type APIConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// StrategyConfig declares one strategy instance. Kind selects the variant;
// only the parameter group for that kind is consulted, the rest are ignored.
// Zero-valued parameters fall back to the strategy's documented defaults.
type StrategyConfig struct {
	Kind      string `mapstructure:"kind"`
	Symbol    string `mapstructure:"symbol"`
	Timeframe string `mapstructure:"timeframe"`
	Enabled   bool   `mapstructure:"enabled"`

	// levels
	ProximityPct  float64 `mapstructure:"proximity_pct"`
	StopLossPct   float64 `mapstructure:"stop_loss_pct"`
	VolumeConfirm bool    `mapstructure:"volume_confirm"`

	// momentum
	RSIPeriod   int     `mapstructure:"rsi_period"`
	RSIOversold float64 `mapstructure:"rsi_oversold"`
	VolumeMult  float64 `mapstructure:"volume_mult"`

	// meanreversion
	BollingerPeriod int     `mapstructure:"bollinger_period"`
	BollingerStdDev float64 `mapstructure:"bollinger_std_dev"`
	ZScoreEntry     float64 `mapstructure:"z_score_entry"`

	// breakout
	RangeBars       int     `mapstructure:"range_bars"`
	ATRPeriod       int     `mapstructure:"atr_period"`
	VolumeSurgeMult float64 `mapstructure:"volume_surge_mult"`

	// multitimeframe
	TrendTimeframe string `mapstructure:"trend_timeframe"`
	FastEMA        int    `mapstructure:"fast_ema"`
	SlowEMA        int    `mapstructure:"slow_ema"`
}

// EnforcementStrict and EnforcementWarning are the recognized enforcement modes.
const (
	EnforcementStrict  = "strict"
	EnforcementWarning = "warning"
)

// StrategyKinds lists the implemented strategy variants.
var StrategyKinds = []string{"levels", "momentum", "meanreversion", "breakout", "multitimeframe"}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: EQBOT_MARKET_DATA_API_KEY, EQBOT_STORE_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("EQBOT")
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
	if key := os.Getenv("EQBOT_MARKET_DATA_API_KEY"); key != "" {
		cfg.MarketData.APIKey = key
	}
	if dsn := os.Getenv("EQBOT_STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if os.Getenv("EQBOT_DRY_RUN") == "true" || os.Getenv("EQBOT_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.host", "127.0.0.1")
	v.SetDefault("broker.port", 7497)
	v.SetDefault("broker.client_id", 1)
	v.SetDefault("broker.timeout", "10s")
	v.SetDefault("broker.paper_cash", 100000.0)
	v.SetDefault("broker.probe_interval", "30s")
	v.SetDefault("broker.reconnect_attempts", 5)
	v.SetDefault("broker.reconnect_delay", "5s")
	v.SetDefault("broker.event_queue_size", 1024)
	v.SetDefault("broker.rate_limit", 45.0)

	v.SetDefault("market_data.timeout", "5s")
	v.SetDefault("market_data.cache_ttl", "30s")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.evaluation_interval", "60s")
	v.SetDefault("scheduler.exit_check_interval", "30s")
	v.SetDefault("scheduler.min_confidence", 0.6)
	v.SetDefault("scheduler.max_concurrent_trades", 5)
	v.SetDefault("scheduler.require_broker_connection", true)
	v.SetDefault("scheduler.market_hours_only", true)
	v.SetDefault("scheduler.bar_count", 100)

	v.SetDefault("risk.cash_account_threshold", 25000.0)
	v.SetDefault("risk.pdt_enforcement_mode", EnforcementStrict)
	v.SetDefault("risk.gfv_enforcement_mode", EnforcementStrict)
	v.SetDefault("risk.daily_trade_limit", 5)
	v.SetDefault("risk.weekly_trade_limit", 20)
	v.SetDefault("risk.position_size_low_confidence", 0.01)
	v.SetDefault("risk.position_size_medium_confidence", 0.025)
	v.SetDefault("risk.position_size_high_confidence", 0.04)
	v.SetDefault("risk.max_position_size_pct", 0.10)
	v.SetDefault("risk.profit_take_level_1", 0.05)
	v.SetDefault("risk.profit_take_level_2", 0.10)
	v.SetDefault("risk.profit_take_level_3", 0.20)
	v.SetDefault("risk.partial_exit_level_1_pct", 0.25)
	v.SetDefault("risk.partial_exit_level_2_pct", 0.50)
	v.SetDefault("risk.settlement_days", 2)
	v.SetDefault("risk.balance_cache_ttl", "5m")

	v.SetDefault("position_sync.sync_interval", "5m")
	v.SetDefault("position_sync.sync_on_trade", true)
	v.SetDefault("position_sync.sync_on_position_update", true)
	v.SetDefault("position_sync.debounce_interval", "5s")
	v.SetDefault("position_sync.mark_missing_as_closed", false)

	v.SetDefault("websocket.enabled", true)
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.max_connections", 100)
	v.SetDefault("websocket.price_update_interval", "3s")
	v.SetDefault("websocket.portfolio_update_interval", "5s")
	v.SetDefault("websocket.send_timeout", "2s")

	v.SetDefault("store.dsn", "data/equities-bot.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if !c.Broker.Paper {
		if c.Broker.Host == "" {
			return fmt.Errorf("broker.host is required")
		}
		if c.Broker.Port <= 0 {
			return fmt.Errorf("broker.port must be > 0")
		}
	}
	if c.Broker.Timeout <= 0 {
		return fmt.Errorf("broker.timeout must be > 0")
	}
	if c.Broker.EventQueueSize <= 0 {
		return fmt.Errorf("broker.event_queue_size must be > 0")
	}
	if len(c.Strategies) > 0 && c.MarketData.BaseURL == "" {
		return fmt.Errorf("market_data.base_url is required when strategies are configured")
	}
	if c.Scheduler.EvaluationInterval <= 0 {
		return fmt.Errorf("scheduler.evaluation_interval must be > 0")
	}
	if c.Scheduler.ExitCheckInterval <= 0 {
		return fmt.Errorf("scheduler.exit_check_interval must be > 0")
	}
	if c.Scheduler.MinConfidence < 0 || c.Scheduler.MinConfidence > 1 {
		return fmt.Errorf("scheduler.min_confidence must be in [0,1]")
	}
	if c.Scheduler.MaxConcurrentTrades <= 0 {
		return fmt.Errorf("scheduler.max_concurrent_trades must be > 0")
	}
	switch c.Risk.PDTEnforcementMode {
	case EnforcementStrict, EnforcementWarning:
	default:
		return fmt.Errorf("risk.pdt_enforcement_mode must be %q or %q", EnforcementStrict, EnforcementWarning)
	}
	switch c.Risk.GFVEnforcementMode {
	case EnforcementStrict, EnforcementWarning:
	default:
		return fmt.Errorf("risk.gfv_enforcement_mode must be %q or %q", EnforcementStrict, EnforcementWarning)
	}
	if c.Risk.MaxPositionSizePct <= 0 || c.Risk.MaxPositionSizePct > 1 {
		return fmt.Errorf("risk.max_position_size_pct must be in (0,1]")
	}
	if c.Risk.SettlementDays < 0 {
		return fmt.Errorf("risk.settlement_days must be >= 0")
	}
	if c.WebSocket.MaxConnections <= 0 {
		return fmt.Errorf("websocket.max_connections must be > 0")
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required")
	}
	for i, s := range c.Strategies {
		if s.Symbol == "" {
			return fmt.Errorf("strategies[%d].symbol is required", i)
		}
		if !knownKind(s.Kind) {
			return fmt.Errorf("strategies[%d].kind %q is not one of %v", i, s.Kind, StrategyKinds)
		}
	}
	return nil
}

func knownKind(kind string) bool {
	for _, k := range StrategyKinds {
		if k == kind {
			return true
		}
	}
	return false
}
