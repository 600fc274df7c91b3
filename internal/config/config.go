package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// TradingMode controls whether gate-accepted signals auto-execute or wait
// for operator approval.
type TradingMode string

const (
	ModeAuto   TradingMode = "auto"   // Every accepted signal executes immediately
	ModeManual TradingMode = "manual" // Every accepted signal waits for approval
	ModeHybrid TradingMode = "hybrid" // High-confidence signals auto-execute, the rest wait
)

// Config is the complete engine configuration. It is populated once at
// startup, validated, and treated as immutable thereafter.
type Config struct {
	// Trading universe and mode
	Symbols []string    `json:"symbols"` // Symbols scanned each trading cycle
	Mode    TradingMode `json:"mode"`

	// Risk limits
	Risk RiskConfig `json:"risk"`

	// Job cadences
	Schedule ScheduleConfig `json:"schedule"`

	// Broker connectivity
	Broker BrokerConfig `json:"broker"`

	// Persistence
	DatabasePath string `json:"database_path"`

	// Monitoring endpoints (optional)
	Monitoring *MonitoringConfig `json:"monitoring,omitempty"`

	// Daily report output directory
	ReportDir string `json:"report_dir,omitempty"`
}

// RiskConfig holds every hard limit the gate, stops and breaker enforce.
type RiskConfig struct {
	RiskPerTrade          float64  `json:"risk_per_trade"`          // Fraction of portfolio risked per trade
	MaxPositionSizePct    float64  `json:"max_position_size_pct"`   // Max single-position notional vs portfolio
	MaxPortfolioExposure  float64  `json:"max_portfolio_exposure"`  // Max total exposure vs portfolio
	MaxPositions          int      `json:"max_positions"`           // Max concurrently open positions
	DailyLossLimit        float64  `json:"daily_loss_limit"`        // Daily loss fraction that trips the breaker
	StopLossPct           float64  `json:"stop_loss_pct"`           // Initial stop distance from entry
	TrailingStopPct       float64  `json:"trailing_stop_pct"`       // Trailing stop distance from peak
	TrailingActivationPct float64  `json:"trailing_activation_pct"` // Gain required before trailing arms
	MinConfidence         float64  `json:"min_confidence"`          // Gate floor for signal confidence
	AutoExecuteConfidence float64  `json:"auto_execute_confidence"` // Hybrid-mode auto-execution threshold
	ClosePositionsEOD     bool     `json:"close_positions_eod"`     // Force-close everything at market close
	SignalTTL             Duration `json:"signal_ttl"`              // Pending signals older than this auto-cancel
}

// ScheduleConfig holds the cadence of each periodic job.
type ScheduleConfig struct {
	TradingCycleInterval    Duration `json:"trading_cycle_interval"`
	PositionMonitorInterval Duration `json:"position_monitor_interval"`
	RiskMonitorInterval     Duration `json:"risk_monitor_interval"`
	MarketCloseTime         string   `json:"market_close_time"` // "HH:MM" UTC, once per day
	BrokerCallTimeout       Duration `json:"broker_call_timeout"`
}

// BrokerConfig selects and configures the broker adapter.
type BrokerConfig struct {
	Name      string `json:"name"`     // "bybit" or "simulator"
	Category  string `json:"category"` // Bybit product category: spot, linear
	APIKey    string `json:"api_key,omitempty"`
	APISecret string `json:"api_secret,omitempty"`
	Testnet   bool   `json:"testnet"`
	Demo      bool   `json:"demo"`
	Quote     string `json:"quote"` // Quote/settlement coin, e.g. USDT
}

// MonitoringConfig holds the HTTP listen address for metrics and health.
type MonitoringConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen"` // e.g. ":9090"
}

// Duration wraps time.Duration so JSON configs can say "30s" or "5m".
type Duration time.Duration

// UnmarshalJSON accepts either a duration string or nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads a JSON config file, applies defaults and validates it. Bare
// filenames are resolved against the configs/ directory, mirroring the
// deployment layout.
func Load(configFile string) (*Config, error) {
	if !strings.ContainsAny(configFile, "/\\") {
		configFile = filepath.Join("configs", configFile)
	}
	if !strings.HasSuffix(configFile, ".json") {
		configFile += ".json"
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()
	cfg.resolveCredentials()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults fills in conservative values for anything the file omitted.
func (c *Config) setDefaults() {
	if c.Mode == "" {
		c.Mode = ModeHybrid
	}
	if c.Risk.RiskPerTrade == 0 {
		c.Risk.RiskPerTrade = 0.02
	}
	if c.Risk.MaxPositionSizePct == 0 {
		c.Risk.MaxPositionSizePct = 0.25
	}
	if c.Risk.MaxPortfolioExposure == 0 {
		c.Risk.MaxPortfolioExposure = 0.80
	}
	if c.Risk.MaxPositions == 0 {
		c.Risk.MaxPositions = 5
	}
	if c.Risk.DailyLossLimit == 0 {
		c.Risk.DailyLossLimit = 0.05
	}
	if c.Risk.StopLossPct == 0 {
		c.Risk.StopLossPct = 0.03
	}
	if c.Risk.TrailingStopPct == 0 {
		c.Risk.TrailingStopPct = 0.02
	}
	if c.Risk.TrailingActivationPct == 0 {
		c.Risk.TrailingActivationPct = 0.05
	}
	if c.Risk.MinConfidence == 0 {
		c.Risk.MinConfidence = 0.60
	}
	if c.Risk.AutoExecuteConfidence == 0 {
		c.Risk.AutoExecuteConfidence = 0.80
	}
	if c.Risk.SignalTTL == 0 {
		c.Risk.SignalTTL = Duration(15 * time.Minute)
	}
	if c.Schedule.TradingCycleInterval == 0 {
		c.Schedule.TradingCycleInterval = Duration(5 * time.Minute)
	}
	if c.Schedule.PositionMonitorInterval == 0 {
		c.Schedule.PositionMonitorInterval = Duration(30 * time.Second)
	}
	if c.Schedule.RiskMonitorInterval == 0 {
		c.Schedule.RiskMonitorInterval = Duration(1 * time.Minute)
	}
	if c.Schedule.MarketCloseTime == "" {
		c.Schedule.MarketCloseTime = "21:00"
	}
	if c.Schedule.BrokerCallTimeout == 0 {
		c.Schedule.BrokerCallTimeout = Duration(10 * time.Second)
	}
	if c.Broker.Name == "" {
		c.Broker.Name = "simulator"
	}
	if c.Broker.Category == "" {
		c.Broker.Category = "linear"
	}
	if c.Broker.Quote == "" {
		c.Broker.Quote = "USDT"
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "tradepilot.db"
	}
	if c.ReportDir == "" {
		c.ReportDir = "reports"
	}
}

// resolveCredentials fills broker credentials from the environment when
// the file leaves them empty or uses ${VAR} placeholders. Keys never need
// to live in the config file itself.
func (c *Config) resolveCredentials() {
	if c.Broker.Name != "bybit" {
		return
	}
	if c.Broker.APIKey == "" || c.Broker.APIKey == "${BYBIT_API_KEY}" {
		c.Broker.APIKey = os.Getenv("BYBIT_API_KEY")
	}
	if c.Broker.APISecret == "" || c.Broker.APISecret == "${BYBIT_API_SECRET}" {
		c.Broker.APISecret = os.Getenv("BYBIT_API_SECRET")
	}
}

// Validate rejects configurations that would make the risk limits
// meaningless or the schedule unrunnable.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	switch c.Mode {
	case ModeAuto, ModeManual, ModeHybrid:
	default:
		return fmt.Errorf("invalid trading mode %q (want auto, manual or hybrid)", c.Mode)
	}
	if c.Risk.RiskPerTrade <= 0 || c.Risk.RiskPerTrade > 0.10 {
		return fmt.Errorf("risk_per_trade %.4f out of range (0, 0.10]", c.Risk.RiskPerTrade)
	}
	if c.Risk.MaxPositionSizePct <= 0 || c.Risk.MaxPositionSizePct > 1 {
		return fmt.Errorf("max_position_size_pct %.4f out of range (0, 1]", c.Risk.MaxPositionSizePct)
	}
	if c.Risk.MaxPortfolioExposure <= 0 || c.Risk.MaxPortfolioExposure > 1 {
		return fmt.Errorf("max_portfolio_exposure %.4f out of range (0, 1]", c.Risk.MaxPortfolioExposure)
	}
	if c.Risk.MaxPositions <= 0 {
		return fmt.Errorf("max_positions must be positive, got %d", c.Risk.MaxPositions)
	}
	if c.Risk.DailyLossLimit <= 0 || c.Risk.DailyLossLimit >= 1 {
		return fmt.Errorf("daily_loss_limit %.4f out of range (0, 1)", c.Risk.DailyLossLimit)
	}
	if c.Risk.StopLossPct <= 0 || c.Risk.StopLossPct >= 1 {
		return fmt.Errorf("stop_loss_pct %.4f out of range (0, 1)", c.Risk.StopLossPct)
	}
	if c.Risk.TrailingStopPct <= 0 || c.Risk.TrailingStopPct >= 1 {
		return fmt.Errorf("trailing_stop_pct %.4f out of range (0, 1)", c.Risk.TrailingStopPct)
	}
	if c.Risk.TrailingActivationPct <= 0 {
		return fmt.Errorf("trailing_activation_pct must be positive")
	}
	if c.Risk.MinConfidence < 0 || c.Risk.MinConfidence > 1 {
		return fmt.Errorf("min_confidence %.4f out of range [0, 1]", c.Risk.MinConfidence)
	}
	if c.Risk.AutoExecuteConfidence < c.Risk.MinConfidence || c.Risk.AutoExecuteConfidence > 1 {
		return fmt.Errorf("auto_execute_confidence %.4f must be within [min_confidence, 1]", c.Risk.AutoExecuteConfidence)
	}
	if _, err := time.Parse("15:04", c.Schedule.MarketCloseTime); err != nil {
		return fmt.Errorf("invalid market_close_time %q (want HH:MM): %w", c.Schedule.MarketCloseTime, err)
	}
	switch c.Broker.Name {
	case "bybit":
		if c.Broker.APIKey == "" || c.Broker.APISecret == "" {
			return fmt.Errorf("bybit broker requires api_key and api_secret")
		}
	case "simulator":
	default:
		return fmt.Errorf("unknown broker %q (want bybit or simulator)", c.Broker.Name)
	}
	return nil
}
