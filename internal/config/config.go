package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Mode string

const (
	ModeBacktest Mode = "backtest"
	ModeTestnet  Mode = "testnet"
	ModeLive     Mode = "live"
)

type Config struct {
	Mode           Mode                 `yaml:"mode"`
	Symbol         string               `yaml:"symbol"`
	InstanceID     string               `yaml:"instance_id"`
	Grid           GridConfig           `yaml:"grid"`
	Capital        CapitalConfig        `yaml:"capital"`
	Risk           RiskConfig           `yaml:"risk"`
	Execution      ExecutionConfig      `yaml:"execution"`
	Backtest       BacktestConfig       `yaml:"backtest"`
	Exchange       ExchangeConfig       `yaml:"exchange"`
	State          StateConfig          `yaml:"state"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

type GridConfig struct {
	LowerPrice     Decimal `yaml:"lower_price"`
	UpperPrice     Decimal `yaml:"upper_price"`
	Levels         int     `yaml:"levels"`
	SpacingType    string  `yaml:"spacing_type"`
	BoundaryPolicy string  `yaml:"boundary_policy"`
}

type CapitalConfig struct {
	Total        Decimal `yaml:"total"`
	ReserveRatio Decimal `yaml:"reserve_ratio"`
}

type RiskConfig struct {
	MaxPositions   int     `yaml:"max_positions"`
	StopLossPct    Decimal `yaml:"stop_loss_pct"`
	TakeProfitPct  Decimal `yaml:"take_profit_pct"`
	MaxDrawdownPct Decimal `yaml:"max_drawdown_pct"`
}

type ExecutionConfig struct {
	PlaceRetries   int   `yaml:"place_retries"`
	RetryBackoffMs int64 `yaml:"retry_backoff_ms"`
	TickIntervalMs int64 `yaml:"tick_interval_ms"`
}

type BacktestConfig struct {
	DataPath     string        `yaml:"data_path"`
	InitialBase  Decimal       `yaml:"initial_base"`
	InitialQuote Decimal       `yaml:"initial_quote"`
	FeeRate      Decimal       `yaml:"fee_rate"`
	Rules        BacktestRules `yaml:"rules"`
}

type BacktestRules struct {
	MinQty      Decimal `yaml:"min_qty"`
	MinNotional Decimal `yaml:"min_notional"`
	PriceTick   Decimal `yaml:"price_tick"`
	QtyStep     Decimal `yaml:"qty_step"`
}

type ExchangeConfig struct {
	APIKey            string `yaml:"api_key"`
	APISecret         string `yaml:"api_secret"`
	RestBaseURL       string `yaml:"rest_base_url"`
	WSBaseURL         string `yaml:"ws_base_url"`
	ClientOrderPrefix string `yaml:"client_order_prefix"`
	RecvWindowMs      int64  `yaml:"recv_window_ms"`
	HTTPTimeoutSec    int64  `yaml:"http_timeout_sec"`
}

type StateConfig struct {
	Dir string `yaml:"dir"`
}

type CircuitBreakerConfig struct {
	Enabled                bool    `yaml:"enabled"`
	MaxConsecutiveFailures int     `yaml:"max_consecutive_failures"`
	FailureRate            float64 `yaml:"failure_rate"`
	MinSamples             int     `yaml:"min_samples"`
	WindowSec              int64   `yaml:"window_sec"`
	CooldownSec            int64   `yaml:"cooldown_sec"`
}

type ObservabilityConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

type RuntimeConfig struct {
	ResyncIntervalSec int64  `yaml:"resync_interval_sec"`
	LogLevel          string `yaml:"log_level"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	c.Grid.SpacingType = strings.ToLower(strings.TrimSpace(c.Grid.SpacingType))
	c.Grid.BoundaryPolicy = strings.ToLower(strings.TrimSpace(c.Grid.BoundaryPolicy))
	c.Exchange.APIKey = strings.TrimSpace(expandEnv(c.Exchange.APIKey))
	c.Exchange.APISecret = strings.TrimSpace(expandEnv(c.Exchange.APISecret))
	c.Exchange.RestBaseURL = strings.TrimSpace(c.Exchange.RestBaseURL)
	c.Exchange.WSBaseURL = strings.TrimSpace(c.Exchange.WSBaseURL)
	c.Exchange.ClientOrderPrefix = strings.TrimSpace(c.Exchange.ClientOrderPrefix)
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.Backtest.DataPath = strings.TrimSpace(c.Backtest.DataPath)
	c.Observability.Telegram.BotToken = strings.TrimSpace(expandEnv(c.Observability.Telegram.BotToken))
	c.Observability.Runtime.LogLevel = strings.ToLower(strings.TrimSpace(c.Observability.Runtime.LogLevel))
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeBacktest
	}
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.Grid.SpacingType == "" {
		c.Grid.SpacingType = "arithmetic"
	}
	if c.Grid.BoundaryPolicy == "" {
		c.Grid.BoundaryPolicy = "exhaust"
	}
	if c.Execution.PlaceRetries == 0 {
		c.Execution.PlaceRetries = 2
	}
	if c.Execution.RetryBackoffMs == 0 {
		c.Execution.RetryBackoffMs = 500
	}
	if c.Execution.TickIntervalMs == 0 {
		c.Execution.TickIntervalMs = 2000
	}
	if c.Exchange.RecvWindowMs == 0 {
		c.Exchange.RecvWindowMs = 5000
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.Exchange.ClientOrderPrefix == "" {
		c.Exchange.ClientOrderPrefix = "ge-" + c.InstanceID
	}
	if c.CircuitBreaker.MaxConsecutiveFailures == 0 {
		c.CircuitBreaker.MaxConsecutiveFailures = 5
	}
	if c.CircuitBreaker.FailureRate == 0 {
		c.CircuitBreaker.FailureRate = 0.5
	}
	if c.CircuitBreaker.MinSamples == 0 {
		c.CircuitBreaker.MinSamples = 10
	}
	if c.CircuitBreaker.WindowSec == 0 {
		c.CircuitBreaker.WindowSec = 60
	}
	if c.CircuitBreaker.CooldownSec == 0 {
		c.CircuitBreaker.CooldownSec = 30
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.Observability.Runtime.ResyncIntervalSec == 0 {
		c.Observability.Runtime.ResyncIntervalSec = 300
	}
	if c.Observability.Runtime.LogLevel == "" {
		c.Observability.Runtime.LogLevel = "info"
	}
	if c.Exchange.RestBaseURL == "" {
		switch c.Mode {
		case ModeTestnet:
			c.Exchange.RestBaseURL = "https://testnet.binance.vision"
		case ModeLive:
			c.Exchange.RestBaseURL = "https://api.binance.com"
		}
	}
	if c.Exchange.WSBaseURL == "" {
		switch c.Mode {
		case ModeTestnet:
			c.Exchange.WSBaseURL = "wss://stream.testnet.binance.vision"
		case ModeLive:
			c.Exchange.WSBaseURL = "wss://stream.binance.com:9443"
		}
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeBacktest, ModeTestnet, ModeLive:
	default:
		return fmt.Errorf("mode must be backtest, testnet, or live")
	}
	if c.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !isValidSymbol(c.Symbol) {
		return fmt.Errorf("symbol must match [A-Z0-9], length 5..20")
	}
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}

	if c.Grid.Levels < 2 {
		return fmt.Errorf("grid.levels must be >= 2")
	}
	if c.Grid.LowerPrice.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("grid.lower_price must be > 0")
	}
	if c.Grid.UpperPrice.Cmp(c.Grid.LowerPrice.Decimal) <= 0 {
		return fmt.Errorf("grid.upper_price must exceed grid.lower_price")
	}
	switch c.Grid.SpacingType {
	case "arithmetic", "geometric":
	default:
		return fmt.Errorf("grid.spacing_type must be arithmetic or geometric")
	}
	switch c.Grid.BoundaryPolicy {
	case "exhaust", "flip":
	default:
		return fmt.Errorf("grid.boundary_policy must be exhaust or flip")
	}

	if c.Capital.Total.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("capital.total must be > 0")
	}
	if c.Capital.ReserveRatio.Cmp(decimal.Zero) < 0 || c.Capital.ReserveRatio.Cmp(decimal.NewFromInt(1)) >= 0 {
		return fmt.Errorf("capital.reserve_ratio must be in [0, 1)")
	}

	for name, pct := range map[string]Decimal{
		"risk.stop_loss_pct":    c.Risk.StopLossPct,
		"risk.take_profit_pct":  c.Risk.TakeProfitPct,
		"risk.max_drawdown_pct": c.Risk.MaxDrawdownPct,
	} {
		if pct.Cmp(decimal.Zero) < 0 || pct.Cmp(decimal.NewFromInt(1)) > 0 {
			return fmt.Errorf("%s must be in [0, 1]", name)
		}
	}
	if c.Risk.MaxPositions < 0 {
		return fmt.Errorf("risk.max_positions must be >= 0")
	}

	if c.Mode == ModeBacktest {
		if c.Backtest.DataPath == "" {
			return fmt.Errorf("backtest.data_path is required in backtest mode")
		}
	} else {
		if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
			return fmt.Errorf("exchange.api_key and exchange.api_secret are required in %s mode", c.Mode)
		}
		if err := validateURL(c.Exchange.RestBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("exchange.rest_base_url: %w", err)
		}
		if err := validateURL(c.Exchange.WSBaseURL, "ws", "wss"); err != nil {
			return fmt.Errorf("exchange.ws_base_url: %w", err)
		}
	}

	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram is enabled")
		}
		if c.Observability.Telegram.ChatID == 0 {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram is enabled")
		}
	}
	switch c.Observability.Runtime.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("observability.runtime.log_level must be one of trace, debug, info, warn, error")
	}
	return nil
}

// expandEnv substitutes ${VAR} references so secrets stay out of config files.
func expandEnv(v string) string {
	if !strings.Contains(v, "${") {
		return v
	}
	return os.Expand(v, func(name string) string {
		return os.Getenv(name)
	})
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

func isValidSymbol(v string) bool {
	if len(v) < 5 || len(v) > 20 {
		return false
	}
	for _, r := range v {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, scheme := range schemes {
		if u.Scheme == scheme {
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
}
