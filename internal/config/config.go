package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"okx-carry-bot/internal/strategy"

	"gopkg.in/yaml.v3"
)

const (
	ModeGateway = "gateway"
	ModeDirect  = "direct"
)

type Config struct {
	Log        LoggingConfig     `yaml:"log"`
	REST       RESTConfig        `yaml:"rest"`
	WS         WSConfig          `yaml:"ws"`
	State      StateConfig       `yaml:"state"`
	Hedge      HedgeConfig       `yaml:"hedge"`
	Scanner    ScannerConfig     `yaml:"scanner"`
	Scheduler  SchedulerConfig   `yaml:"scheduler"`
	Strategies []strategy.Config `yaml:"strategies"`
	Risk       RiskConfig        `yaml:"risk"`
	Oracle     OracleConfig      `yaml:"oracle"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	Timescale  TimescaleConfig   `yaml:"timescale"`
	Telegram   TelegramConfig    `yaml:"telegram"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Encoding  string `yaml:"encoding"`
	Simulated bool   `yaml:"-"`
}

// RESTConfig selects how requests reach the exchange. In gateway mode an
// external proxy signs requests; in direct mode the client signs them with
// the OKX_* credentials from the environment.
type RESTConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	Mode       string        `yaml:"mode"`
	Simulated  bool          `yaml:"simulated"`
	APIKey     string        `yaml:"-"`
	APISecret  string        `yaml:"-"`
	Passphrase string        `yaml:"-"`
}

type WSConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	MaxPriceAge    time.Duration `yaml:"max_price_age"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type HedgeConfig struct {
	SideBudgetFraction float64       `yaml:"side_budget_fraction"`
	FeeRate            float64       `yaml:"fee_rate"`
	MaxDeviation       float64       `yaml:"max_deviation"`
	ExtremeDeviation   float64       `yaml:"extreme_deviation"`
	NoiseContracts     float64       `yaml:"noise_contracts"`
	FillPollAttempts   int           `yaml:"fill_poll_attempts"`
	FillPollInterval   time.Duration `yaml:"fill_poll_interval"`
	Leverage           string        `yaml:"leverage"`
	MarginMode         string        `yaml:"margin_mode"`
	SweepDustOnExit    *bool         `yaml:"sweep_dust_on_exit"`
}

func (h HedgeConfig) SweepDustOnExitValue() bool {
	if h.SweepDustOnExit == nil {
		return true
	}
	return *h.SweepDustOnExit
}

type ScannerConfig struct {
	QuoteCcy    string `yaml:"quote_ccy"`
	PrefixLimit int    `yaml:"prefix_limit"`
	TargetCount int    `yaml:"target_count"`
	Concurrency int    `yaml:"concurrency"`
}

type SchedulerConfig struct {
	TickInterval           time.Duration `yaml:"tick_interval"`
	BalanceRefreshInterval time.Duration `yaml:"balance_refresh_interval"`
	FeeBps                 float64       `yaml:"fee_bps"`
	SlippageBps            float64       `yaml:"slippage_bps"`
}

type RiskConfig struct {
	MaxNotionalUSD  float64 `yaml:"max_notional_usd"`
	MinAvailableUSD float64 `yaml:"min_available_usd"`
}

type OracleConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	APIKey  string        `yaml:"-"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	if m.Enabled == nil {
		return false
	}
	return *m.Enabled
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyEnv(cfg *Config) {
	cfg.REST.APIKey = strings.TrimSpace(os.Getenv("OKX_API_KEY"))
	cfg.REST.APISecret = strings.TrimSpace(os.Getenv("OKX_API_SECRET"))
	cfg.REST.Passphrase = strings.TrimSpace(os.Getenv("OKX_PASSPHRASE"))
	cfg.Oracle.APIKey = strings.TrimSpace(os.Getenv("ORACLE_API_KEY"))
	if token := strings.TrimSpace(os.Getenv("TELEGRAM_TOKEN")); token != "" && cfg.Telegram.Token == "" {
		cfg.Telegram.Token = token
	}
	if chatID := strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID")); chatID != "" && cfg.Telegram.ChatID == "" {
		cfg.Telegram.ChatID = chatID
	}
	if raw := strings.TrimSpace(os.Getenv("OKX_SIMULATED")); raw != "" {
		cfg.REST.Simulated = raw == "1" || strings.EqualFold(raw, "true")
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	cfg.Log.Simulated = cfg.REST.Simulated
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = "https://www.okx.com"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.REST.Mode == "" {
		cfg.REST.Mode = ModeGateway
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = "wss://ws.okx.com:8443/ws/v5/public"
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 3 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 20 * time.Second
	}
	if cfg.WS.MaxPriceAge == 0 {
		cfg.WS.MaxPriceAge = 5 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/okx-carry-bot.db"
	}
	applyHedgeDefaults(&cfg.Hedge)
	if cfg.Scanner.QuoteCcy == "" {
		cfg.Scanner.QuoteCcy = "USDT"
	}
	if cfg.Scanner.PrefixLimit == 0 {
		cfg.Scanner.PrefixLimit = 30
	}
	if cfg.Scanner.TargetCount == 0 {
		cfg.Scanner.TargetCount = 10
	}
	if cfg.Scanner.Concurrency == 0 {
		cfg.Scanner.Concurrency = 5
	}
	if cfg.Scheduler.TickInterval == 0 {
		cfg.Scheduler.TickInterval = 2 * time.Second
	}
	if cfg.Scheduler.BalanceRefreshInterval == 0 {
		cfg.Scheduler.BalanceRefreshInterval = 15 * time.Second
	}
	if cfg.Scheduler.FeeBps == 0 {
		cfg.Scheduler.FeeBps = 10
	}
	if cfg.Oracle.Timeout == 0 {
		cfg.Oracle.Timeout = 20 * time.Second
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	for i := range cfg.Strategies {
		cfg.Strategies[i].Params = cfg.Strategies[i].Params.WithDefaults()
	}
}

func applyHedgeDefaults(h *HedgeConfig) {
	if h.SideBudgetFraction == 0 {
		h.SideBudgetFraction = 0.48
	}
	if h.FeeRate == 0 {
		h.FeeRate = 0.001
	}
	if h.MaxDeviation == 0 {
		h.MaxDeviation = 0.05
	}
	if h.ExtremeDeviation == 0 {
		h.ExtremeDeviation = 0.5
	}
	if h.NoiseContracts == 0 {
		h.NoiseContracts = 2
	}
	if h.FillPollAttempts == 0 {
		h.FillPollAttempts = 10
	}
	if h.FillPollInterval == 0 {
		h.FillPollInterval = 500 * time.Millisecond
	}
	if h.Leverage == "" {
		h.Leverage = "1"
	}
	if h.MarginMode == "" {
		h.MarginMode = "cross"
	}
}

func validate(cfg *Config) error {
	switch cfg.REST.Mode {
	case ModeGateway:
	case ModeDirect:
		if cfg.REST.APIKey == "" || cfg.REST.APISecret == "" || cfg.REST.Passphrase == "" {
			return errors.New("OKX_API_KEY, OKX_API_SECRET and OKX_PASSPHRASE are required in direct mode")
		}
	default:
		return fmt.Errorf("rest.mode must be %q or %q", ModeGateway, ModeDirect)
	}
	if cfg.Hedge.SideBudgetFraction <= 0 || cfg.Hedge.SideBudgetFraction > 0.5 {
		return errors.New("hedge.side_budget_fraction must be in (0, 0.5]")
	}
	if cfg.Hedge.FeeRate < 0 || cfg.Hedge.FeeRate >= 0.1 {
		return errors.New("hedge.fee_rate must be in [0, 0.1)")
	}
	if cfg.Hedge.MaxDeviation <= 0 {
		return errors.New("hedge.max_deviation must be > 0")
	}
	if cfg.Hedge.ExtremeDeviation < cfg.Hedge.MaxDeviation {
		return errors.New("hedge.extreme_deviation must be >= hedge.max_deviation")
	}
	if cfg.Hedge.FillPollAttempts < 1 {
		return errors.New("hedge.fill_poll_attempts must be >= 1")
	}
	if cfg.Metrics.EnabledValue() && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Telegram.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || strings.TrimSpace(cfg.Telegram.ChatID) == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.Telegram.OperatorEnabled && !cfg.Telegram.Enabled {
		return errors.New("telegram.operator_enabled requires telegram.enabled")
	}
	if cfg.Oracle.Enabled && strings.TrimSpace(cfg.Oracle.BaseURL) == "" {
		return errors.New("oracle.base_url is required when oracle is enabled")
	}
	seen := make(map[string]struct{}, len(cfg.Strategies))
	for _, s := range cfg.Strategies {
		if strings.TrimSpace(s.Name) == "" {
			return errors.New("strategy name is required")
		}
		if _, ok := seen[s.Name]; ok {
			return fmt.Errorf("duplicate strategy name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
		if err := s.Params.Validate(); err != nil {
			return fmt.Errorf("strategy %s: %w", s.Name, err)
		}
		if s.Params.UseOracle && !cfg.Oracle.Enabled {
			return fmt.Errorf("strategy %s: use_oracle requires oracle.enabled", s.Name)
		}
	}
	return nil
}
