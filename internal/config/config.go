package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Exchange struct {
		APIKey       string        `yaml:"api_key"`
		APISecret    string        `yaml:"api_secret"`
		RESTEndpoint string        `yaml:"rest_endpoint"`
		WSEndpoint   string        `yaml:"ws_endpoint"`
		Testnet      bool          `yaml:"testnet"`
		RESTTimeout  time.Duration `yaml:"rest_timeout"`
	} `yaml:"exchange"`
	Trading   Trading   `yaml:"trading"`
	Websocket Websocket `yaml:"websocket"`
	Ledger    struct {
		Path string `yaml:"path"`
	} `yaml:"ledger"`
	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
	Telegram struct {
		Token  string `yaml:"token"`
		ChatID int64  `yaml:"chat_id"`
	} `yaml:"telegram"`
}

// Trading percentages are whole percents, e.g. 1.5 means 1.5%.
type Trading struct {
	Symbol            string          `yaml:"symbol"`
	Leverage          int             `yaml:"leverage"`
	PositionPercent   decimal.Decimal `yaml:"position_percent"`
	StopProfit        decimal.Decimal `yaml:"stop_profit"`
	StopLoss          decimal.Decimal `yaml:"stop_loss"`
	MaxHoldTime       time.Duration   `yaml:"max_hold_time"`
	ConsecutiveLosses int             `yaml:"consecutive_losses"`
	DisableTime       time.Duration   `yaml:"disable_time"`
	InitialBalance    decimal.Decimal `yaml:"initial_balance"`
}

type Websocket struct {
	KlineInterval        string        `yaml:"kline_interval"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ListenKeyLead        time.Duration `yaml:"listen_key_lead"`
	ListenKeyCheck       time.Duration `yaml:"listen_key_check"`
}

const (
	DefaultRESTEndpoint = "https://fapi.binance.com"
	DefaultWSEndpoint   = "wss://fstream.binance.com/ws"
	TestnetWSEndpoint   = "wss://stream.binancefuture.com/ws"
)

// Load reads the yaml file at path, applies .env and environment overrides,
// fills defaults and validates the result.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		c.Exchange.APIKey = v
	}
	if v := os.Getenv("BINANCE_SECRET_KEY"); v != "" {
		c.Exchange.APISecret = v
	}
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
}

func (c *Config) applyDefaults() {
	if c.Exchange.RESTEndpoint == "" && !c.Exchange.Testnet {
		c.Exchange.RESTEndpoint = DefaultRESTEndpoint
	}
	if c.Exchange.WSEndpoint == "" {
		c.Exchange.WSEndpoint = DefaultWSEndpoint
		if c.Exchange.Testnet {
			c.Exchange.WSEndpoint = TestnetWSEndpoint
		}
	}
	if c.Exchange.RESTTimeout == 0 {
		c.Exchange.RESTTimeout = 10 * time.Second
	}
	c.Trading.Symbol = strings.ToUpper(c.Trading.Symbol)
	if c.Trading.Leverage == 0 {
		c.Trading.Leverage = 1
	}
	if c.Trading.ConsecutiveLosses == 0 {
		c.Trading.ConsecutiveLosses = 3
	}
	if c.Trading.DisableTime == 0 {
		c.Trading.DisableTime = time.Hour
	}
	if c.Websocket.KlineInterval == "" {
		c.Websocket.KlineInterval = "1m"
	}
	if c.Websocket.PingInterval == 0 {
		c.Websocket.PingInterval = 10 * time.Second
	}
	if c.Websocket.ReconnectDelay == 0 {
		c.Websocket.ReconnectDelay = 5 * time.Second
	}
	if c.Websocket.MaxReconnectAttempts == 0 {
		c.Websocket.MaxReconnectAttempts = 3
	}
	if c.Websocket.ListenKeyLead == 0 {
		c.Websocket.ListenKeyLead = 5 * time.Minute
	}
	if c.Websocket.ListenKeyCheck == 0 {
		c.Websocket.ListenKeyCheck = time.Minute
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = "trades.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
}

func (c *Config) Validate() error {
	var errs []error
	t := c.Trading
	if t.Symbol == "" {
		errs = append(errs, errors.New("trading.symbol is required"))
	}
	if t.Leverage < 1 || t.Leverage > 125 {
		errs = append(errs, fmt.Errorf("trading.leverage %d out of range 1..125", t.Leverage))
	}
	if !t.PositionPercent.IsPositive() || t.PositionPercent.GreaterThan(decimal.NewFromInt(100)) {
		errs = append(errs, fmt.Errorf("trading.position_percent %s out of range (0, 100]", t.PositionPercent))
	}
	if !t.StopProfit.IsPositive() {
		errs = append(errs, errors.New("trading.stop_profit must be positive"))
	}
	if !t.StopLoss.IsPositive() || t.StopLoss.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		errs = append(errs, errors.New("trading.stop_loss must be in (0, 100)"))
	}
	if t.MaxHoldTime <= 0 {
		errs = append(errs, errors.New("trading.max_hold_time must be positive"))
	}
	if !t.InitialBalance.IsPositive() {
		errs = append(errs, errors.New("trading.initial_balance must be positive"))
	}
	if c.Websocket.ListenKeyLead >= 55*time.Minute {
		errs = append(errs, errors.New("websocket.listen_key_lead must be shorter than the 55m key lifetime"))
	}
	return errors.Join(errs...)
}
