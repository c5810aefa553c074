package ops

import (
	"time"

	"github.com/spf13/viper"
	"github.com/yanun0323/errors"

	"main/internal/ledger"
	"main/internal/risk"
)

var ErrInvalidConfig = errors.New("ops: invalid configuration")

// Config mirrors the YAML configuration layout shared by the trader
// and backtester binaries.
type Config struct {
	Store      StoreConfig      `mapstructure:"store"`
	Docs       DocsConfig       `mapstructure:"docs"`
	Bus        BusConfig        `mapstructure:"bus"`
	Backtest   BacktestConfig   `mapstructure:"backtest"`
	Live       LiveConfig       `mapstructure:"live"`
	Risk       risk.Config      `mapstructure:"risk"`
	Feed       FeedConfig       `mapstructure:"feed"`
	Profile    ProfileConfig    `mapstructure:"profile"`
	Strategies []StrategyConfig `mapstructure:"strategies"`
}

// StoreConfig selects the market data backend and its redundant
// replicas.
type StoreConfig struct {
	Driver      string   `mapstructure:"driver"` // postgres | sqlite
	DSNs        []string `mapstructure:"dsns"`
	Retries     int      `mapstructure:"retries"`
	RotateAfter int      `mapstructure:"rotateAfter"`
}

// DocsConfig locates the per-strategy JSON document root.
type DocsConfig struct {
	Dir string `mapstructure:"dir"`
}

// BusConfig sizes the event bus.
type BusConfig struct {
	Lanes     int `mapstructure:"lanes"`
	QueueSize int `mapstructure:"queueSize"`
}

// BacktestConfig carries the defaults applied to submitted runs.
type BacktestConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	PeriodCount int           `mapstructure:"periodCount"`
	InitialCash float64       `mapstructure:"initialCash"`
	CostRate    float64       `mapstructure:"costRate"`
	Settlement  string        `mapstructure:"settlement"` // t1 | t0
	BarPeriod   time.Duration `mapstructure:"barPeriod"`
}

// LiveConfig wires the live coordinator.
type LiveConfig struct {
	Reference []string      `mapstructure:"reference"`
	BarPeriod time.Duration `mapstructure:"barPeriod"`
	Lane      int           `mapstructure:"lane"`
}

// FeedConfig wires the vendor feed client.
type FeedConfig struct {
	Sources     []string `mapstructure:"sources"`
	Broker      string   `mapstructure:"broker"`
	RotateAfter int      `mapstructure:"rotateAfter"`
}

// ProfileConfig enables continuous profiling.
type ProfileConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Server  string `mapstructure:"server"`
}

// StrategyConfig declares one strategy instance and its broker account.
type StrategyConfig struct {
	Name        string             `mapstructure:"name"`
	Broker      string             `mapstructure:"broker"`
	Codes       []string           `mapstructure:"codes"`
	Params      map[string]float64 `mapstructure:"params"`
	InitialCash float64            `mapstructure:"initialCash"`
	CostRate    float64            `mapstructure:"costRate"`
}

// Load reads the config file, applies defaults and validates. Values
// may be overridden through TRADER_-prefixed environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADER")
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Retries <= 0 {
		c.Store.Retries = 3
	}
	if c.Store.RotateAfter <= 0 {
		c.Store.RotateAfter = 3
	}
	if c.Docs.Dir == "" {
		c.Docs.Dir = "data/docs"
	}
	if c.Bus.Lanes <= 0 {
		c.Bus.Lanes = 4
	}
	if c.Backtest.Concurrency <= 0 {
		c.Backtest.Concurrency = 4
	}
	if c.Backtest.PeriodCount <= 0 {
		c.Backtest.PeriodCount = 1
	}
	if c.Backtest.InitialCash <= 0 {
		c.Backtest.InitialCash = 1_000_000
	}
	if c.Backtest.Settlement == "" {
		c.Backtest.Settlement = "t1"
	}
	if c.Feed.RotateAfter <= 0 {
		c.Feed.RotateAfter = 3
	}
	return c
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		return errors.Wrap(ErrInvalidConfig, "store.driver must be postgres or sqlite")
	}
	if len(c.Store.DSNs) == 0 {
		return errors.Wrap(ErrInvalidConfig, "store.dsns is empty")
	}
	switch c.Backtest.Settlement {
	case "t1", "t0":
	default:
		return errors.Wrap(ErrInvalidConfig, "backtest.settlement must be t1 or t0")
	}
	if len(c.Live.Reference) != 0 && len(c.Live.Reference) != 2 {
		return errors.Wrap(ErrInvalidConfig, "live.reference needs exactly two codes")
	}
	for _, s := range c.Strategies {
		if s.Name == "" || s.Broker == "" {
			return errors.Wrap(ErrInvalidConfig, "strategy name and broker are required")
		}
	}
	if c.Profile.Enabled && c.Profile.Server == "" {
		return errors.Wrap(ErrInvalidConfig, "profile.server is empty")
	}
	if c.Risk.OrderRateLimit > 0 && c.Risk.OrderRateWindow <= 0 {
		return errors.Wrap(ErrInvalidConfig, "risk.orderRateWindow is required with risk.orderRateLimit")
	}
	return nil
}

// SettlementRule maps the configured settlement string to the ledger rule.
func (c BacktestConfig) SettlementRule() ledger.Settlement {
	if c.Settlement == "t0" {
		return ledger.SettleT0
	}
	return ledger.SettleT1
}
