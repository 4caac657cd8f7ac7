package config

import (
	"fmt"
	"strings"
	"time"

	"cosmossdk.io/math"
	"github.com/spf13/viper"

	extypes "github.com/openalpha/simexchange/exchange/types"
)

// Config is the full simexd configuration, loadable from a config file and
// overridable through SIMEX_-prefixed environment variables
// (SIMEX_SERVER_PORT=9090 overrides server.port).
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Clock    ClockConfig    `mapstructure:"clock"`
	Bus      BusConfig      `mapstructure:"bus"`
	Symbols  []SymbolConfig `mapstructure:"symbols"`
	LogLevel string         `mapstructure:"log_level"`
}

type ServerConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	RecvWindow       int64         `mapstructure:"recv_window"`
	DisableRateLimit bool          `mapstructure:"disable_rate_limit"`
}

type ClockConfig struct {
	Mode      string  `mapstructure:"mode"`       // LIVE or BACKTEST
	StartTime int64   `mapstructure:"start_time"` // ms, BACKTEST initial virtual time
	Speed     float64 `mapstructure:"speed"`      // BACKTEST speed factor
}

type BusConfig struct {
	QueueCapacity int `mapstructure:"queue_capacity"`
	PoolSize      int `mapstructure:"pool_size"`
}

// SymbolConfig declares one tradable pair.
type SymbolConfig struct {
	Symbol         string `mapstructure:"symbol"`
	BaseAsset      string `mapstructure:"base_asset"`
	QuoteAsset     string `mapstructure:"quote_asset"`
	PricePrecision int    `mapstructure:"price_precision"`
	QtyPrecision   int    `mapstructure:"qty_precision"`
	MinQty         string `mapstructure:"min_qty"`
	MinNotional    string `mapstructure:"min_notional"`
	MakerFeeRate   string `mapstructure:"maker_fee_rate"`
	TakerFeeRate   string `mapstructure:"taker_fee_rate"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.recv_window", 5000)
	v.SetDefault("server.disable_rate_limit", false)

	v.SetDefault("clock.mode", "LIVE")
	v.SetDefault("clock.start_time", 0)
	v.SetDefault("clock.speed", 1.0)

	v.SetDefault("bus.queue_capacity", 10000)
	v.SetDefault("bus.pool_size", 64)

	v.SetDefault("log_level", "info")
}

// Load reads the config file at path (optional, empty means defaults only)
// and applies SIMEX_ environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SIMEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Symbols) == 0 {
		cfg.Symbols = defaultSymbols()
	}
	return &cfg, nil
}

func defaultSymbols() []SymbolConfig {
	return []SymbolConfig{
		{
			Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT",
			PricePrecision: 2, QtyPrecision: 6,
			MinQty: "0.000001", MinNotional: "10",
			MakerFeeRate: "0.001", TakerFeeRate: "0.001",
		},
		{
			Symbol: "ETHUSDT", BaseAsset: "ETH", QuoteAsset: "USDT",
			PricePrecision: 2, QtyPrecision: 5,
			MinQty: "0.00001", MinNotional: "10",
			MakerFeeRate: "0.001", TakerFeeRate: "0.001",
		},
	}
}

// SymbolTable builds the registered symbol table from the config.
func (c *Config) SymbolTable() (*extypes.SymbolTable, error) {
	tbl := extypes.NewSymbolTable()
	for _, sc := range c.Symbols {
		info, err := sc.toInfo()
		if err != nil {
			return nil, err
		}
		if err := tbl.Register(info); err != nil {
			return nil, err
		}
	}
	return tbl, nil
}

func (sc *SymbolConfig) toInfo() (*extypes.SymbolInfo, error) {
	dec := func(field, value string) (math.LegacyDec, error) {
		d, err := math.LegacyNewDecFromStr(value)
		if err != nil {
			return math.LegacyDec{}, fmt.Errorf("symbol %s: bad %s %q: %w", sc.Symbol, field, value, err)
		}
		return d, nil
	}
	minQty, err := dec("min_qty", sc.MinQty)
	if err != nil {
		return nil, err
	}
	minNotional, err := dec("min_notional", sc.MinNotional)
	if err != nil {
		return nil, err
	}
	maker, err := dec("maker_fee_rate", sc.MakerFeeRate)
	if err != nil {
		return nil, err
	}
	taker, err := dec("taker_fee_rate", sc.TakerFeeRate)
	if err != nil {
		return nil, err
	}
	return &extypes.SymbolInfo{
		Symbol:         sc.Symbol,
		BaseAsset:      sc.BaseAsset,
		QuoteAsset:     sc.QuoteAsset,
		PricePrecision: sc.PricePrecision,
		QtyPrecision:   sc.QtyPrecision,
		MinQty:         minQty,
		MinNotional:    minNotional,
		MakerFeeRate:   maker,
		TakerFeeRate:   taker,
	}, nil
}
