package infra

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"exchange_core/internal/domain"

	"github.com/joho/godotenv"
	"github.com/kr/pretty"
	"github.com/shopspring/decimal"
	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultUserAgent is sent on venue REST calls.
	DefaultUserAgent = "exchange-core/1.0"

	maskedSecret = "******"
)

// AssetConfig describes one tradable asset.
type AssetConfig struct {
	Symbol       string          `yaml:"symbol" validate:"nonzero"`
	Precision    int32           `yaml:"precision" validate:"min=0,max=18"`
	Hedger       string          `yaml:"hedger"`
	InterestRate decimal.Decimal `yaml:"interest_rate"`
}

// MarketConfig describes one trading pair.
type MarketConfig struct {
	Symbol          string          `yaml:"symbol" validate:"nonzero"`
	Base            string          `yaml:"base" validate:"nonzero"`
	Quote           string          `yaml:"quote" validate:"nonzero"`
	PricePrecision  int32           `yaml:"price_precision" validate:"min=0,max=18"`
	AmountPrecision int32           `yaml:"amount_precision" validate:"min=0,max=18"`
	MinAmount       decimal.Decimal `yaml:"min_amount"`
	MaxAmount       decimal.Decimal `yaml:"max_amount"`
	MinNotional     decimal.Decimal `yaml:"min_notional"`
	MakerFee        decimal.Decimal `yaml:"maker_fee"`
	TakerFee        decimal.Decimal `yaml:"taker_fee"`
}

// Config holds every setting of the process.
// LoadConfig fills it from yaml, then overrides secrets from the environment.
type Config struct {
	App struct {
		Name    string `yaml:"name" validate:"nonzero"`
		Version string `yaml:"version"`
		Env     string `yaml:"env"`
	} `yaml:"app"`

	Database struct {
		Driver          string        `yaml:"driver" validate:"regexp=^(sqlite|postgres)$"`
		DSN             string        `yaml:"dsn" validate:"nonzero"`
		MaxOpenConns    int           `yaml:"max_open_conns" validate:"min=0"`
		MaxIdleConns    int           `yaml:"max_idle_conns" validate:"min=0"`
		ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	} `yaml:"database"`

	Logging struct {
		Level      string `yaml:"level"`
		Dir        string `yaml:"dir"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb" validate:"min=0"`
		MaxBackups int    `yaml:"max_backups" validate:"min=0"`
		MaxAgeDays int    `yaml:"max_age_days" validate:"min=0"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logging"`

	Metrics struct {
		Addr        string `yaml:"addr"`
		EnablePprof bool   `yaml:"enable_pprof"`
	} `yaml:"metrics"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db" validate:"min=0"`
	} `yaml:"redis"`

	Kafka struct {
		Enabled bool     `yaml:"enabled"`
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
		Buffer  int      `yaml:"buffer" validate:"min=0"`
	} `yaml:"kafka"`

	Assets  []AssetConfig  `yaml:"assets" validate:"min=1"`
	Markets []MarketConfig `yaml:"markets" validate:"min=1"`

	Matching struct {
		CancelSweepInterval time.Duration `yaml:"cancel_sweep_interval"`
		CancelBatch         int           `yaml:"cancel_batch" validate:"min=0"`
	} `yaml:"matching"`

	Margin struct {
		LiquidationLevel decimal.Decimal `yaml:"liquidation_level"`
		MarginCallLevel  decimal.Decimal `yaml:"margin_call_level"`
		ResolveLevel     decimal.Decimal `yaml:"resolve_level"`
		MaxLeverage      decimal.Decimal `yaml:"max_leverage"`
		InterestWindow   time.Duration   `yaml:"interest_window"`
		SweepInterval    time.Duration   `yaml:"sweep_interval"`
		RetryInterval    time.Duration   `yaml:"retry_interval"`
		RetryStaleAfter  time.Duration   `yaml:"retry_stale_after"`
		MaxAttempts      int             `yaml:"max_attempts" validate:"min=0"`
		Workers          int             `yaml:"workers" validate:"min=0"`
	} `yaml:"margin"`

	OTC struct {
		Spread       decimal.Decimal `yaml:"spread"`
		QuoteTTL     time.Duration   `yaml:"quote_ttl"`
		MaxPriceMove decimal.Decimal `yaml:"max_price_move"`
	} `yaml:"otc"`

	Prices struct {
		StaleAfter time.Duration `yaml:"stale_after"`
		CacheTTL   time.Duration `yaml:"cache_ttl"`
	} `yaml:"prices"`

	API struct {
		Bitget struct {
			Enabled    bool              `yaml:"enabled"`
			WSURL      string            `yaml:"ws_url"`
			RestURL    string            `yaml:"rest_url"`
			AccessKey  string            `yaml:"access_key"`
			SecretKey  string            `yaml:"secret_key"`
			Passphrase string            `yaml:"passphrase"`
			Timeout    time.Duration     `yaml:"timeout"`
			HedgeQuote string            `yaml:"hedge_quote"`
			Symbols    map[string]string `yaml:"symbols"` // venue symbol -> internal symbol
		} `yaml:"bitget"`
	} `yaml:"api"`
}

// LoadConfig reads a yaml file, applies .env and environment overrides, then validates.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &ConfigError{Field: "path", Err: fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)}
		}
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ConfigError aliases the domain config error for callers of this package.
type ConfigError = domain.ConfigError

// Default returns the settings used for keys absent from the file.
func Default() *Config {
	cfg := &Config{}
	cfg.App.Name = "exchange-core"
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = "data/exchange.db"
	cfg.Logging.Level = "info"
	cfg.Logging.Dir = "logs"
	cfg.Logging.File = "app.log"
	cfg.Logging.MaxSizeMB = 10
	cfg.Logging.MaxBackups = 3
	cfg.Logging.MaxAgeDays = 28
	cfg.Logging.Compress = true
	cfg.Metrics.Addr = ":9100"
	cfg.Kafka.Topic = "exchange_events"
	cfg.Kafka.Buffer = 1024
	cfg.Matching.CancelSweepInterval = 5 * time.Second
	cfg.Matching.CancelBatch = 200
	cfg.Margin.LiquidationLevel = decimal.RequireFromString("1.1")
	cfg.Margin.MarginCallLevel = decimal.RequireFromString("1.3")
	cfg.Margin.ResolveLevel = decimal.RequireFromString("1.5")
	cfg.Margin.MaxLeverage = decimal.NewFromInt(10)
	cfg.Margin.InterestWindow = time.Hour
	cfg.Margin.SweepInterval = 10 * time.Second
	cfg.Margin.RetryInterval = 30 * time.Second
	cfg.Margin.RetryStaleAfter = time.Minute
	cfg.Margin.MaxAttempts = 20
	cfg.Margin.Workers = 8
	cfg.OTC.Spread = decimal.RequireFromString("0.005")
	cfg.OTC.QuoteTTL = 15 * time.Second
	cfg.OTC.MaxPriceMove = decimal.RequireFromString("0.01")
	cfg.Prices.StaleAfter = 30 * time.Second
	cfg.Prices.CacheTTL = 10 * time.Minute
	cfg.API.Bitget.WSURL = "wss://ws.bitget.com/v2/ws/public"
	cfg.API.Bitget.RestURL = "https://api.bitget.com"
	cfg.API.Bitget.Timeout = 5 * time.Second
	cfg.API.Bitget.HedgeQuote = "USDT"
	return cfg
}

// Validate runs the struct tag rules, then the cross-field checks tags cannot express.
func (c *Config) Validate() error {
	if err := validator.Validate(c); err != nil {
		return &ConfigError{Field: "struct", Err: err}
	}

	if _, err := c.Registry(); err != nil {
		return &ConfigError{Field: "markets", Err: err}
	}

	m := c.Margin
	if !m.LiquidationLevel.GreaterThan(decimal.NewFromInt(1)) {
		return &ConfigError{Field: "margin.liquidation_level", Err: fmt.Errorf("must be above 1, got %s", m.LiquidationLevel)}
	}
	if !m.MarginCallLevel.GreaterThan(m.LiquidationLevel) {
		return &ConfigError{Field: "margin.margin_call_level", Err: errors.New("must be above liquidation_level")}
	}
	if m.ResolveLevel.LessThan(m.MarginCallLevel) {
		return &ConfigError{Field: "margin.resolve_level", Err: errors.New("must not be below margin_call_level")}
	}
	if !m.MaxLeverage.GreaterThan(decimal.NewFromInt(1)) {
		return &ConfigError{Field: "margin.max_leverage", Err: errors.New("must be above 1")}
	}
	if m.InterestWindow <= 0 || m.SweepInterval <= 0 {
		return &ConfigError{Field: "margin", Err: errors.New("interest_window and sweep_interval must be positive")}
	}

	if c.OTC.Spread.IsNegative() || c.OTC.QuoteTTL <= 0 {
		return &ConfigError{Field: "otc", Err: errors.New("spread must be >= 0 and quote_ttl positive")}
	}

	if c.Redis.Enabled && c.Redis.Address == "" {
		return &ConfigError{Field: "redis.address", Err: errors.New("required when redis is enabled")}
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return &ConfigError{Field: "kafka", Err: errors.New("brokers and topic required when kafka is enabled")}
	}

	bg := c.API.Bitget
	if bg.Enabled && !strings.HasPrefix(bg.WSURL, "ws://") && !strings.HasPrefix(bg.WSURL, "wss://") {
		return &ConfigError{Field: "api.bitget.ws_url", Err: fmt.Errorf("invalid websocket URL %q", bg.WSURL)}
	}
	for _, a := range c.Assets {
		if a.Hedger == "bitget" && bg.RestURL == "" {
			return &ConfigError{Field: "api.bitget.rest_url", Err: fmt.Errorf("required to hedge %s", a.Symbol)}
		}
	}
	return nil
}

// Registry builds the asset and pair registry from the configured markets.
func (c *Config) Registry() (*domain.Registry, error) {
	assets := make([]domain.Asset, 0, len(c.Assets))
	for _, a := range c.Assets {
		assets = append(assets, domain.Asset{
			Symbol:       a.Symbol,
			Precision:    a.Precision,
			Hedger:       a.Hedger,
			InterestRate: a.InterestRate,
		})
	}
	pairs := make([]domain.Pair, 0, len(c.Markets))
	for _, m := range c.Markets {
		pairs = append(pairs, domain.Pair{
			Symbol:          m.Symbol,
			Base:            m.Base,
			Quote:           m.Quote,
			PricePrecision:  m.PricePrecision,
			AmountPrecision: m.AmountPrecision,
			MinAmount:       m.MinAmount,
			MaxAmount:       m.MaxAmount,
			MinNotional:     m.MinNotional,
			MakerFee:        m.MakerFee,
			TakerFee:        m.TakerFee,
		})
	}
	return domain.NewRegistry(assets, pairs)
}

// Thresholds returns the margin level thresholds.
func (c *Config) Thresholds() domain.MarginThresholds {
	return domain.MarginThresholds{
		Liquidation: c.Margin.LiquidationLevel,
		MarginCall:  c.Margin.MarginCallLevel,
		Resolve:     c.Margin.ResolveLevel,
	}
}

// Dump renders the effective configuration with secrets masked.
func (c *Config) Dump() string {
	masked := *c
	if masked.Redis.Password != "" {
		masked.Redis.Password = maskedSecret
	}
	if masked.API.Bitget.SecretKey != "" {
		masked.API.Bitget.SecretKey = maskedSecret
	}
	if masked.API.Bitget.Passphrase != "" {
		masked.API.Bitget.Passphrase = maskedSecret
	}
	if i := strings.Index(masked.Database.DSN, "password="); i >= 0 {
		masked.Database.DSN = masked.Database.DSN[:i] + "password=" + maskedSecret
	}
	return pretty.Sprintf("%# v", masked)
}

// overrideWithEnv replaces settings with environment values when present.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("EXCHANGE_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("EXCHANGE_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("EXCHANGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("EXCHANGE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if key := os.Getenv("EXCHANGE_BITGET_KEY"); key != "" {
		cfg.API.Bitget.AccessKey = key
	}
	if secret := os.Getenv("EXCHANGE_BITGET_SECRET"); secret != "" {
		cfg.API.Bitget.SecretKey = secret
	}
	if pass := os.Getenv("EXCHANGE_BITGET_PASSPHRASE"); pass != "" {
		cfg.API.Bitget.Passphrase = pass
	}
}
