package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了引擎运行所需的全部配置项。
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	Validation ValidationConfig `mapstructure:"validation"`
	Strategy   StrategyConfig   `mapstructure:"strategy"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Admin      AdminConfig      `mapstructure:"admin"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ExchangeConfig 描述交易所连接信息与凭证。
type ExchangeConfig struct {
	Driver          string        `mapstructure:"driver"`
	Market          string        `mapstructure:"market"`
	Name            string        `mapstructure:"name"`
	APIKey          string        `mapstructure:"api_key"`
	APISecret       string        `mapstructure:"api_secret"`
	BaseURL         string        `mapstructure:"base_url"`
	TestnetURL      string        `mapstructure:"testnet_url"`
	SpotURL         string        `mapstructure:"spot_url"`
	SpotTestnetURL  string        `mapstructure:"spot_testnet_url"`
	UseTestnet      bool          `mapstructure:"use_testnet"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RecvWindow      time.Duration `mapstructure:"recv_window"`
	DefaultLeverage int           `mapstructure:"default_leverage"`
	Retry           RetryConfig   `mapstructure:"retry"`
}

// IsSpot 表示连接现货接口而非 USDⓈ-M 合约。
func (c ExchangeConfig) IsSpot() bool {
	return strings.EqualFold(c.Market, "spot")
}

// Endpoint 返回实际使用的 REST 根地址。
func (c ExchangeConfig) Endpoint() string {
	base, testnet := c.BaseURL, c.TestnetURL
	if c.IsSpot() {
		base, testnet = c.SpotURL, c.SpotTestnetURL
	}
	if c.UseTestnet && testnet != "" {
		return strings.TrimRight(testnet, "/")
	}
	return strings.TrimRight(base, "/")
}

// RetryConfig 控制单次交易所调用的重试。
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	Multiplier float64       `mapstructure:"multiplier"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Jitter     time.Duration `mapstructure:"jitter"`
}

// ValidationConfig 为参数校验器的取值范围。
type ValidationConfig struct {
	Symbols       []string `mapstructure:"symbols"`
	MinQuantity   float64  `mapstructure:"min_quantity"`
	MaxQuantity   float64  `mapstructure:"max_quantity"`
	MinPrice      float64  `mapstructure:"min_price"`
	MaxPrice      float64  `mapstructure:"max_price"`
	MaxLeverage   int      `mapstructure:"max_leverage"`
	MaxSlices     int      `mapstructure:"max_slices"`
	MaxGridLevels int      `mapstructure:"max_grid_levels"`
}

// StrategyConfig 为执行器的默认节奏与容错参数。
type StrategyConfig struct {
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	PriceFailureLimit  int           `mapstructure:"price_failure_limit"`
	StatusFailureLimit int           `mapstructure:"status_failure_limit"`
	CancelAttempts     int           `mapstructure:"cancel_attempts"`
	QuantityStep       string        `mapstructure:"quantity_step"`
}

// DatabaseConfig 管理事件日志数据库。
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// AdminConfig 控制运维接口。
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// TracingConfig 控制链路追踪上报。
type TracingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}

	switch strings.ToLower(c.Exchange.Driver) {
	case "rest":
		if c.Exchange.Endpoint() == "" {
			err = multierr.Append(err, errors.New("exchange.base_url 不能为空"))
		}
	case "ccxt":
		if c.Exchange.Name == "" {
			err = multierr.Append(err, errors.New("exchange.name 不能为空"))
		}
		if c.Exchange.IsSpot() {
			err = multierr.Append(err, errors.New("exchange.market=spot 仅支持 rest 驱动"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("exchange.driver 不支持 %q", c.Exchange.Driver))
	}
	switch strings.ToLower(c.Exchange.Market) {
	case "", "futures":
	case "spot":
		if c.Exchange.DefaultLeverage > 1 {
			err = multierr.Append(err, errors.New("exchange.default_leverage 现货必须为1"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("exchange.market 不支持 %q", c.Exchange.Market))
	}
	if strings.EqualFold(c.Exchange.Driver, "ccxt") && c.Exchange.DefaultLeverage > 1 {
		err = multierr.Append(err, errors.New("exchange.default_leverage ccxt 驱动不支持设置杠杆"))
	}
	if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
		err = multierr.Append(err, errors.New("exchange.api_key 与 exchange.api_secret 不能为空"))
	}
	if c.Exchange.Timeout <= 0 {
		err = multierr.Append(err, errors.New("exchange.timeout 必须大于0"))
	}
	if c.Exchange.RecvWindow < 0 {
		err = multierr.Append(err, errors.New("exchange.recv_window 不能为负"))
	}
	if c.Exchange.DefaultLeverage < 0 || c.Exchange.DefaultLeverage > 125 {
		err = multierr.Append(err, errors.New("exchange.default_leverage 必须位于[0,125]"))
	}
	if c.Exchange.Retry.MaxRetries < 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_retries 不能为负"))
	}
	if c.Exchange.Retry.BaseDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.delay 必须为正"))
	}
	if c.Exchange.Retry.BaseDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.base_delay 不能大于 max_delay"))
	}
	if c.Exchange.Retry.Multiplier < 1 {
		err = multierr.Append(err, errors.New("exchange.retry.multiplier 不能小于1"))
	}
	if c.Exchange.Retry.Jitter < 0 {
		err = multierr.Append(err, errors.New("exchange.retry.jitter 不能为负"))
	}

	if c.Validation.MinQuantity < 0 || c.Validation.MinPrice < 0 {
		err = multierr.Append(err, errors.New("validation 下限不能为负"))
	}
	if c.Validation.MaxQuantity > 0 && c.Validation.MinQuantity > c.Validation.MaxQuantity {
		err = multierr.Append(err, errors.New("validation.min_quantity 不能大于 max_quantity"))
	}
	if c.Validation.MaxPrice > 0 && c.Validation.MinPrice > c.Validation.MaxPrice {
		err = multierr.Append(err, errors.New("validation.min_price 不能大于 max_price"))
	}
	if c.Validation.MaxSlices < 2 {
		err = multierr.Append(err, errors.New("validation.max_slices 不能小于2"))
	}
	if c.Validation.MaxGridLevels < 2 {
		err = multierr.Append(err, errors.New("validation.max_grid_levels 不能小于2"))
	}

	if c.Strategy.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("strategy.poll_interval 必须大于0"))
	}
	if c.Strategy.PriceFailureLimit <= 0 {
		err = multierr.Append(err, errors.New("strategy.price_failure_limit 必须大于0"))
	}
	if c.Strategy.StatusFailureLimit <= 0 {
		err = multierr.Append(err, errors.New("strategy.status_failure_limit 必须大于0"))
	}
	if c.Strategy.CancelAttempts <= 0 {
		err = multierr.Append(err, errors.New("strategy.cancel_attempts 必须大于0"))
	}

	if c.Database.Enabled {
		if c.Database.Path == "" && !c.Database.InMemory {
			err = multierr.Append(err, errors.New("database.path 不能为空"))
		}
		if c.Database.MaxOpenConns <= 0 {
			err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
		}
		if c.Database.MaxIdleConns < 0 {
			err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
		}
		if c.Database.ConnMaxLifetime < 0 {
			err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
		}
	}

	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if c.Admin.Enabled && c.Admin.Addr == "" {
		err = multierr.Append(err, errors.New("admin.addr 不能为空"))
	}
	if c.Tracing.Enabled && (c.Tracing.Host == "" || c.Tracing.Port <= 0) {
		err = multierr.Append(err, errors.New("tracing.host 与 tracing.port 必须配置"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
