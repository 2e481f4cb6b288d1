package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了服务运行所需的全部配置项。
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Market   MarketConfig   `mapstructure:"market"`
	Backtest BacktestConfig `mapstructure:"backtest"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ServerConfig 描述 HTTP 服务监听参数。
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MarketConfig 描述行情与宏观数据源。
type MarketConfig struct {
	FREDAPIKey   string        `mapstructure:"fred_api_key"`
	FREDSeries   string        `mapstructure:"fred_series"`
	CryptoVenue  string        `mapstructure:"crypto_venue"`
	DefaultStart string        `mapstructure:"default_start"`
	CacheExpiry  time.Duration `mapstructure:"cache_expiry"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"`
	Retry        RetryConfig   `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// BacktestConfig 管理回测引擎参数。
type BacktestConfig struct {
	RiskFreeFallback float64 `mapstructure:"risk_free_fallback"`
	MarginFee        float64 `mapstructure:"margin_fee"`
	TradingDays      int     `mapstructure:"trading_days"`
	WeightTolerance  float64 `mapstructure:"weight_tolerance"`
}

// OpenAIConfig 描述大模型调用参数，api_key 为空时禁用点评功能。
type OpenAIConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
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

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		err = multierr.Append(err, errors.New("server.port 必须位于(0,65535]"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		err = multierr.Append(err, errors.New("server.shutdown_timeout 必须大于0"))
	}
	if c.Market.FREDSeries == "" {
		err = multierr.Append(err, errors.New("market.fred_series 不能为空"))
	}
	if _, parseErr := time.Parse("2006-01-02", c.Market.DefaultStart); parseErr != nil {
		err = multierr.Append(err, errors.New("market.default_start 必须为 YYYY-MM-DD 格式"))
	}
	if c.Market.CacheExpiry <= 0 {
		err = multierr.Append(err, errors.New("market.cache_expiry 必须大于0"))
	}
	if c.Market.HTTPTimeout <= 0 {
		err = multierr.Append(err, errors.New("market.http_timeout 必须大于0"))
	}
	if c.Market.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("market.retry.max_attempts 必须大于0"))
	}
	if c.Market.Retry.MinDelay <= 0 || c.Market.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("market.retry.delay 必须为正"))
	}
	if c.Market.Retry.MinDelay > c.Market.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("market.retry.min_delay 不能大于 max_delay"))
	}
	if c.Backtest.RiskFreeFallback < 0 || c.Backtest.RiskFreeFallback > 1 {
		err = multierr.Append(err, errors.New("backtest.risk_free_fallback 必须位于[0,1]"))
	}
	if c.Backtest.MarginFee < 0 || c.Backtest.MarginFee > 1 {
		err = multierr.Append(err, errors.New("backtest.margin_fee 必须位于[0,1]"))
	}
	if c.Backtest.TradingDays <= 0 {
		err = multierr.Append(err, errors.New("backtest.trading_days 必须大于0"))
	}
	if c.Backtest.WeightTolerance <= 0 || c.Backtest.WeightTolerance > 0.1 {
		err = multierr.Append(err, errors.New("backtest.weight_tolerance 应位于(0,0.1]"))
	}
	if c.OpenAI.APIKey != "" {
		if c.OpenAI.Model == "" {
			err = multierr.Append(err, errors.New("openai.model 不能为空"))
		}
		if c.OpenAI.Timeout <= 0 {
			err = multierr.Append(err, errors.New("openai.timeout 必须大于0"))
		}
	}
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

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

// DefaultStartDate 返回解析后的默认数据起始日期。
func (c *MarketConfig) DefaultStartDate() time.Time {
	t, err := time.Parse("2006-01-02", c.DefaultStart)
	if err != nil {
		return time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return t.UTC()
}
