package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	MarketData MarketDataConfig `mapstructure:"market_data"`
	Sentiment  SentimentConfig  `mapstructure:"sentiment"`
	Strategy   StrategyConfig   `mapstructure:"strategy"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Portfolio  PortfolioConfig  `mapstructure:"portfolio"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Cycle      CycleConfig      `mapstructure:"cycle"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。StatusPort 为 0 时不启动状态接口。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
	StatusPort  int    `mapstructure:"status_port"`
}

// ExchangeConfig 描述交易所连接信息。
type ExchangeConfig struct {
	Name          string      `mapstructure:"name"`
	APIKey        string      `mapstructure:"api_key"`
	APISecret     string      `mapstructure:"api_secret"`
	APIPass       string      `mapstructure:"api_password"`
	UseSandbox    bool        `mapstructure:"use_sandbox"`
	RatePerSecond float64     `mapstructure:"rate_per_second"`
	RateBurst     int         `mapstructure:"rate_burst"`
	Retry         RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// MarketDataConfig 控制行情采集与陈旧判定。
type MarketDataConfig struct {
	Instruments     []string      `mapstructure:"instruments"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	MaxAge          time.Duration `mapstructure:"max_age"`
	HistorySize     int           `mapstructure:"history_size"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
}

// SentimentConfig 描述情绪评分服务的调用参数。
type SentimentConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StrategyConfig 汇总各策略开关与参数。
type StrategyConfig struct {
	ConfidenceFloor float64              `mapstructure:"confidence_floor"`
	Momentum        MomentumParams       `mapstructure:"momentum"`
	Correlation     CorrelationParams    `mapstructure:"correlation"`
	CrossArbitrage  CrossArbitrageParams `mapstructure:"cross_arbitrage"`
	FundingRate     FundingRateParams    `mapstructure:"funding_rate"`
	SentimentAlpha  SentimentAlphaParams `mapstructure:"sentiment_contrarian"`
}

// MomentumParams 为动量短线策略参数。
type MomentumParams struct {
	Enabled          bool    `mapstructure:"enabled"`
	PositionFraction float64 `mapstructure:"position_fraction"`
	FastPeriod       int     `mapstructure:"fast_period"`
	SlowPeriod       int     `mapstructure:"slow_period"`
	RSIPeriod        int     `mapstructure:"rsi_period"`
	RSIOverbought    float64 `mapstructure:"rsi_overbought"`
	RSIOversold      float64 `mapstructure:"rsi_oversold"`
	StopFraction     float64 `mapstructure:"stop_fraction"`
	TargetFraction   float64 `mapstructure:"target_fraction"`
}

// CorrelationParams 为相关性背离策略参数。
type CorrelationParams struct {
	Enabled          bool    `mapstructure:"enabled"`
	PositionFraction float64 `mapstructure:"position_fraction"`
	Leader           string  `mapstructure:"leader"`
	Follower         string  `mapstructure:"follower"`
	Lookback         int     `mapstructure:"lookback"`
	MinCorrelation   float64 `mapstructure:"min_correlation"`
	DivergenceStdDev float64 `mapstructure:"divergence_stddev"`
	StopFraction     float64 `mapstructure:"stop_fraction"`
}

// CrossArbitrageParams 为跨资产价差策略参数。
type CrossArbitrageParams struct {
	Enabled          bool    `mapstructure:"enabled"`
	PositionFraction float64 `mapstructure:"position_fraction"`
	BaseInstrument   string  `mapstructure:"base_instrument"`
	QuoteInstrument  string  `mapstructure:"quote_instrument"`
	Lookback         int     `mapstructure:"lookback"`
	EntryZScore      float64 `mapstructure:"entry_zscore"`
	StopFraction     float64 `mapstructure:"stop_fraction"`
}

// FundingRateParams 为资金费率策略参数。
type FundingRateParams struct {
	Enabled          bool    `mapstructure:"enabled"`
	PositionFraction float64 `mapstructure:"position_fraction"`
	EntryThreshold   float64 `mapstructure:"entry_threshold"`
	StopFraction     float64 `mapstructure:"stop_fraction"`
}

// SentimentAlphaParams 为情绪逆向策略参数。
type SentimentAlphaParams struct {
	Enabled          bool    `mapstructure:"enabled"`
	PositionFraction float64 `mapstructure:"position_fraction"`
	ExtremeThreshold float64 `mapstructure:"extreme_threshold"`
	StopFraction     float64 `mapstructure:"stop_fraction"`
}

// RiskConfig 管理风控限额，加载后在单个周期内只读。
type RiskConfig struct {
	MaxPositionFraction float64             `mapstructure:"max_position_fraction"`
	MinPositionFraction float64             `mapstructure:"min_position_fraction"`
	CorrelationCap      float64             `mapstructure:"correlation_cap"`
	DailyLossCap        float64             `mapstructure:"daily_loss_cap"`
	WeeklyLossCap       float64             `mapstructure:"weekly_loss_cap"`
	MaxDrawdown         float64             `mapstructure:"max_drawdown"`
	ConfidenceFullRisk  float64             `mapstructure:"confidence_full_risk"`
	ConfidenceHalfRisk  float64             `mapstructure:"confidence_half_risk"`
	DailyResetHour      int                 `mapstructure:"daily_reset_hour"`
	CorrelationGroups   map[string][]string `mapstructure:"correlation_groups"`
}

// PortfolioConfig 描述账户初始状态。
type PortfolioConfig struct {
	InitialCash float64 `mapstructure:"initial_cash"`
}

// ExecutionConfig 控制下单行为。
type ExecutionConfig struct {
	OrderType    string        `mapstructure:"order_type"`
	Slippage     float64       `mapstructure:"slippage"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	MinDelay     time.Duration `mapstructure:"min_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
}

// CycleConfig 控制主循环节奏。
type CycleConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	Timeout         time.Duration `mapstructure:"timeout"`
	StrategyWorkers int           `mapstructure:"strategy_workers"`
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
	if c.Exchange.Name == "" {
		err = multierr.Append(err, errors.New("exchange.name 不能为空"))
	}
	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.MinDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.delay 必须为正"))
	}
	if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.min_delay 不能大于 max_delay"))
	}
	if c.Exchange.RatePerSecond <= 0 {
		err = multierr.Append(err, errors.New("exchange.rate_per_second 必须大于0"))
	}

	if len(c.MarketData.Instruments) == 0 {
		err = multierr.Append(err, errors.New("market_data.instruments 至少包含一个交易对"))
	}
	if c.MarketData.RefreshInterval <= 0 {
		err = multierr.Append(err, errors.New("market_data.refresh_interval 必须大于0"))
	}
	if c.MarketData.MaxAge <= 0 {
		err = multierr.Append(err, errors.New("market_data.max_age 必须大于0"))
	}
	if c.MarketData.MaxAge < c.MarketData.RefreshInterval {
		err = multierr.Append(err, errors.New("market_data.max_age 不应小于 refresh_interval"))
	}
	if c.MarketData.HistorySize < 64 {
		err = multierr.Append(err, errors.New("market_data.history_size 至少为64"))
	}

	if c.Sentiment.Enabled {
		if c.Sentiment.APIKey == "" {
			err = multierr.Append(err, errors.New("sentiment.api_key 不能为空"))
		}
		if c.Sentiment.Model == "" {
			err = multierr.Append(err, errors.New("sentiment.model 不能为空"))
		}
		if c.Sentiment.Timeout <= 0 {
			err = multierr.Append(err, errors.New("sentiment.timeout 必须大于0"))
		}
	}

	if c.Strategy.ConfidenceFloor < 0 || c.Strategy.ConfidenceFloor > 1 {
		err = multierr.Append(err, errors.New("strategy.confidence_floor 必须位于[0,1]"))
	}

	if c.Risk.MaxPositionFraction <= 0 || c.Risk.MaxPositionFraction > 1 {
		err = multierr.Append(err, errors.New("risk.max_position_fraction 必须位于(0,1]"))
	}
	if c.Risk.MinPositionFraction < 0 || c.Risk.MinPositionFraction >= c.Risk.MaxPositionFraction {
		err = multierr.Append(err, errors.New("risk.min_position_fraction 必须位于[0,max_position_fraction)"))
	}
	if c.Risk.CorrelationCap <= 0 || c.Risk.CorrelationCap > 1 {
		err = multierr.Append(err, errors.New("risk.correlation_cap 必须位于(0,1]"))
	}
	if c.Risk.DailyLossCap <= 0 || c.Risk.DailyLossCap > 1 {
		err = multierr.Append(err, errors.New("risk.daily_loss_cap 必须位于(0,1]"))
	}
	if c.Risk.WeeklyLossCap <= 0 || c.Risk.WeeklyLossCap > 1 {
		err = multierr.Append(err, errors.New("risk.weekly_loss_cap 必须位于(0,1]"))
	}
	if c.Risk.WeeklyLossCap < c.Risk.DailyLossCap {
		err = multierr.Append(err, errors.New("risk.weekly_loss_cap 不应小于 daily_loss_cap"))
	}
	if c.Risk.MaxDrawdown <= 0 || c.Risk.MaxDrawdown > 1 {
		err = multierr.Append(err, errors.New("risk.max_drawdown 必须位于(0,1]"))
	}
	if c.Risk.ConfidenceFullRisk <= 0 || c.Risk.ConfidenceFullRisk > 1 {
		err = multierr.Append(err, errors.New("risk.confidence_full_risk 必须位于(0,1]"))
	}
	if c.Risk.ConfidenceHalfRisk <= 0 || c.Risk.ConfidenceHalfRisk >= c.Risk.ConfidenceFullRisk {
		err = multierr.Append(err, errors.New("risk.confidence_half_risk 必须小于 confidence_full_risk"))
	}
	if c.Risk.DailyResetHour < 0 || c.Risk.DailyResetHour > 23 {
		err = multierr.Append(err, errors.New("risk.daily_reset_hour 必须位于[0,23]"))
	}
	for group, members := range c.Risk.CorrelationGroups {
		if len(members) == 0 {
			err = multierr.Append(err, fmt.Errorf("risk.correlation_groups.%s 成员不能为空", group))
		}
	}

	if c.Portfolio.InitialCash <= 0 {
		err = multierr.Append(err, errors.New("portfolio.initial_cash 必须大于0"))
	}

	if c.Execution.OrderType != "market" && c.Execution.OrderType != "limit" {
		err = multierr.Append(err, fmt.Errorf("execution.order_type 取值非法: %s", c.Execution.OrderType))
	}
	if c.Execution.Slippage < 0 || c.Execution.Slippage > 0.2 {
		err = multierr.Append(err, errors.New("execution.slippage 应位于[0,0.2]"))
	}
	if c.Execution.MaxAttempts <= 0 || c.Execution.MaxAttempts > 3 {
		err = multierr.Append(err, errors.New("execution.max_attempts 必须位于[1,3]"))
	}
	if c.Execution.MinDelay <= 0 || c.Execution.MaxDelay < c.Execution.MinDelay {
		err = multierr.Append(err, errors.New("execution.min_delay/max_delay 配置非法"))
	}
	if c.Execution.PollInterval <= 0 || c.Execution.PollTimeout < c.Execution.PollInterval {
		err = multierr.Append(err, errors.New("execution.poll_interval/poll_timeout 配置非法"))
	}

	if c.Cycle.Interval <= 0 {
		err = multierr.Append(err, errors.New("cycle.interval 必须大于0"))
	}
	if c.Cycle.Timeout <= 0 || c.Cycle.Timeout > c.Cycle.Interval {
		err = multierr.Append(err, errors.New("cycle.timeout 必须位于(0,interval]"))
	}
	if c.Cycle.StrategyWorkers <= 0 {
		err = multierr.Append(err, errors.New("cycle.strategy_workers 必须大于0"))
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
