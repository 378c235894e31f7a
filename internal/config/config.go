package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "quant"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("exchange.name", "binanceusdm")
	v.SetDefault("exchange.use_sandbox", false)
	v.SetDefault("exchange.rate_per_second", 8)
	v.SetDefault("exchange.rate_burst", 4)
	v.SetDefault("exchange.retry.max_attempts", 5)
	v.SetDefault("exchange.retry.min_delay", "500ms")
	v.SetDefault("exchange.retry.max_delay", "5s")

	v.SetDefault("market_data.instruments", []string{"BTC/USDT:USDT", "ETH/USDT:USDT"})
	v.SetDefault("market_data.refresh_interval", "5s")
	v.SetDefault("market_data.max_age", "10s")
	v.SetDefault("market_data.history_size", 256)
	v.SetDefault("market_data.fetch_timeout", "3s")

	v.SetDefault("sentiment.enabled", false)
	v.SetDefault("sentiment.base_url", "https://api.openai.com/v1")
	v.SetDefault("sentiment.model", "gpt-4.1-mini")
	v.SetDefault("sentiment.timeout", "10s")

	v.SetDefault("strategy.confidence_floor", 0.30)

	v.SetDefault("strategy.momentum.enabled", true)
	v.SetDefault("strategy.momentum.position_fraction", 0.08)
	v.SetDefault("strategy.momentum.fast_period", 12)
	v.SetDefault("strategy.momentum.slow_period", 26)
	v.SetDefault("strategy.momentum.rsi_period", 14)
	v.SetDefault("strategy.momentum.rsi_overbought", 70)
	v.SetDefault("strategy.momentum.rsi_oversold", 30)
	v.SetDefault("strategy.momentum.stop_fraction", 0.02)
	v.SetDefault("strategy.momentum.target_fraction", 0.04)

	v.SetDefault("strategy.correlation.enabled", true)
	v.SetDefault("strategy.correlation.position_fraction", 0.06)
	v.SetDefault("strategy.correlation.leader", "BTC/USDT:USDT")
	v.SetDefault("strategy.correlation.follower", "ETH/USDT:USDT")
	v.SetDefault("strategy.correlation.lookback", 64)
	v.SetDefault("strategy.correlation.min_correlation", 0.6)
	v.SetDefault("strategy.correlation.divergence_stddev", 2.0)
	v.SetDefault("strategy.correlation.stop_fraction", 0.02)

	v.SetDefault("strategy.cross_arbitrage.enabled", true)
	v.SetDefault("strategy.cross_arbitrage.position_fraction", 0.05)
	v.SetDefault("strategy.cross_arbitrage.base_instrument", "BTC/USDT:USDT")
	v.SetDefault("strategy.cross_arbitrage.quote_instrument", "ETH/USDT:USDT")
	v.SetDefault("strategy.cross_arbitrage.lookback", 96)
	v.SetDefault("strategy.cross_arbitrage.entry_zscore", 2.0)
	v.SetDefault("strategy.cross_arbitrage.stop_fraction", 0.015)

	v.SetDefault("strategy.funding_rate.enabled", true)
	v.SetDefault("strategy.funding_rate.position_fraction", 0.05)
	v.SetDefault("strategy.funding_rate.entry_threshold", 0.0005)
	v.SetDefault("strategy.funding_rate.stop_fraction", 0.015)

	v.SetDefault("strategy.sentiment_contrarian.enabled", false)
	v.SetDefault("strategy.sentiment_contrarian.position_fraction", 0.04)
	v.SetDefault("strategy.sentiment_contrarian.extreme_threshold", 0.75)
	v.SetDefault("strategy.sentiment_contrarian.stop_fraction", 0.02)

	v.SetDefault("risk.max_position_fraction", 0.08)
	v.SetDefault("risk.min_position_fraction", 0.005)
	v.SetDefault("risk.correlation_cap", 0.15)
	v.SetDefault("risk.daily_loss_cap", 0.03)
	v.SetDefault("risk.weekly_loss_cap", 0.08)
	v.SetDefault("risk.max_drawdown", 0.15)
	v.SetDefault("risk.confidence_full_risk", 0.80)
	v.SetDefault("risk.confidence_half_risk", 0.60)
	v.SetDefault("risk.daily_reset_hour", 0)
	v.SetDefault("risk.correlation_groups", map[string][]string{
		"majors": {"BTC/USDT:USDT", "ETH/USDT:USDT"},
	})

	v.SetDefault("portfolio.initial_cash", 10000)

	v.SetDefault("execution.order_type", "market")
	v.SetDefault("execution.slippage", 0.01)
	v.SetDefault("execution.max_attempts", 3)
	v.SetDefault("execution.min_delay", "500ms")
	v.SetDefault("execution.max_delay", "4s")
	v.SetDefault("execution.poll_interval", "2s")
	v.SetDefault("execution.poll_timeout", "20s")

	v.SetDefault("cycle.interval", "30s")
	v.SetDefault("cycle.timeout", "25s")
	v.SetDefault("cycle.strategy_workers", 4)

	v.SetDefault("database.path", "data/quantcycle.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
