package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "engine"
)

// Load 读取配置文件并结合环境变量返回 Config。
// 未显式指定路径且默认文件不存在时，仅使用默认值与环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()

	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	if err := v.BindEnv("exchange.api_key", "ENGINE_EXCHANGE_API_KEY", "BINANCE_API_KEY"); err != nil {
		return nil, fmt.Errorf("绑定环境变量失败: %w", err)
	}
	if err := v.BindEnv("exchange.api_secret", "ENGINE_EXCHANGE_API_SECRET", "BINANCE_API_SECRET"); err != nil {
		return nil, fmt.Errorf("绑定环境变量失败: %w", err)
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
		if !missing {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		// 默认路径缺失时退回默认值与环境变量，显式路径缺失则报错
		if explicit {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
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

	v.SetDefault("exchange.driver", "rest")
	v.SetDefault("exchange.market", "futures")
	v.SetDefault("exchange.name", "binanceusdm")
	v.SetDefault("exchange.base_url", "https://fapi.binance.com")
	v.SetDefault("exchange.testnet_url", "https://testnet.binancefuture.com")
	v.SetDefault("exchange.spot_url", "https://api.binance.com")
	v.SetDefault("exchange.spot_testnet_url", "https://testnet.binance.vision")
	v.SetDefault("exchange.use_testnet", true)
	v.SetDefault("exchange.timeout", "30s")
	v.SetDefault("exchange.recv_window", "5s")
	v.SetDefault("exchange.default_leverage", 1)
	v.SetDefault("exchange.retry.max_retries", 3)
	v.SetDefault("exchange.retry.base_delay", "500ms")
	v.SetDefault("exchange.retry.multiplier", 2.0)
	v.SetDefault("exchange.retry.max_delay", "5s")
	v.SetDefault("exchange.retry.jitter", "100ms")

	v.SetDefault("validation.symbols", []string{})
	v.SetDefault("validation.min_quantity", 0.001)
	v.SetDefault("validation.max_quantity", 1000000)
	v.SetDefault("validation.min_price", 0.0001)
	v.SetDefault("validation.max_price", 1000000)
	v.SetDefault("validation.max_leverage", 125)
	v.SetDefault("validation.max_slices", 100)
	v.SetDefault("validation.max_grid_levels", 100)

	v.SetDefault("strategy.poll_interval", "2s")
	v.SetDefault("strategy.price_failure_limit", 3)
	v.SetDefault("strategy.status_failure_limit", 5)
	v.SetDefault("strategy.cancel_attempts", 3)
	v.SetDefault("strategy.quantity_step", "0.001")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.path", "data/engine.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.addr", ":8088")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.host", "localhost")
	v.SetDefault("tracing.port", 6831)
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
