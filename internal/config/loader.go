package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFormat", "json")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("ThumbDirectory", "./thumbs")
	v.SetDefault("MaxThumbnailPixelSize", 256)
	v.SetDefault("MaxCachedPixmaps", 200)
	v.SetDefault("ExpirationThreshold", 64)
	v.SetDefault("MaxSourcePixels", 100_000_000)
	v.SetDefault("RequestTimeout", "5s")
	v.SetDefault("WarmWorkers", 4)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.LogFormat == "" {
		g.LogFormat = "json"
	}
	if g.RequestTimeout.DurationValue() == 0 {
		g.RequestTimeout = Duration(5 * time.Second)
	}
	if g.WarmWorkers == 0 {
		g.WarmWorkers = 4
	}
}

// resolvePaths 将缓存目录与所有源目录转为绝对路径。
func (c *Config) resolvePaths() error {
	absThumbs, err := filepath.Abs(c.Global.ThumbDirectory)
	if err != nil {
		return fmt.Errorf("无法解析缩略图目录: %w", err)
	}
	c.Global.ThumbDirectory = absThumbs

	for i := range c.Sources {
		absRoot, err := filepath.Abs(c.Sources[i].Root)
		if err != nil {
			return fmt.Errorf("%s: %w", sourceField(c.Sources[i].Name, "Root"), err)
		}
		c.Sources[i].Root = absRoot
	}
	return nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
