package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if seconds, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// GlobalConfig 描述全局运行时行为，所有源目录共享同一份缩略图缓存参数。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFormat     string `mapstructure:"LogFormat"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	ThumbDirectory        string   `mapstructure:"ThumbDirectory"`
	MaxThumbnailPixelSize int      `mapstructure:"MaxThumbnailPixelSize"`
	MaxCachedPixmaps      int      `mapstructure:"MaxCachedPixmaps"`
	ExpirationThreshold   int      `mapstructure:"ExpirationThreshold"`
	MaxSourcePixels       int64    `mapstructure:"MaxSourcePixels"`
	RequestTimeout        Duration `mapstructure:"RequestTimeout"`
	WarmWorkers           int      `mapstructure:"WarmWorkers"`
}

// SourceConfig 声明一个可生成缩略图的原图目录。
type SourceConfig struct {
	Name string `mapstructure:"Name"`
	Root string `mapstructure:"Root"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig   `mapstructure:",squash"`
	Sources []SourceConfig `mapstructure:"Source"`
}

// SourceNames 返回所有源目录名称，供日志字段使用。
func SourceNames(sources []SourceConfig) []string {
	if len(sources) == 0 {
		return nil
	}
	result := make([]string, len(sources))
	for i, src := range sources {
		result[i] = src.Name
	}
	return result
}
