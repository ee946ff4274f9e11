package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// envBindings 将敏感或常随部署变化的字段映射到环境变量，环境变量优先于配置文件。
var envBindings = map[string]string{
	"Backend.AuthHeader":     "B2HUB_AUTH_HEADER",
	"Backend.KeyID":          "B2HUB_KEY_ID",
	"Backend.ApplicationKey": "B2HUB_APPLICATION_KEY",
	"Backend.BucketName":     "B2HUB_BUCKET_NAME",
	"Backend.BucketID":       "B2HUB_BUCKET_ID",
	"Backend.CacheControl":   "B2HUB_CACHE_CONTROL",
	"RedisURL":               "B2HUB_REDIS_URL",
}

// Load 读取并解析 TOML 配置文件，同时注入默认值、环境变量覆盖与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyBackendDefaults(&cfg.Backend)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Global.CacheBackend == CacheBackendDisk {
		absStorage, err := filepath.Abs(cfg.Global.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Global.StoragePath = absStorage
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("CacheBackend", CacheBackendDisk)
	v.SetDefault("CacheTTL", 86400)
	v.SetDefault("MaxCacheTasks", 4)
	v.SetDefault("MaxPendingCacheWrites", 16)
	v.SetDefault("CacheWriteTimeout", "1m")
	v.SetDefault("UpstreamTimeout", "30s")

	v.SetDefault("Backend.AuthorizeURL", DefaultAuthorizeURL)
	v.SetDefault("Backend.CacheControl", "public, max-age=86400")
	v.SetDefault("Backend.StreamThreshold", DefaultStreamThreshold)
	v.SetDefault("Backend.SignedURLTTL", "10m")
	v.SetDefault("Backend.SessionTTL", 0)
}

func bindEnv(v *viper.Viper) error {
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("绑定环境变量 %s 失败: %w", env, err)
		}
	}
	return nil
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.CacheBackend = strings.ToLower(strings.TrimSpace(g.CacheBackend))
	if g.CacheBackend == "" {
		g.CacheBackend = CacheBackendDisk
	}
	if g.CacheTTL.DurationValue() == 0 {
		g.CacheTTL = Duration(24 * time.Hour)
	}
	if g.MaxCacheTasks == 0 {
		g.MaxCacheTasks = 4
	}
	if g.MaxPendingWrites == 0 {
		g.MaxPendingWrites = g.MaxCacheTasks * 4
	}
	if g.CacheWriteTimeout.DurationValue() == 0 {
		g.CacheWriteTimeout = Duration(time.Minute)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
}

func applyBackendDefaults(b *BackendConfig) {
	b.AuthHeader = strings.TrimSpace(b.AuthHeader)
	b.BucketName = strings.Trim(strings.TrimSpace(b.BucketName), "/")
	if b.AuthorizeURL == "" {
		b.AuthorizeURL = DefaultAuthorizeURL
	}
	if b.StreamThreshold == 0 {
		b.StreamThreshold = DefaultStreamThreshold
	}
	if b.SignedURLTTL.DurationValue() == 0 {
		b.SignedURLTTL = Duration(10 * time.Minute)
	}
	if b.SessionTTL.DurationValue() < 0 {
		b.SessionTTL = Duration(0)
	}
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
