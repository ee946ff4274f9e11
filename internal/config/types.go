package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/any-hub/b2-hub/internal/b2"
	"github.com/any-hub/b2-hub/internal/cache"
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

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 缓存后端类型。
const (
	CacheBackendDisk  = cache.BackendDisk
	CacheBackendRedis = cache.BackendRedis
)

// DefaultAuthorizeURL 是 B2 v2 账户授权接口。
const DefaultAuthorizeURL = b2.DefaultAuthorizeURL

// DefaultStreamThreshold 为内联转发的最大对象体积（100 MiB），超过则改用签名 URL 重定向。
const DefaultStreamThreshold int64 = 100 * 1024 * 1024

// GlobalConfig 描述全局运行时行为：监听端口、日志、缓存与上游超时。
type GlobalConfig struct {
	ListenPort        int      `mapstructure:"ListenPort"`
	LogLevel          string   `mapstructure:"LogLevel"`
	LogFilePath       string   `mapstructure:"LogFilePath"`
	LogMaxSize        int      `mapstructure:"LogMaxSize"`
	LogMaxBackups     int      `mapstructure:"LogMaxBackups"`
	LogCompress       bool     `mapstructure:"LogCompress"`
	StoragePath       string   `mapstructure:"StoragePath"`
	CacheBackend      string   `mapstructure:"CacheBackend"`
	RedisURL          string   `mapstructure:"RedisURL"`
	CacheTTL          Duration `mapstructure:"CacheTTL"`
	MaxCacheTasks     int      `mapstructure:"MaxCacheTasks"`
	MaxPendingWrites  int      `mapstructure:"MaxPendingCacheWrites"`
	CacheWriteTimeout Duration `mapstructure:"CacheWriteTimeout"`
	UpstreamTimeout   Duration `mapstructure:"UpstreamTimeout"`
}

// BackendConfig 描述 B2 存储桶及代理自身的鉴权凭证。
//
// AuthHeader 与 KeyID/ApplicationKey 二选一：前者是已编码的 Authorization 头，
// 后者由 b2.BasicCredential 在启动时拼装。
type BackendConfig struct {
	AuthorizeURL    string   `mapstructure:"AuthorizeURL"`
	AuthHeader      string   `mapstructure:"AuthHeader"`
	KeyID           string   `mapstructure:"KeyID"`
	ApplicationKey  string   `mapstructure:"ApplicationKey"`
	BucketName      string   `mapstructure:"BucketName"`
	BucketID        string   `mapstructure:"BucketID"`
	CacheControl    string   `mapstructure:"CacheControl"`
	StreamThreshold int64    `mapstructure:"StreamThreshold"`
	SignedURLTTL    Duration `mapstructure:"SignedURLTTL"`
	SessionTTL      Duration `mapstructure:"SessionTTL"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig  `mapstructure:",squash"`
	Backend BackendConfig `mapstructure:"Backend"`
}

// HasKeyPair 表示是否通过 KeyID/ApplicationKey 提供凭证。
func (b BackendConfig) HasKeyPair() bool {
	return b.KeyID != "" && b.ApplicationKey != ""
}

// AuthMode 输出 `auth_header`、`key_pair` 或 `missing`，供日志字段使用，避免泄露凭证本身。
func (b BackendConfig) AuthMode() string {
	switch {
	case b.AuthHeader != "":
		return "auth_header"
	case b.HasKeyPair():
		return "key_pair"
	default:
		return "missing"
	}
}

// SessionCacheEnabled 表示是否跨请求复用 B2 会话。
func (b BackendConfig) SessionCacheEnabled() bool {
	return b.SessionTTL.DurationValue() > 0
}

// Credential 返回 b2_authorize_account 使用的 Authorization 头，AuthHeader 优先。
func (b BackendConfig) Credential() string {
	if b.AuthHeader != "" {
		return b.AuthHeader
	}
	if b.HasKeyPair() {
		return b2.BasicCredential(b.KeyID, b.ApplicationKey)
	}
	return ""
}
