package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	if err := c.Global.validate(); err != nil {
		return err
	}
	return c.Backend.validate()
}

func (g GlobalConfig) validate() error {
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError("Global.LogLevel", "无法识别的日志级别")
		}
	}
	switch g.CacheBackend {
	case CacheBackendDisk:
		if g.StoragePath == "" {
			return newFieldError("Global.StoragePath", "磁盘缓存需要 StoragePath")
		}
	case CacheBackendRedis:
		if g.RedisURL == "" {
			return newFieldError("Global.RedisURL", "redis 缓存需要 RedisURL")
		}
		if err := validateRedisURL(g.RedisURL); err != nil {
			return fmt.Errorf("Global.RedisURL: %w", err)
		}
	default:
		return newFieldError("Global.CacheBackend", "仅支持 disk|redis")
	}
	if g.CacheTTL.DurationValue() <= 0 {
		return newFieldError("Global.CacheTTL", "必须大于 0")
	}
	if g.MaxCacheTasks < 0 {
		return newFieldError("Global.MaxCacheTasks", "不能为负数")
	}
	if g.MaxPendingWrites < 0 {
		return newFieldError("Global.MaxPendingCacheWrites", "不能为负数")
	}
	if g.CacheWriteTimeout.DurationValue() <= 0 {
		return newFieldError("Global.CacheWriteTimeout", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	return nil
}

func (b BackendConfig) validate() error {
	if err := validateUpstream(b.AuthorizeURL); err != nil {
		return fmt.Errorf("%s: %w", backendField("AuthorizeURL"), err)
	}
	if b.AuthHeader == "" && !b.HasKeyPair() {
		if b.KeyID != "" || b.ApplicationKey != "" {
			return newFieldError(backendField("KeyID/ApplicationKey"), "必须同时提供或同时留空")
		}
		return newFieldError(backendField("AuthHeader"), "需要 AuthHeader 或 KeyID/ApplicationKey")
	}
	if b.BucketName == "" {
		return newFieldError(backendField("BucketName"), "不能为空")
	}
	if strings.ContainsAny(b.BucketName, "/ ") {
		return newFieldError(backendField("BucketName"), "不允许包含路径或空格")
	}
	if b.BucketID == "" {
		return newFieldError(backendField("BucketID"), "不能为空")
	}
	if strings.ContainsAny(b.CacheControl, "\r\n") {
		return newFieldError(backendField("CacheControl"), "不允许包含换行")
	}
	if b.StreamThreshold <= 0 {
		return newFieldError(backendField("StreamThreshold"), "必须大于 0")
	}
	// B2 对下载授权有效期的限制为 1 秒到 7 天。
	ttl := b.SignedURLTTL.DurationValue()
	if ttl.Seconds() < 1 || ttl.Hours() > 24*7 {
		return newFieldError(backendField("SignedURLTTL"), "必须在 1s-168h")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

func validateRedisURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "redis" && parsed.Scheme != "rediss" {
		return fmt.Errorf("仅支持 redis/rediss: %s", raw)
	}
	return nil
}
