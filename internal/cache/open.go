package cache

import (
	"context"
	"fmt"
	"time"
)

// 缓存后端名称，与配置项 CacheBackend 对应。
const (
	BackendDisk  = "disk"
	BackendRedis = "redis"
)

// Options 描述 Open 所需的后端参数。
type Options struct {
	Backend     string
	StoragePath string
	RedisURL    string
	TTL         time.Duration
}

// Open 按 Backend 构造对应的 Store。
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendDisk:
		return NewStore(opts.StoragePath, opts.TTL)
	case BackendRedis:
		return NewRedisStore(ctx, opts.RedisURL, opts.TTL)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", opts.Backend)
	}
}
