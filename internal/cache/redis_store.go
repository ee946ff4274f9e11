package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "b2hub:cache:"
	redisFieldMeta     = "meta"
	redisFieldBody     = "body"
)

// NewRedisStore 通过 redis URL 建立连接并验证可用性。
func NewRedisStore(ctx context.Context, rawURL string, ttl time.Duration) (Store, error) {
	opts, err := buildRedisOptions(rawURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStoreWithClient(client, defaultRedisPrefix, ttl), nil
}

// NewRedisStoreWithClient 复用调用方已有的客户端。
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string, ttl time.Duration) Store {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &redisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func buildRedisOptions(rawURL string) (*redis.Options, error) {
	if rawURL == "" {
		return nil, errors.New("redis url required")
	}
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return opt, nil
}

// redisStore 将每个条目保存为一个 hash：meta 字段存 Entry JSON，body 字段存正文。
// 过期交给 redis EXPIRE 处理。
type redisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func (s *redisStore) key(locator Locator) string {
	return s.prefix + locator.Hash()
}

func (s *redisStore) Get(ctx context.Context, locator Locator) (*ReadResult, error) {
	values, err := s.client.HMGet(ctx, s.key(locator), redisFieldMeta, redisFieldBody).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis hmget: %w", err)
	}
	if len(values) != 2 || values[0] == nil || values[1] == nil {
		return nil, ErrNotFound
	}
	metaRaw, ok := values[0].(string)
	if !ok {
		return nil, ErrNotFound
	}
	body, ok := values[1].(string)
	if !ok {
		return nil, ErrNotFound
	}

	var entry Entry
	if err := json.Unmarshal([]byte(metaRaw), &entry); err != nil {
		return nil, fmt.Errorf("decode cache meta: %w", err)
	}
	if entry.Locator != locator || int64(len(body)) != entry.SizeBytes {
		return nil, ErrNotFound
	}
	return &ReadResult{
		Entry:  entry,
		Reader: io.NopCloser(bytes.NewReader([]byte(body))),
	}, nil
}

func (s *redisStore) Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error) {
	data, err := io.ReadAll(contextReader{ctx: ctx, r: body})
	if err != nil {
		return nil, fmt.Errorf("read cache body: %w", err)
	}
	entry := newEntry(locator, int64(len(data)), opts)
	meta, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}

	key := s.key(locator)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, redisFieldMeta, meta, redisFieldBody, data)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis store: %w", err)
	}
	return &entry, nil
}

func (s *redisStore) Remove(ctx context.Context, locator Locator) error {
	if err := s.client.Del(ctx, s.key(locator)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
