package b2

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Authorizer 抽象账户授权调用，*Client 实现该接口。
type Authorizer interface {
	AuthorizeAccount(ctx context.Context, credential string) (*Session, error)
}

// SessionSource 为每个请求提供 B2 会话。
type SessionSource interface {
	Session(ctx context.Context) (*Session, error)
	// Invalidate 丢弃已缓存的会话（若有），下一次调用重新授权。
	Invalidate()
}

// SessionState 是会话来源的诊断快照，不包含 token 本身。
type SessionState struct {
	Reuse     bool      `json:"reuse"`
	Cached    bool      `json:"cached"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// NewSessionSource 根据 ttl 选择会话来源：ttl <= 0 时每个请求都重新授权，否则使用 TokenCache。
func NewSessionSource(auth Authorizer, credential string, ttl time.Duration) SessionSource {
	if ttl <= 0 {
		return &DirectSource{auth: auth, credential: credential}
	}
	return NewTokenCache(auth, credential, ttl)
}

// DirectSource 每次调用都执行一次账户授权，不跨请求共享会话。
type DirectSource struct {
	auth       Authorizer
	credential string
}

// Session 实现 SessionSource。
func (d *DirectSource) Session(ctx context.Context) (*Session, error) {
	return d.auth.AuthorizeAccount(ctx, d.credential)
}

// Invalidate 实现 SessionSource；DirectSource 无状态。
func (d *DirectSource) Invalidate() {}

// State 返回诊断快照。
func (d *DirectSource) State() SessionState {
	return SessionState{}
}

// TokenCache 在 ttl 内复用同一会话，并发未命中时只发起一次授权调用。
// 授权失败不会被缓存。
type TokenCache struct {
	auth       Authorizer
	credential string
	ttl        time.Duration
	now        func() time.Time

	group singleflight.Group

	mu        sync.Mutex
	current   *Session
	expiresAt time.Time
}

// TokenCacheOption 调整 TokenCache。
type TokenCacheOption func(*TokenCache)

// WithClock 注入时钟，测试中用于控制过期。
func WithClock(now func() time.Time) TokenCacheOption {
	return func(t *TokenCache) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTokenCache 构造会话缓存。
func NewTokenCache(auth Authorizer, credential string, ttl time.Duration, opts ...TokenCacheOption) *TokenCache {
	t := &TokenCache{
		auth:       auth,
		credential: credential,
		ttl:        ttl,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Session 返回未过期的缓存会话，否则刷新。
func (t *TokenCache) Session(ctx context.Context) (*Session, error) {
	if s := t.cached(); s != nil {
		return s, nil
	}

	// 刷新不随单个请求取消，超时由 http.Client 控制。
	refreshCtx := context.WithoutCancel(ctx)
	v, err, _ := t.group.Do("session", func() (interface{}, error) {
		if s := t.cached(); s != nil {
			return s, nil
		}
		session, err := t.auth.AuthorizeAccount(refreshCtx, t.credential)
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		t.current = session
		t.expiresAt = t.now().Add(t.ttl)
		t.mu.Unlock()
		return session, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Invalidate 丢弃当前会话。
func (t *TokenCache) Invalidate() {
	t.mu.Lock()
	t.current = nil
	t.expiresAt = time.Time{}
	t.mu.Unlock()
}

// State 返回诊断快照。
func (t *TokenCache) State() SessionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	cached := t.current != nil && t.now().Before(t.expiresAt)
	state := SessionState{Reuse: true, Cached: cached}
	if cached {
		state.ExpiresAt = t.expiresAt
	}
	return state
}

func (t *TokenCache) cached() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return nil
	}
	if !t.now().Before(t.expiresAt) {
		t.current = nil
		return nil
	}
	return t.current
}
