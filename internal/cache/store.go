package cache

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Store 负责缓存条目的读写，实现需保证读者只会看到完整写入的条目。
type Store interface {
	// Get 返回一个可流式读取的缓存条目。不存在或已过期时返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*ReadResult, error)

	// Put 写入一条完整响应，并产出新的 Entry 描述。
	Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error)

	// Remove 删除条目，不存在时不报错。
	Remove(ctx context.Context, locator Locator) error
}

// PutOptions 描述随正文一同保存的响应元数据。
type PutOptions struct {
	Status   int
	Header   http.Header
	StoredAt time.Time
}

// Locator 唯一定位一个缓存条目：入站请求的方法、桶、路径与原始查询串。
type Locator struct {
	Method   string `json:"method"`
	Bucket   string `json:"bucket"`
	Path     string `json:"path"`
	RawQuery string `json:"raw_query,omitempty"`
}

// Key 返回 Locator 的规范字符串形式。
func (l Locator) Key() string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(l.Method))
	b.WriteByte(' ')
	b.WriteString(l.Bucket)
	b.WriteString(l.Path)
	if l.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(l.RawQuery)
	}
	return b.String()
}

// Hash 返回 Key 的 sha256 十六进制摘要，用作磁盘路径与 redis 键。
func (l Locator) Hash() string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(l.Key())))
}

// Entry 描述一条已缓存的响应。
type Entry struct {
	Locator   Locator     `json:"locator"`
	Status    int         `json:"status"`
	Header    http.Header `json:"header"`
	SizeBytes int64       `json:"size_bytes"`
	StoredAt  time.Time   `json:"stored_at"`
}

// expired 判断条目在 ttl 下是否已失效；ttl <= 0 表示永不过期。
func (e Entry) expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return !now.Before(e.StoredAt.Add(ttl))
}

// ReadResult 组合 Entry 与正文 Reader，便于代理层直接回放。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadCloser
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

func newEntry(locator Locator, size int64, opts PutOptions) Entry {
	status := opts.Status
	if status == 0 {
		status = http.StatusOK
	}
	storedAt := opts.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	return Entry{
		Locator:   locator,
		Status:    status,
		Header:    opts.Header.Clone(),
		SizeBytes: size,
		StoredAt:  storedAt,
	}
}

// contextReader 在每次 Read 前检查 ctx，使长时间写入可被超时中断。
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
