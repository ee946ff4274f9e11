package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/atomicfile"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
//
// 磁盘布局：
//
//	<StoragePath>/<Bucket>/<hash[:2]>/<hash>        # 正文
//	<StoragePath>/<Bucket>/<hash[:2]>/<hash>.meta   # 状态码、响应头、写入时间
//
// hash 为 Locator.Key 的 sha256。meta 在正文之后提交，Get 以 meta 存在与否判断命中。
func NewStore(basePath string, ttl time.Duration) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		ttl:      ttl,
		now:      time.Now,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一 Locator 并发写入。
type fileStore struct {
	basePath string
	ttl      time.Duration
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Get(ctx context.Context, locator Locator) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bodyPath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	entry, err := readMeta(metaPath(bodyPath))
	if err != nil {
		return nil, err
	}
	if entry.Locator != locator {
		// sha256 冲突或被篡改的 meta，按未命中处理
		return nil, ErrNotFound
	}
	if entry.expired(s.now(), s.ttl) {
		_ = s.Remove(ctx, locator)
		return nil, ErrNotFound
	}

	f, err := os.Open(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() || info.Size() != entry.SizeBytes {
		f.Close()
		return nil, ErrNotFound
	}

	return &ReadResult{
		Entry:  *entry,
		Reader: f,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error) {
	unlock, err := s.lockEntry(locator)
	if err != nil {
		return nil, err
	}
	defer unlock()

	bodyPath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(bodyPath), 0o755); err != nil {
		return nil, err
	}

	// 先撤掉旧 meta，避免读者把新正文与旧元数据配对
	if err := os.Remove(metaPath(bodyPath)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	written, err := writeBody(ctx, bodyPath, body)
	if err != nil {
		// meta 已撤掉，旧正文不再可读，一并清理
		if rmErr := os.Remove(bodyPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			return nil, errors.Join(fmt.Errorf("write cache body: %w", err), rmErr)
		}
		return nil, fmt.Errorf("write cache body: %w", err)
	}

	entry := newEntry(locator, written, opts)
	meta, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	if err := atomicfile.WriteData(metaPath(bodyPath), meta, 0o644); err != nil {
		return nil, fmt.Errorf("write cache meta: %w", err)
	}
	return &entry, nil
}

// writeBody 把正文写入临时文件，仅在完整读取后才重命名到 bodyPath。
func writeBody(ctx context.Context, bodyPath string, body io.Reader) (int64, error) {
	f, err := atomicfile.New(bodyPath, 0o644)
	if err != nil {
		return 0, err
	}
	defer f.Cancel()

	n, err := io.Copy(f, contextReader{ctx: ctx, r: body})
	if err != nil {
		return n, err
	}
	if err := f.Close(); err != nil {
		return n, err
	}
	return n, nil
}

func (s *fileStore) Remove(ctx context.Context, locator Locator) error {
	unlock, err := s.lockEntry(locator)
	if err != nil {
		return err
	}
	defer unlock()

	bodyPath, err := s.entryPath(locator)
	if err != nil {
		return err
	}
	for _, p := range []string{metaPath(bodyPath), bodyPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *fileStore) lockEntry(locator Locator) (func(), error) {
	key := locator.Key()
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}, nil
}

func (s *fileStore) entryPath(locator Locator) (string, error) {
	bucket := locator.Bucket
	if bucket == "" {
		return "", errors.New("bucket name required")
	}
	if bucket == "." || bucket == ".." || strings.ContainsAny(bucket, `/\`) {
		return "", errors.New("invalid bucket name")
	}
	hash := locator.Hash()
	return filepath.Join(s.basePath, bucket, hash[:2], hash), nil
}

func metaPath(bodyPath string) string {
	return bodyPath + ".meta"
}

func readMeta(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode cache meta: %w", err)
	}
	return &entry, nil
}
