package cache

import (
	"bytes"
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// 后台写入结果，传给 WriterOptions.OnResult。
const (
	WriteStored  = "stored"
	WriteFailed  = "failed"
	WriteDropped = "dropped"
)

const (
	defaultWriteTimeout = time.Minute
	// 未指定 MaxPending 时，每个并发槽位允许排队的写入数
	pendingPerTask = 4
)

// WriterOptions 配置 BackgroundWriter。
type WriterOptions struct {
	// MaxTasks 限制同时执行的写入数，<= 0 时取 CPU 数。
	MaxTasks int
	// MaxPending 限制已登记但未完成的写入总数（含执行中），超出即丢弃，
	// <= 0 时为 MaxTasks 的 4 倍。每个登记的写入都持有一份完整正文。
	MaxPending int
	// Timeout 为单次写入的上限，<= 0 时为 1 分钟。
	Timeout time.Duration
	Logger  *logrus.Logger
	// OnResult 在每次写入结束后调用，可为空。
	OnResult func(outcome string)
}

// BackgroundWriter 在响应路径之外执行缓存写入。Schedule 从不阻塞调用方，
// 排队写入超过 MaxPending 时直接丢弃；写入失败只记录日志与计数，
// 不会影响已返回给客户端的响应。
type BackgroundWriter struct {
	store    Store
	timeout  time.Duration
	logger   *logrus.Logger
	onResult func(string)

	tasks   *taskgroup.Group
	start   taskgroup.StartFunc
	budget  *semaphore.Weighted
	mu      sync.Mutex
	pending sync.WaitGroup
	closed  bool
}

// NewBackgroundWriter 构造写入器。store 为空时所有 Schedule 都被丢弃。
func NewBackgroundWriter(store Store, opts WriterOptions) *BackgroundWriter {
	nt := opts.MaxTasks
	if nt <= 0 {
		nt = runtime.NumCPU()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	maxPending := opts.MaxPending
	if maxPending <= 0 {
		maxPending = nt * pendingPerTask
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	w := &BackgroundWriter{
		store:    store,
		timeout:  timeout,
		logger:   logger,
		onResult: opts.OnResult,
		budget:   semaphore.NewWeighted(int64(maxPending)),
	}
	w.tasks, w.start = taskgroup.New(nil).Limit(nt)
	return w
}

// Schedule 登记一次写入。body 由调用方交出所有权，之后不得再修改。
func (w *BackgroundWriter) Schedule(ctx context.Context, locator Locator, opts PutOptions, body []byte) {
	if w == nil {
		return
	}
	w.mu.Lock()
	if w.store == nil || w.closed {
		w.mu.Unlock()
		w.report(WriteDropped)
		return
	}
	if !w.budget.TryAcquire(1) {
		w.mu.Unlock()
		w.logger.WithFields(logrus.Fields{
			"action": "cache_write",
			"bucket": locator.Bucket,
			"method": locator.Method,
			"path":   locator.Path,
		}).Debug("cache_write_dropped")
		w.report(WriteDropped)
		return
	}
	w.pending.Add(1)
	w.mu.Unlock()

	// 写入不随请求取消，只受自身超时约束
	base := context.WithoutCancel(ctx)
	go func() {
		defer w.pending.Done()
		w.start(func() error {
			outcome := w.write(base, locator, opts, body)
			w.budget.Release(1)
			w.report(outcome)
			return nil
		})
	}()
}

func (w *BackgroundWriter) write(base context.Context, locator Locator, opts PutOptions, body []byte) string {
	started := time.Now()
	ctx, cancel := context.WithTimeout(base, w.timeout)
	defer cancel()

	entry, err := w.store.Put(ctx, locator, bytes.NewReader(body), opts)
	fields := logrus.Fields{
		"action":     "cache_write",
		"bucket":     locator.Bucket,
		"method":     locator.Method,
		"path":       locator.Path,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
		w.logger.WithFields(fields).Warn("cache_write_failed")
		return WriteFailed
	}
	fields["size_bytes"] = entry.SizeBytes
	w.logger.WithFields(fields).Debug("cache_write_stored")
	return WriteStored
}

func (w *BackgroundWriter) report(outcome string) {
	if w.onResult != nil {
		w.onResult(outcome)
	}
}

// Close 拒绝新的写入并等待已登记的写入完成。
func (w *BackgroundWriter) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.pending.Wait()
	return w.tasks.Wait()
}
