package b2

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrFetchStalled 表示回源正文在 idle 超时内没有任何进展。
var ErrFetchStalled = errors.New("b2: fetch stalled")

// idleBody 在每次读到数据后重置计时器；计时器到期时取消请求上下文，
// 阻塞中的 Read 随即返回。
type idleBody struct {
	ctx    context.Context
	body   io.ReadCloser
	idle   time.Duration
	timer  *time.Timer
	cancel context.CancelCauseFunc
}

func newIdleBody(ctx context.Context, body io.ReadCloser, idle time.Duration, cancel context.CancelCauseFunc) io.ReadCloser {
	b := &idleBody{ctx: ctx, body: body, idle: idle, cancel: cancel}
	if idle > 0 {
		b.timer = time.AfterFunc(idle, func() { cancel(ErrFetchStalled) })
	}
	return b
}

func (b *idleBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if n > 0 && b.timer != nil {
		b.timer.Reset(b.idle)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		if cause := context.Cause(b.ctx); cause != nil {
			err = cause
		}
		return n, transportError(OpFetch, err)
	}
	return n, err
}

func (b *idleBody) Close() error {
	if b.timer != nil {
		b.timer.Stop()
	}
	err := b.body.Close()
	b.cancel(nil)
	return err
}
