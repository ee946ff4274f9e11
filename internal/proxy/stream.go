package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/b2-hub/internal/cache"
	"github.com/any-hub/b2-hub/internal/metrics"
)

// streamBody 作为 fasthttp 的 body stream，把回源正文边读边写给客户端，
// 同时在阈值内保留一份副本。正文完整读完且写出成功后，副本交给后台写入器。
//
// fasthttp 在 Handle 返回之后才读取它，因此这里不能再访问 fiber.Ctx。
type streamBody struct {
	h        *Handler
	ctx      context.Context
	st       *requestState
	body     io.ReadCloser
	locator  cache.Locator
	opts     cache.PutOptions
	expected int64

	copy     *bytes.Buffer // 未配置写入器或超过阈值时为空
	overflow bool          // 正文超过阈值，只转发不缓存
	read     int64
	eof      bool
	readErr  error
	once     sync.Once
}

func newStreamBody(h *Handler, ctx context.Context, st *requestState, resp *http.Response, locator cache.Locator, header http.Header) *streamBody {
	s := &streamBody{
		h:        h,
		ctx:      ctx,
		st:       st,
		body:     resp.Body,
		locator:  locator,
		expected: -1,
		opts: cache.PutOptions{
			Status: http.StatusOK,
			Header: header,
		},
	}
	if resp.ContentLength > 0 {
		s.expected = resp.ContentLength
	}
	s.overflow = s.expected > h.threshold
	if h.writer != nil && !s.overflow {
		s.copy = &bytes.Buffer{}
		if s.expected > 0 {
			s.copy.Grow(int(s.expected))
		}
	}
	return s
}

func (s *streamBody) Read(p []byte) (int, error) {
	n, err := s.body.Read(p)
	if n > 0 {
		s.read += int64(n)
		if s.read > s.h.threshold {
			s.overflow = true
			s.copy = nil
		}
		if s.copy != nil {
			s.copy.Write(p[:n])
		}
	}
	switch {
	case errors.Is(err, io.EOF):
		s.eof = true
	case err != nil:
		s.readErr = err
	}
	return n, err
}

// CloseWithError 由 fasthttp 在正文写完或放弃写出后调用，writeErr 为写客户端时的错误。
func (s *streamBody) CloseWithError(writeErr error) error {
	s.once.Do(func() { s.finish(writeErr) })
	return nil
}

func (s *streamBody) finish(writeErr error) {
	_ = s.body.Close()

	h, st := s.h, s.st
	st.size = s.read
	h.metrics.AddBytesServed("backend", int(s.read))

	err := s.readErr
	if err == nil {
		err = writeErr
	}
	if err == nil && !s.eof {
		err = io.ErrUnexpectedEOF
	}
	if err == nil && s.expected >= 0 && s.read != s.expected {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		// 响应头已发出，只能记录中断
		h.logResult(st, metrics.OutcomeStreamAborted, fiber.StatusOK, err)
		h.metrics.ObserveRequest(metrics.OutcomeStreamAborted)
		return
	}

	if s.overflow {
		// 对象在探测后变大，超过阈值的正文只转发不缓存
		h.logResult(st, metrics.OutcomeStreamedUncached, fiber.StatusOK, nil)
		h.metrics.ObserveRequest(metrics.OutcomeStreamedUncached)
		return
	}

	if s.copy != nil {
		s.opts.StoredAt = time.Now().UTC()
		h.writer.Schedule(s.ctx, s.locator, s.opts, s.copy.Bytes())
		s.copy = nil
	}
	h.logResult(st, metrics.OutcomeStreamed, fiber.StatusOK, nil)
	h.metrics.ObserveRequest(metrics.OutcomeStreamed)
}
