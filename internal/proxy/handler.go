package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/b2-hub/internal/b2"
	"github.com/any-hub/b2-hub/internal/cache"
	"github.com/any-hub/b2-hub/internal/logging"
	"github.com/any-hub/b2-hub/internal/metrics"
	"github.com/any-hub/b2-hub/internal/server"
)

// 响应头与固定响应正文。
const (
	HeaderCacheHit = "X-B2-Hub-Cache-Hit"

	bodyInvalidCredential = "Error: AUTH_HEADER is not correctly set"
	bodyAuthorizeFailed   = "B2 authorization failed"
	bodyNotFound          = "Not found"
	bodyProbeFailed       = "B2 probe failed"
	bodyFetchFailed       = "B2 fetch failed"
	bodySignFailedPrefix  = "Failed to generate signed download url: "
	bodyMethodNotAllowed  = "Method not allowed"
	allowedMethods        = "GET, HEAD"
)

// Backend 是 Handler 依赖的 B2 操作集合，*b2.Client 实现该接口。
type Backend interface {
	Probe(ctx context.Context, session *b2.Session, bucket, objectPath, cacheControl string) (*b2.ProbeResult, error)
	Fetch(ctx context.Context, session *b2.Session, objectURL string) (*http.Response, error)
	GetDownloadAuthorization(ctx context.Context, apiURL, token, bucketID, fileNamePrefix string, opts ...b2.GrantOption) (*b2.Grant, error)
}

// CacheScheduler 接收需要异步写入缓存的响应，*cache.BackgroundWriter 实现该接口。
type CacheScheduler interface {
	Schedule(ctx context.Context, locator cache.Locator, opts cache.PutOptions, body []byte)
}

// Options 汇总 Handler 的依赖与桶级配置。
type Options struct {
	Backend  Backend
	Sessions b2.SessionSource
	Store    cache.Store
	Writer   CacheScheduler
	Logger   *logrus.Logger
	Metrics  *metrics.Metrics

	Bucket          string
	BucketID        string
	CacheControl    string
	StreamThreshold int64
	SignedURLTTL    time.Duration
}

// Handler 按固定顺序处理对象请求：缓存命中 → 账户授权 → HEAD 探测 →
// 按大小分流（内联转发并异步写缓存，或签发下载授权后 302 重定向）。
type Handler struct {
	backend  Backend
	sessions b2.SessionSource
	store    cache.Store
	writer   CacheScheduler
	logger   *logrus.Logger
	metrics  *metrics.Metrics

	bucket       string
	bucketID     string
	cacheControl string
	threshold    int64
	grantTTL     time.Duration
}

// NewHandler 校验依赖并构造 Handler。Store 与 Writer 可为空，此时不读写缓存。
func NewHandler(opts Options) (*Handler, error) {
	if opts.Backend == nil {
		return nil, errors.New("backend is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("session source is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if opts.StreamThreshold <= 0 {
		return nil, fmt.Errorf("invalid stream threshold: %d", opts.StreamThreshold)
	}
	grantTTL := opts.SignedURLTTL
	if grantTTL <= 0 {
		grantTTL = b2.DefaultGrantValidity
	}
	return &Handler{
		backend:      opts.Backend,
		sessions:     opts.Sessions,
		store:        opts.Store,
		writer:       opts.Writer,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		bucket:       opts.Bucket,
		bucketID:     opts.BucketID,
		cacheControl: opts.CacheControl,
		threshold:    opts.StreamThreshold,
		grantTTL:     grantTTL,
	}, nil
}

// requestState 记录单个请求在状态机中的上下文，用于统一输出日志。
type requestState struct {
	requestID string
	method    string
	path      string
	started   time.Time
	cacheHit  bool
	size      int64
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx) error {
	st := &requestState{
		requestID: server.RequestID(c),
		method:    c.Method(),
		path:      requestPath(c),
		started:   time.Now(),
		size:      -1,
	}

	if st.method != fiber.MethodGet && st.method != fiber.MethodHead {
		c.Set(fiber.HeaderAllow, allowedMethods)
		return h.finish(c, st, metrics.OutcomeMethodNotAllowed, fiber.StatusMethodNotAllowed, bodyMethodNotAllowed, nil)
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	locator := cache.Locator{
		Method:   st.method,
		Bucket:   h.bucket,
		Path:     st.path,
		RawQuery: string(c.Request().URI().QueryString()),
	}

	if st.method == fiber.MethodGet && h.store != nil {
		result, err := h.store.Get(ctx, locator)
		switch {
		case err == nil:
			return h.serveCache(c, st, result)
		case errors.Is(err, cache.ErrNotFound):
			// miss
		default:
			h.logger.WithError(err).
				WithFields(logging.RequestFields(h.bucket, st.method, st.path, st.requestID, false)).
				Warn("cache_get_failed")
		}
	}

	session, err := h.sessions.Session(ctx)
	if err != nil {
		if errors.Is(err, b2.ErrInvalidCredential) {
			return h.finish(c, st, metrics.OutcomeUnauthorized, fiber.StatusUnauthorized, bodyInvalidCredential, err)
		}
		return h.finish(c, st, metrics.OutcomeBackendError, fiber.StatusBadGateway, bodyAuthorizeFailed, err)
	}
	if err := session.Validate(); err != nil {
		return h.finish(c, st, metrics.OutcomeBackendError, fiber.StatusBadGateway, bodyAuthorizeFailed, err)
	}

	probeStarted := time.Now()
	probe, err := h.backend.Probe(ctx, session, h.bucket, escapePath(st.path), h.cacheControl)
	h.metrics.ObserveBackend(b2.OpProbe, err, time.Since(probeStarted))
	if err != nil {
		var apiErr *b2.APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
			// token 已失效，下次请求重新授权
			h.sessions.Invalidate()
		}
		if errors.Is(err, b2.ErrObjectNotFound) {
			return h.finish(c, st, metrics.OutcomeNotFound, fiber.StatusNotFound, bodyNotFound, err)
		}
		return h.finish(c, st, metrics.OutcomeBackendError, fiber.StatusBadGateway, bodyProbeFailed, err)
	}
	st.size = probe.SizeBytes

	if probe.SizeBytes > h.threshold {
		return h.redirectSigned(c, ctx, st, session, probe)
	}
	if st.method == fiber.MethodHead {
		return h.serveProbeHead(c, st, probe)
	}
	return h.fetchAndStream(c, ctx, st, session, probe, locator)
}

func (h *Handler) serveCache(c fiber.Ctx, st *requestState, result *cache.ReadResult) error {
	defer result.Reader.Close()
	st.cacheHit = true

	applyHeaders(c, result.Entry.Header)
	c.Set(HeaderCacheHit, "true")
	c.Status(result.Entry.Status)

	n, err := io.Copy(c.Response().BodyWriter(), result.Reader)
	h.metrics.AddBytesServed("cache", int(n))
	if err != nil {
		h.logResult(st, metrics.OutcomeCacheHit, result.Entry.Status, err)
		h.metrics.ObserveRequest(metrics.OutcomeCacheHit)
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("read cache failed: %v", err))
	}
	st.size = n
	h.logResult(st, metrics.OutcomeCacheHit, result.Entry.Status, nil)
	h.metrics.ObserveRequest(metrics.OutcomeCacheHit)
	return nil
}

func (h *Handler) redirectSigned(c fiber.Ctx, ctx context.Context, st *requestState, session *b2.Session, probe *b2.ProbeResult) error {
	apiURL := b2.DeriveAPIURL(session.APIURL, session.DownloadURL)
	prefix := b2.TrimLeadingSlash(st.path)

	grantStarted := time.Now()
	grant, err := h.backend.GetDownloadAuthorization(ctx, apiURL, session.AuthorizationToken, h.bucketID, prefix, b2.WithValidity(h.grantTTL))
	h.metrics.ObserveBackend(b2.OpDownloadAuthorize, err, time.Since(grantStarted))
	if err != nil {
		return h.finish(c, st, metrics.OutcomeSignError, fiber.StatusInternalServerError, bodySignFailedPrefix+err.Error(), err)
	}

	location := b2.AppendQueryParam(probe.ObjectURL, "Authorization", grant.Token)
	c.Set(fiber.HeaderLocation, location)
	c.Status(fiber.StatusFound)
	h.logResult(st, metrics.OutcomeRedirected, fiber.StatusFound, nil)
	h.metrics.ObserveRequest(metrics.OutcomeRedirected)
	return nil
}

func (h *Handler) serveProbeHead(c fiber.Ctx, st *requestState, probe *b2.ProbeResult) error {
	applyHeaders(c, h.withPolicy(probe.Header))
	c.Set(HeaderCacheHit, "false")
	c.Response().Header.SetContentLength(int(probe.SizeBytes))
	c.Status(fiber.StatusOK)
	h.logResult(st, metrics.OutcomeHead, fiber.StatusOK, nil)
	h.metrics.ObserveRequest(metrics.OutcomeHead)
	return nil
}

func (h *Handler) fetchAndStream(
	c fiber.Ctx,
	ctx context.Context,
	st *requestState,
	session *b2.Session,
	probe *b2.ProbeResult,
	locator cache.Locator,
) error {
	fetchStarted := time.Now()
	resp, err := h.backend.Fetch(ctx, session, probe.ObjectURL)
	h.metrics.ObserveBackend(b2.OpFetch, err, time.Since(fetchStarted))
	if err != nil {
		return h.finish(c, st, metrics.OutcomeBackendError, fiber.StatusBadGateway, bodyFetchFailed, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return h.relay(c, st, resp)
	}

	header := h.withPolicy(resp.Header)
	applyHeaders(c, header)
	c.Set(HeaderCacheHit, "false")
	c.Status(fiber.StatusOK)

	// 正文由 fasthttp 在 Handle 返回后边读边写，日志、指标与缓存写入在流关闭时完成
	body := newStreamBody(h, ctx, st, resp, locator, header)
	c.Response().SetBodyStream(body, int(body.expected))
	return nil
}

// relay 原样转发非 200 的回源响应，不写缓存。
func (h *Handler) relay(c fiber.Ctx, st *requestState, resp *http.Response) error {
	applyHeaders(c, resp.Header)
	c.Set(HeaderCacheHit, "false")
	c.Status(resp.StatusCode)

	n, err := io.Copy(c.Response().BodyWriter(), resp.Body)
	st.size = n
	h.metrics.AddBytesServed("backend", int(n))
	h.logResult(st, metrics.OutcomeRelayed, resp.StatusCode, err)
	h.metrics.ObserveRequest(metrics.OutcomeRelayed)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// finish 写出纯文本终态响应，并输出日志与指标。
func (h *Handler) finish(c fiber.Ctx, st *requestState, outcome string, status int, body string, cause error) error {
	h.logResult(st, outcome, status, cause)
	h.metrics.ObserveRequest(outcome)
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.Status(status).SendString(body)
}

// withPolicy 复制 src 并以配置的缓存策略覆盖 Cache-Control。
func (h *Handler) withPolicy(src http.Header) http.Header {
	dst := http.Header{}
	server.CopyHeaders(dst, src)
	for _, key := range []string{"Content-Length", server.HeaderRequestID, HeaderCacheHit} {
		dst.Del(key)
	}
	if h.cacheControl != "" {
		dst.Set(fiber.HeaderCacheControl, h.cacheControl)
	}
	return dst
}

func (h *Handler) logResult(st *requestState, outcome string, status int, err error) {
	fields := logging.RequestFields(h.bucket, st.method, st.path, st.requestID, st.cacheHit)
	fields["action"] = "proxy"
	fields["outcome"] = outcome
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(st.started).Milliseconds()
	if st.size >= 0 {
		fields["size_bytes"] = st.size
	}
	entry := h.logger.WithFields(fields)
	switch {
	case status >= http.StatusInternalServerError:
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Error("proxy_failed")
	case status >= http.StatusBadRequest:
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Warn("proxy_rejected")
	default:
		if err != nil {
			entry.WithError(err).Error("proxy_failed")
			return
		}
		entry.Info("proxy_complete")
	}
}

// applyHeaders 把允许透传的头写入 Fiber 响应。
func applyHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if skipResponseHeader(key) {
			continue
		}
		c.Response().Header.Del(key)
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}

// skipResponseHeader 过滤 hop-by-hop 头以及由 fasthttp 自行计算或由本服务设置的头。
func skipResponseHeader(key string) bool {
	if server.IsHopByHopHeader(key) {
		return true
	}
	switch http.CanonicalHeaderKey(key) {
	case "Content-Length", server.HeaderRequestID, HeaderCacheHit:
		return true
	}
	return false
}

func requestPath(c fiber.Ctx) string {
	if c == nil {
		return "/"
	}
	uri := c.Request().URI()
	if uri == nil {
		return "/"
	}
	pathVal := string(uri.Path())
	if pathVal == "" {
		return "/"
	}
	return pathVal
}

// escapePath 将解码后的请求路径重新编码为可拼接进 URL 的形式。
func escapePath(p string) string {
	escaped := (&url.URL{Path: p}).EscapedPath()
	if !strings.HasPrefix(escaped, "/") {
		escaped = "/" + escaped
	}
	return escaped
}

