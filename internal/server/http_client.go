package server

import (
	"net"
	"net/http"
	"net/textproto"
	"time"

	"github.com/any-hub/b2-hub/internal/config"
)

const defaultUpstreamTimeout = 30 * time.Second

// newTransport 返回访问 B2 的连接池配置。关闭透明压缩，
// 使正文与 Content-Length 按 B2 原样转发和缓存。
func newTransport(timeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		DisableCompression:    true,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
}

// UpstreamTimeout 返回配置的回源超时，未配置时为 30 秒。
func UpstreamTimeout(cfg *config.Config) time.Duration {
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		return cfg.Global.UpstreamTimeout.DurationValue()
	}
	return defaultUpstreamTimeout
}

// NewUpstreamClient 返回授权、探测与下载授权共享的 http.Client，Timeout 覆盖整个请求（含读正文）。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := UpstreamTimeout(cfg)
	return &http.Client{
		Timeout:   timeout,
		Transport: newTransport(timeout),
	}
}

// NewFetchClient 返回对象下载专用的 http.Client。它不设整体 Timeout，
// 只由 ResponseHeaderTimeout 约束响应头；正文停滞由 b2.WithIdleTimeout 处理。
func NewFetchClient(cfg *config.Config) *http.Client {
	return &http.Client{
		Transport: newTransport(UpstreamTimeout(cfg)),
	}
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}
