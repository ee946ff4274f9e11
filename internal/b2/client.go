package b2

import (
	"io"
	"net/http"
	"time"
)

// 操作名，用于 APIError 与日志。
const (
	OpAuthorize         = "authorize_account"
	OpDownloadAuthorize = "get_download_authorization"
	OpProbe             = "probe"
	OpFetch             = "fetch"
)

const maxJSONBody = 1 << 20

// Client 通过共享的 http.Client 访问 B2。授权、探测与下载授权受 http.Client.Timeout
// 整体约束；Fetch 使用 fetchHTTP，只约束响应头与正文的读取间隔。
type Client struct {
	http         *http.Client
	fetchHTTP    *http.Client
	idleTimeout  time.Duration
	authorizeURL string
	userAgent    string
	now          func() time.Time
}

// Option 调整 Client 的可选参数。
type Option func(*Client)

// WithAuthorizeURL 覆盖 b2_authorize_account 地址，测试时指向本地 stub。
func WithAuthorizeURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.authorizeURL = u
		}
	}
}

// WithUserAgent 设置出站请求的 User-Agent。
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithFetchClient 为 Fetch 指定独立的 http.Client，通常不设置 Timeout，
// 以免大文件正文在传输途中被整体超时截断。
func WithFetchClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.fetchHTTP = hc
		}
	}
}

// WithIdleTimeout 限制 Fetch 正文两次读取之间的最长间隔，<= 0 表示不限制。
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.idleTimeout = d
	}
}

// DefaultAuthorizeURL 是 B2 v2 账户授权接口。
const DefaultAuthorizeURL = "https://api.backblazeb2.com/b2api/v2/b2_authorize_account"

// NewClient 构造 B2 客户端；httpClient 为空时使用 http.DefaultClient。
func NewClient(httpClient *http.Client, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{
		http:         httpClient,
		authorizeURL: DefaultAuthorizeURL,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.fetchHTTP == nil {
		c.fetchHTTP = c.http
	}
	return c
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	return c.doWith(c.http, req)
}

func (c *Client) doWith(hc *http.Client, req *http.Request) (*http.Response, error) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return hc.Do(req)
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// drainAndClose 读尽剩余正文以便连接复用。
func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBody))
	_ = body.Close()
}
