package b2

import (
	"context"
	"net/http"
	"strconv"
	"strings"
)

// ProbeResult 是一次 HEAD 探测得到的对象存在性与大小。
type ProbeResult struct {
	Exists    bool
	SizeBytes int64
	// ObjectURL 是探测使用的完整地址（含 b2CacheControl），重定向与回源复用同一地址。
	ObjectURL string
	Header    http.Header
}

// Probe 以 HEAD 请求探测对象，不传输正文。非成功状态对应 ErrObjectNotFound，
// 传输失败（含超时）对应 ErrBackendUnavailable。Content-Length 缺失或无法解析时大小记为 0。
func (c *Client) Probe(ctx context.Context, session *Session, bucket, objectPath, cacheControl string) (*ProbeResult, error) {
	target := ObjectURL(session.DownloadURL, bucket, objectPath, cacheControl)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return nil, transportError(OpProbe, err)
	}
	req.Header.Set("Authorization", session.AuthorizationToken)

	resp, err := c.do(req)
	if err != nil {
		return nil, transportError(OpProbe, err)
	}
	defer drainAndClose(resp.Body)

	if !isSuccess(resp.StatusCode) {
		return nil, &APIError{Op: OpProbe, Status: resp.StatusCode, Kind: ErrObjectNotFound}
	}

	return &ProbeResult{
		Exists:    true,
		SizeBytes: contentLength(resp),
		ObjectURL: target,
		Header:    resp.Header.Clone(),
	}, nil
}

// Fetch 以 bearer token 对 objectURL 发起完整 GET，调用方负责关闭响应正文。
// 正文读取不受整体超时约束；若两次读取之间超过 idle 超时，后续读取返回包裹
// ErrFetchStalled 与 ErrBackendUnavailable 的错误。
func (c *Client) Fetch(ctx context.Context, session *Session, objectURL string) (*http.Response, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, objectURL, nil)
	if err != nil {
		cancel(nil)
		return nil, transportError(OpFetch, err)
	}
	req.Header.Set("Authorization", session.AuthorizationToken)

	resp, err := c.doWith(c.fetchHTTP, req)
	if err != nil {
		cancel(nil)
		return nil, transportError(OpFetch, err)
	}
	resp.Body = newIdleBody(ctx, resp.Body, c.idleTimeout, cancel)
	return resp, nil
}

func contentLength(resp *http.Response) int64 {
	if raw := strings.TrimSpace(resp.Header.Get("Content-Length")); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n >= 0 {
			return n
		}
		return 0
	}
	if resp.ContentLength > 0 {
		return resp.ContentLength
	}
	return 0
}
