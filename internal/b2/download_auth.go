package b2

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultGrantValidity 是下载授权的默认有效期。
const DefaultGrantValidity = 600 * time.Second

// Grant 是限定到单个 bucket + 路径前缀的短期下载 token，仅用于拼接一次重定向 URL。
type Grant struct {
	Token            string
	ExpiresInSeconds int
	BucketID         string
	FileNamePrefix   string
}

type grantOptions struct {
	validity time.Duration
}

// GrantOption 调整下载授权请求。
type GrantOption func(*grantOptions)

// WithValidity 设置下载授权有效期，按秒向下取整，最小 1 秒。
func WithValidity(d time.Duration) GrantOption {
	return func(o *grantOptions) {
		if d > 0 {
			o.validity = d
		}
	}
}

// ValiditySeconds 计算 opts 生效后的授权有效期秒数，未指定时为 DefaultGrantValidity。
func ValiditySeconds(opts ...GrantOption) int {
	o := grantOptions{validity: DefaultGrantValidity}
	for _, opt := range opts {
		opt(&o)
	}
	seconds := int(o.validity / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

type downloadAuthRequest struct {
	BucketID               string `json:"bucketId"`
	FileNamePrefix         string `json:"fileNamePrefix"`
	ValidDurationInSeconds int    `json:"validDurationInSeconds"`
}

type downloadAuthResponse struct {
	BucketID           string `json:"bucketId"`
	FileNamePrefix     string `json:"fileNamePrefix"`
	AuthorizationToken string `json:"authorizationToken"`
}

// GetDownloadAuthorization 调用 b2_get_download_authorization。fileNamePrefix 不得带前导 /。
// 非成功状态返回 *RejectedError（携带状态与响应体）。
func (c *Client) GetDownloadAuthorization(
	ctx context.Context,
	apiURL string,
	token string,
	bucketID string,
	fileNamePrefix string,
	opts ...GrantOption,
) (*Grant, error) {
	seconds := ValiditySeconds(opts...)

	payload, err := json.Marshal(downloadAuthRequest{
		BucketID:               bucketID,
		FileNamePrefix:         fileNamePrefix,
		ValidDurationInSeconds: seconds,
	})
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimSuffix(apiURL, "/") + "/b2api/v2/b2_get_download_authorization"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, transportError(OpDownloadAuthorize, err)
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return nil, transportError(OpDownloadAuthorize, err)
	}
	defer drainAndClose(resp.Body)

	if !isSuccess(resp.StatusCode) {
		return nil, &RejectedError{Status: resp.StatusCode, Body: readErrorBody(resp)}
	}

	var out downloadAuthResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJSONBody)).Decode(&out); err != nil {
		return nil, &APIError{Op: OpDownloadAuthorize, Status: resp.StatusCode, Kind: ErrBackendUnavailable, Err: err}
	}
	if out.AuthorizationToken == "" {
		return nil, &APIError{
			Op:      OpDownloadAuthorize,
			Status:  resp.StatusCode,
			Kind:    ErrBackendUnavailable,
			Message: "response missing authorizationToken",
		}
	}

	return &Grant{
		Token:            out.AuthorizationToken,
		ExpiresInSeconds: seconds,
		BucketID:         bucketID,
		FileNamePrefix:   fileNamePrefix,
	}, nil
}
