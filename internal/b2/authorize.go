package b2

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

// Session 是一次账户授权的结果（bearer token + 下载/API 地址），要么完整可用，要么不返回。
type Session struct {
	AccountID          string
	AuthorizationToken string
	DownloadURL        string
	APIURL             string
	Status             int
	ObtainedAt         time.Time
}

// authorizeResponse 对应 b2_authorize_account 的 JSON 响应中代理关心的字段。
type authorizeResponse struct {
	AccountID          string `json:"accountId"`
	AuthorizationToken string `json:"authorizationToken"`
	APIURL             string `json:"apiUrl"`
	DownloadURL        string `json:"downloadUrl"`
}

// BasicCredential 将 keyID/applicationKey 编码为 b2_authorize_account 需要的 Basic 头。
func BasicCredential(keyID, applicationKey string) string {
	token := keyID + ":" + applicationKey
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(token))
}

// AuthorizeAccount 用静态凭证换取短期会话。401 对应 ErrInvalidCredential，
// 其余失败（非成功状态、传输错误、缺字段）均对应 ErrBackendUnavailable。
func (c *Client) AuthorizeAccount(ctx context.Context, credential string) (*Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.authorizeURL, nil)
	if err != nil {
		return nil, transportError(OpAuthorize, err)
	}
	req.Header.Set("Authorization", credential)

	resp, err := c.do(req)
	if err != nil {
		return nil, transportError(OpAuthorize, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, newAPIError(OpAuthorize, resp, ErrInvalidCredential)
	}
	if !isSuccess(resp.StatusCode) {
		return nil, newAPIError(OpAuthorize, resp, ErrBackendUnavailable)
	}

	var payload authorizeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJSONBody)).Decode(&payload); err != nil {
		return nil, &APIError{Op: OpAuthorize, Status: resp.StatusCode, Kind: ErrBackendUnavailable, Err: err}
	}

	session := &Session{
		AccountID:          payload.AccountID,
		AuthorizationToken: strings.TrimSpace(payload.AuthorizationToken),
		DownloadURL:        strings.TrimSuffix(strings.TrimSpace(payload.DownloadURL), "/"),
		APIURL:             strings.TrimSuffix(strings.TrimSpace(payload.APIURL), "/"),
		Status:             resp.StatusCode,
		ObtainedAt:         c.now(),
	}
	if err := session.Validate(); err != nil {
		return nil, err
	}
	return session, nil
}

// Validate 确认会话包含下载地址与 bearer token。
func (s *Session) Validate() error {
	if s == nil || s.DownloadURL == "" || s.AuthorizationToken == "" {
		status := 0
		if s != nil {
			status = s.Status
		}
		return &APIError{
			Op:      OpAuthorize,
			Status:  status,
			Kind:    ErrBackendUnavailable,
			Message: "response missing downloadUrl or authorizationToken",
		}
	}
	return nil
}
