package b2

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// 错误分类，调用方通过 errors.Is 判断。
var (
	// ErrInvalidCredential 表示 B2 以 401 拒绝了静态凭证，属于配置错误而非瞬时故障。
	ErrInvalidCredential = errors.New("b2: invalid credential")
	// ErrBackendUnavailable 表示 B2 不可达、返回非预期状态或响应缺少必需字段。
	ErrBackendUnavailable = errors.New("b2: backend unavailable")
	// ErrObjectNotFound 表示探测对象时 B2 返回了非成功状态。
	ErrObjectNotFound = errors.New("b2: object not found")
)

const maxErrorBody = 4 * 1024

// APIError 描述一次失败的 B2 调用：操作名、HTTP 状态与 B2 错误体中的 code/message。
type APIError struct {
	Op      string
	Status  int
	Code    string
	Message string
	// Kind 是对应的哨兵错误。
	Kind error
	// Err 是底层传输或解码错误，可能为空。
	Err error
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "b2 %s", e.Op)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " (%s)", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap 同时暴露 Kind 与底层错误。
func (e *APIError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// RejectedError 表示 b2_get_download_authorization 返回了非成功状态，保留状态码与原始响应体。
type RejectedError struct {
	Status int
	Body   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("B2 download_authorization error %d: %s", e.Status, e.Body)
}

// apiErrorBody 对应 B2 的标准错误响应。
type apiErrorBody struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// newAPIError 从非成功响应构造 APIError，尽量解析 B2 的 JSON 错误体。
func newAPIError(op string, resp *http.Response, kind error) *APIError {
	apiErr := &APIError{Op: op, Status: resp.StatusCode, Kind: kind}
	body := readErrorBody(resp)
	if body == "" {
		return apiErr
	}
	var parsed apiErrorBody
	if err := json.Unmarshal([]byte(body), &parsed); err == nil && (parsed.Code != "" || parsed.Message != "") {
		apiErr.Code = parsed.Code
		apiErr.Message = parsed.Message
		return apiErr
	}
	apiErr.Message = body
	return apiErr
}

func transportError(op string, err error) *APIError {
	return &APIError{Op: op, Kind: ErrBackendUnavailable, Err: err}
}

func readErrorBody(resp *http.Response) string {
	if resp == nil || resp.Body == nil {
		return ""
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return strings.TrimSpace(string(data))
}
