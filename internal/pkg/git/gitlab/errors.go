package gitlab

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrMalformedResponse 响应体无法解析
var ErrMalformedResponse = errors.New("gitlab: malformed response")

// APIError GitLab 返回的非 2xx 响应
type APIError struct {
	StatusCode int
	Message    string
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gitlab api error (状态码: %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("gitlab api error (状态码: %d)", e.StatusCode)
}

func asAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsNotFound 资源不存在
func IsNotFound(err error) bool {
	apiErr, ok := asAPIError(err)
	return ok && apiErr.StatusCode == http.StatusNotFound
}

// IsUnauthorized 令牌无效、已吊销或权限不足
func IsUnauthorized(err error) bool {
	apiErr, ok := asAPIError(err)
	if !ok {
		return false
	}
	if apiErr.StatusCode == http.StatusUnauthorized {
		return true
	}
	return apiErr.StatusCode == http.StatusForbidden &&
		strings.Contains(apiErr.Body, "insufficient_scope")
}

// IsRateLimited 触发限流
func IsRateLimited(err error) bool {
	apiErr, ok := asAPIError(err)
	return ok && apiErr.StatusCode == http.StatusTooManyRequests
}

// RetryAfterOf 限流响应携带的等待时间，未携带返回 0
func RetryAfterOf(err error) time.Duration {
	if apiErr, ok := asAPIError(err); ok {
		return apiErr.RetryAfter
	}
	return 0
}

// IsServerError 5xx
func IsServerError(err error) bool {
	apiErr, ok := asAPIError(err)
	return ok && apiErr.StatusCode >= http.StatusInternalServerError
}

// IsTimeout 请求超时
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsMalformed 响应体解析失败
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedResponse)
}
