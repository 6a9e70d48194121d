package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hewenyu/kong-mesh/pkg/breaker"
)

// ErrServiceUnavailable 没有可用的健康实例
var ErrServiceUnavailable = errors.New("没有可用的服务实例")

// ServiceUnavailableError 服务发现失败，请求不会发出
type ServiceUnavailableError struct {
	Service string
}

// Error 实现error接口
func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("服务 %s 没有可用的健康实例", e.Service)
}

// Unwrap 支持 errors.Is(err, ErrServiceUnavailable)
func (e *ServiceUnavailableError) Unwrap() error {
	return ErrServiceUnavailable
}

// CircuitOpenError 服务的熔断器处于打开状态
type CircuitOpenError = breaker.OpenError

// HTTPError 远端返回了 >= 400 的状态码
type HTTPError struct {
	Service    string
	Instance   string
	StatusCode int
	Body       []byte
}

// Error 实现error接口
func (e *HTTPError) Error() string {
	return fmt.Sprintf("服务 %s (%s) 返回状态码 %d: %s", e.Service, e.Instance, e.StatusCode, truncate(e.Body, 256))
}

// Temporary 5xx 视为暂时性错误
func (e *HTTPError) Temporary() bool {
	return e.StatusCode >= 500
}

// TimeoutError 单次请求超过了超时时间
type TimeoutError struct {
	Service  string
	Instance string
	Timeout  time.Duration
}

// Error 实现error接口
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("请求服务 %s (%s) 超时: %s", e.Service, e.Instance, e.Timeout)
}

// Unwrap 支持 errors.Is(err, context.DeadlineExceeded)
func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// IsRetryable 判断错误是否可以重试。
// 服务不可用、熔断、4xx 和调用方取消不重试；5xx、超时和网络错误重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var (
		unavailable *ServiceUnavailableError
		open        *CircuitOpenError
		httpErr     *HTTPError
		timeout     *TimeoutError
	)
	switch {
	case errors.As(err, &unavailable), errors.As(err, &open):
		return false
	case errors.As(err, &httpErr):
		return httpErr.Temporary()
	case errors.As(err, &timeout):
		return true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
