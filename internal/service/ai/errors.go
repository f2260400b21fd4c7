package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sashabaranov/go-openai"
)

// 对话服务错误分类。
var (
	// ErrNetworkFailure 网络不可达或超时，可重试。
	ErrNetworkFailure = errors.New("network failure")
	// ErrServiceError 服务端返回非成功状态，可重试。
	ErrServiceError = errors.New("service error")
	// ErrMalformedResponse 响应缺少文本，不重试。
	ErrMalformedResponse = errors.New("malformed response")
)

// Classify maps a transport or provider error into the taxonomy above.
// Errors that already carry a category, and configuration errors such as
// ErrUnknownModel, are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNetworkFailure) || errors.Is(err, ErrServiceError) || errors.Is(err, ErrMalformedResponse) {
		return err
	}
	if errors.Is(err, ErrUnknownModel) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: status=%d %s", ErrServiceError, apiErr.HTTPStatusCode, apiErr.Message)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == 0 {
			return fmt.Errorf("%w: %v", ErrNetworkFailure, err)
		}
		return fmt.Errorf("%w: status=%d %v", ErrServiceError, reqErr.HTTPStatusCode, reqErr.Err)
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}

	return fmt.Errorf("%w: %v", ErrServiceError, err)
}

// StatusError builds a ServiceError for a non-success HTTP status.
func StatusError(status int, body string) error {
	return fmt.Errorf("%w: status=%d %s %s", ErrServiceError, status, http.StatusText(status), body)
}

// IsRetryable 只有网络与服务错误值得重试，配置错误重试也不会成功。
func IsRetryable(err error) bool {
	if errors.Is(err, ErrUnknownModel) {
		return false
	}
	return errors.Is(err, ErrNetworkFailure) || errors.Is(err, ErrServiceError)
}

// Code 返回错误分类的短名，供事件和 HTTP 响应使用。
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNetworkFailure):
		return "network_failure"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed_response"
	case errors.Is(err, ErrServiceError):
		return "service_error"
	case errors.Is(err, ErrUnknownModel):
		return "unknown_model"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "unknown"
	}
}
