package storage

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
)

// 源站错误分类：鉴权失效、限流、服务端错误三类需要调用方区别对待
var (
	// ErrAuthenticationRequired 凭证缺失或已失效，调用方应提示重新连接，不得重试
	ErrAuthenticationRequired = errors.New("storage: authentication required")

	// ErrSharedLinkUnsupported 当前存储桶不支持持久分享链接，回退到临时链接
	ErrSharedLinkUnsupported = errors.New("storage: persistent shared link unsupported")

	// ErrObjectNotFound 对象不存在
	ErrObjectNotFound = errors.New("storage: object not found")
)

// RateLimitError 源站限流（429），RetryAfter 为服务端建议的等待时间，0 表示未给出
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("storage: rate limited, retry after %s", e.RetryAfter)
	}
	return "storage: rate limited"
}

// ServiceError 源站服务端错误（5xx）
type ServiceError struct {
	StatusCode int
	Message    string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("storage: service error (status %d): %s", e.StatusCode, e.Message)
}

// IsRateLimited 判断错误是否为限流错误
func IsRateLimited(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}

// mapOriginError 将 MinIO 错误映射为类型化的源站错误
func mapOriginError(err error) error {
	if err == nil {
		return nil
	}

	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrAuthenticationRequired, resp.Code)
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{}
	case resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey":
		return fmt.Errorf("%w: %s", ErrObjectNotFound, resp.Key)
	case resp.StatusCode >= 500:
		return &ServiceError{StatusCode: resp.StatusCode, Message: resp.Message}
	default:
		return err
	}
}
