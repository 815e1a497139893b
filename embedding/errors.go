package embedding

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode 嵌入错误码.
type ErrorCode string

const (
	ErrInvalidRequest ErrorCode = "EMBEDDING_INVALID_REQUEST"
	ErrUnauthorized   ErrorCode = "EMBEDDING_UNAUTHORIZED"
	ErrForbidden      ErrorCode = "EMBEDDING_FORBIDDEN"
	ErrRateLimited    ErrorCode = "EMBEDDING_RATE_LIMITED"
	ErrUpstreamError  ErrorCode = "EMBEDDING_UPSTREAM_ERROR"
)

// ErrNoEmbeddings is returned when a provider answers without vectors.
var ErrNoEmbeddings = errors.New("no embeddings returned")

// Error 嵌入服务错误.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Message, e.Code)
}

// IsRetryable 判断错误是否可重试.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// mapHTTPError 把 HTTP 状态映射为 *Error.
func mapHTTPError(status int, msg, provider string) *Error {
	code := ErrUpstreamError
	retryable := status >= 500

	switch status {
	case http.StatusUnauthorized:
		code = ErrUnauthorized
	case http.StatusForbidden:
		code = ErrForbidden
	case http.StatusTooManyRequests:
		code = ErrRateLimited
		retryable = true
	case http.StatusBadRequest:
		code = ErrInvalidRequest
	}

	return &Error{
		Code:       code,
		Message:    msg,
		HTTPStatus: status,
		Retryable:  retryable,
		Provider:   provider,
	}
}
