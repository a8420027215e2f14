package apierrors

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"google.golang.org/grpc/codes"
)

// Code 表示统一业务错误码。
type Code string

const (
	CodeUnknownCoin          Code = "UNKNOWN_COIN"
	CodeUnsupportedOperation Code = "UNSUPPORTED_OPERATION"
	CodeInvalidInput         Code = "INVALID_INPUT"
	CodeInsufficientFunds    Code = "INSUFFICIENT_FUNDS"
	CodeInvalidUTXO          Code = "INVALID_UTXO"
	CodeInternalSigningError Code = "INTERNAL_SIGNING_ERROR"
	CodeRetryLater           Code = "RETRY_LATER"
)

var httpStatusMap = map[Code]int{
	CodeUnknownCoin:          http.StatusNotFound,
	CodeUnsupportedOperation: http.StatusNotImplemented,
	CodeInvalidInput:         http.StatusBadRequest,
	CodeInsufficientFunds:    http.StatusUnprocessableEntity,
	CodeInvalidUTXO:          http.StatusUnprocessableEntity,
	CodeInternalSigningError: http.StatusInternalServerError,
	CodeRetryLater:           http.StatusTooManyRequests,
}

var grpcStatusMap = map[Code]codes.Code{
	CodeUnknownCoin:          codes.NotFound,
	CodeUnsupportedOperation: codes.Unimplemented,
	CodeInvalidInput:         codes.InvalidArgument,
	CodeInsufficientFunds:    codes.FailedPrecondition,
	CodeInvalidUTXO:          codes.InvalidArgument,
	CodeInternalSigningError: codes.Internal,
	CodeRetryLater:           codes.ResourceExhausted,
}

// Error 表示带统一错误码的业务错误。
type Error struct {
	Code       Code
	Message    string
	Err        error
	retryAfter time.Duration
}

// New 创建一个新的业务错误。
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap 创建业务错误并保留底层错误，便于 errors.Is 判断。
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WithRetryAfter 设置 Retry-After 提示，返回自身方便链式调用。
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.retryAfter = d
	return e
}

// RetryAfterHint 以秒为单位返回 Retry-After 提示文本。
func (e *Error) RetryAfterHint() string {
	if e == nil || e.retryAfter <= 0 {
		return ""
	}
	seconds := int((e.retryAfter + time.Second - 1) / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap 返回底层错误。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// FromError 尝试从通用 error 中解析业务错误。
func FromError(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// CodeOf 返回错误携带的错误码，非业务错误返回空字符串。
func CodeOf(err error) Code {
	if apiErr, ok := FromError(err); ok {
		return apiErr.Code
	}
	return ""
}

// Is 判断 err 是否携带指定错误码。
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus 返回对应的 HTTP 状态码，未知错误默认 500。
func HTTPStatus(code Code) int {
	if status, ok := httpStatusMap[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// GRPCStatus 返回对应的 gRPC code，未知错误默认 Internal。
func GRPCStatus(code Code) codes.Code {
	if status, ok := grpcStatusMap[code]; ok {
		return status
	}
	return codes.Internal
}

// FromGRPCStatus 将 gRPC code 还原为业务错误码，供远端 signer 客户端使用。
func FromGRPCStatus(c codes.Code) Code {
	switch c {
	case codes.NotFound:
		return CodeUnknownCoin
	case codes.Unimplemented:
		return CodeUnsupportedOperation
	case codes.InvalidArgument:
		return CodeInvalidInput
	case codes.FailedPrecondition:
		return CodeInsufficientFunds
	case codes.ResourceExhausted:
		return CodeRetryLater
	default:
		return CodeInternalSigningError
	}
}

// RequiresRetryAfter 标记是否必须携带 Retry-After 头。
func RequiresRetryAfter(code Code) bool {
	return code == CodeRetryLater
}
