// internal/errors/errors.go
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorType 定义错误类型
type ErrorType string

const (
	// 通用错误类型
	ErrorTypeValidation ErrorType = "validation_error"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeError      ErrorType = "processing_error"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeTimeout    ErrorType = "timeout"

	// PNG 编解码错误
	ErrorTypeInvalidFormat          ErrorType = "invalid_format"
	ErrorTypeTruncated              ErrorType = "truncated"
	ErrorTypeUnsupportedCompression ErrorType = "unsupported_compression"
	ErrorTypeMetadataNotFound       ErrorType = "metadata_not_found"
	ErrorTypeParse                  ErrorType = "parse_error"

	// 翻译流水线与进度通道错误
	ErrorTypeAPI               ErrorType = "api_error"
	ErrorTypeTranslationFailed ErrorType = "translation_failed"
	ErrorTypeChannelLost       ErrorType = "channel_lost"
	ErrorTypeCancelled         ErrorType = "cancelled"
)

// AppError 应用程序错误结构
type AppError struct {
	Type       ErrorType
	Message    string
	Err        error
	Code       string // 用户友好的错误代码
	StatusCode int    // 仅 api_error 使用：上游 HTTP 状态码
	Field      string // 出错的卡片字段（如有）
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	msg := e.Message
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap 实现错误链接
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError 创建新的 AppError
func NewAppError(errType ErrorType, message string, originalError error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Err:     originalError,
		Code:    generateErrorCode(errType),
	}
}

// NewValidationError 创建验证错误
func NewValidationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeValidation, message, originalError)
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, originalError)
}

// NewProcessingError 创建处理错误
func NewProcessingError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeError, message, originalError)
}

// NewConflictError 创建冲突错误
func NewConflictError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeConflict, message, originalError)
}

func NewInvalidFormatError(message string) *AppError {
	return NewAppError(ErrorTypeInvalidFormat, message, nil)
}

func NewTruncatedError(message string) *AppError {
	return NewAppError(ErrorTypeTruncated, message, nil)
}

func NewUnsupportedCompressionError(method byte) *AppError {
	return NewAppError(ErrorTypeUnsupportedCompression, fmt.Sprintf("不支持的压缩方式: %d", method), nil)
}

func NewMetadataNotFoundError() *AppError {
	return NewAppError(ErrorTypeMetadataNotFound, "PNG 中未找到 chara 元数据", nil)
}

func NewParseError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeParse, message, originalError)
}

// NewAPIError 创建上游 LLM 接口错误，message 优先使用服务端返回的 error.message
func NewAPIError(statusCode int, message string) *AppError {
	if message == "" {
		message = http.StatusText(statusCode)
	}
	e := NewAppError(ErrorTypeAPI, "API错误: "+message, nil)
	e.StatusCode = statusCode
	return e
}

// NewTranslationFailedError 包装某个字段的翻译失败
func NewTranslationFailedError(field string, originalError error) *AppError {
	e := NewAppError(ErrorTypeTranslationFailed, fmt.Sprintf("翻译字段 %s 失败", field), originalError)
	e.Field = field
	return e
}

func NewChannelLostError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeChannelLost, message, originalError)
}

func NewCancelledError(message string) *AppError {
	return NewAppError(ErrorTypeCancelled, message, context.Canceled)
}

// TypeOf 返回错误链中第一个 AppError 的类型
func TypeOf(err error) ErrorType {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type
	}
	return ""
}

// Is 检查错误链中是否包含指定类型的 AppError
func Is(err error, errType ErrorType) bool {
	var appError *AppError
	for err != nil {
		if errors.As(err, &appError) {
			if appError.Type == errType {
				return true
			}
			err = appError.Err
			continue
		}
		return false
	}
	return false
}

// IsValidationError 检查是否为验证错误
func IsValidationError(err error) bool {
	return Is(err, ErrorTypeValidation)
}

// IsNotFoundError 检查是否为未找到错误
func IsNotFoundError(err error) bool {
	return Is(err, ErrorTypeNotFound)
}

// IsConflictError 检查是否为冲突错误
func IsConflictError(err error) bool {
	return Is(err, ErrorTypeConflict)
}

// IsCodecError 检查是否为 PNG 编解码错误
func IsCodecError(err error) bool {
	switch TypeOf(err) {
	case ErrorTypeInvalidFormat, ErrorTypeTruncated, ErrorTypeUnsupportedCompression,
		ErrorTypeMetadataNotFound, ErrorTypeParse:
		return true
	}
	return false
}

// StatusCodeOf 返回错误链中的上游 HTTP 状态码，没有则为 0
func StatusCodeOf(err error) int {
	var appError *AppError
	for err != nil {
		if !errors.As(err, &appError) {
			return 0
		}
		if appError.StatusCode > 0 {
			return appError.StatusCode
		}
		err = appError.Err
	}
	return 0
}

// Retryable 判断 LLM 调用错误是否值得重试
// 400/401/403/404 与取消永不重试；429、408 与 5xx 可以重试
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || Is(err, ErrorTypeCancelled) {
		return false
	}
	if code := StatusCodeOf(err); code > 0 {
		switch {
		case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
			return true
		case code >= http.StatusInternalServerError:
			return true
		default:
			return false
		}
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// HTTPStatus 将错误类型映射为本服务返回的 HTTP 状态码
func HTTPStatus(err error) int {
	switch TypeOf(err) {
	case ErrorTypeValidation, ErrorTypeInvalidFormat, ErrorTypeTruncated,
		ErrorTypeUnsupportedCompression, ErrorTypeMetadataNotFound, ErrorTypeParse:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeAPI, ErrorTypeTranslationFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// CodeOf 返回错误链中第一个 AppError 的错误代码
func CodeOf(err error) string {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Code
	}
	return "INTERNAL_ERROR"
}

// generateErrorCode 根据错误类型生成错误代码
func generateErrorCode(errType ErrorType) string {
	switch errType {
	case ErrorTypeValidation:
		return "VALIDATION_ERROR"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeError:
		return "PROCESSING_ERROR"
	case ErrorTypeConflict:
		return "CONFLICT"
	case ErrorTypeTimeout:
		return "TIMEOUT"
	case ErrorTypeInvalidFormat:
		return "INVALID_FORMAT"
	case ErrorTypeTruncated:
		return "TRUNCATED"
	case ErrorTypeUnsupportedCompression:
		return "UNSUPPORTED_COMPRESSION"
	case ErrorTypeMetadataNotFound:
		return "METADATA_NOT_FOUND"
	case ErrorTypeParse:
		return "PARSE_ERROR"
	case ErrorTypeAPI:
		return "API_ERROR"
	case ErrorTypeTranslationFailed:
		return "TRANSLATION_FAILED"
	case ErrorTypeChannelLost:
		return "CHANNEL_LOST"
	case ErrorTypeCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN_ERROR"
	}
}

// WrapError 包装现有错误
func WrapError(err error, message string, errType ErrorType) error {
	if err == nil {
		return nil
	}

	var appError *AppError
	if errors.As(err, &appError) {
		// 如果已经是 AppError，保留类型和状态码，只更新消息
		return &AppError{
			Type:       appError.Type,
			Message:    fmt.Sprintf("%s: %s", message, appError.Message),
			Err:        appError,
			Code:       appError.Code,
			Field:      appError.Field,
		}
	}

	return NewAppError(errType, message, err)
}
