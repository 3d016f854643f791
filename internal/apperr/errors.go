// Package apperr 定义请求全链路的结构化错误分类
// 每个错误归属一个类别和机器可读错误码，由 Handler 统一映射为 HTTP 响应
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
)

// Category 错误类别
type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategoryValidation     Category = "validation"
	CategoryResource       Category = "resource"
	CategoryTool           Category = "tool_execution"
	CategoryPersistence    Category = "persistence"
	CategoryRateLimit      Category = "rate_limit"
	CategoryInternal       Category = "internal"
)

// Code 机器可读错误码
type Code string

const (
	CodeMissingToken         Code = "MISSING_TOKEN"
	CodeInvalidToken         Code = "INVALID_TOKEN"
	CodeExpiredToken         Code = "EXPIRED_TOKEN"
	CodeInvalidSignature     Code = "INVALID_SIGNATURE"
	CodeUserMismatch         Code = "USER_MISMATCH"
	CodeCrossUserAccess      Code = "CROSS_USER_ACCESS"
	CodeConversationNotOwned Code = "CONVERSATION_NOT_OWNED"
	CodeInvalidMessage       Code = "INVALID_MESSAGE"
	CodeMessageTooLong       Code = "MESSAGE_TOO_LONG"
	CodeInvalidParameters    Code = "INVALID_PARAMETERS"
	CodeConversationNotFound Code = "CONVERSATION_NOT_FOUND"
	CodeToolTimeout          Code = "TOOL_TIMEOUT"
	CodeToolError            Code = "TOOL_ERROR"
	CodeConnectionFailed     Code = "CONNECTION_FAILED"
	CodeTransactionFailed    Code = "TRANSACTION_FAILED"
	CodeTooManyRequests      Code = "TOO_MANY_REQUESTS"
	CodeUpstreamFailed       Code = "UPSTREAM_FAILED"
	CodeInternal             Code = "INTERNAL_ERROR"
)

// Error 结构化错误
// Message 仅用于日志和内部诊断，对外文案见 PublicMessage
type Error struct {
	Category Category
	Code     Code
	Message  string
	Fields   map[string]string
	cause    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Fields) > 0 {
		b.WriteString(" (")
		b.WriteString(joinFields(e.Fields))
		b.WriteString(")")
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is 按错误码匹配，支持 errors.Is(err, &apperr.Error{Code: ...})
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithField 附加字段级校验详情
func (e *Error) WithField(name, detail string) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[name] = detail
	return e
}

// New 构造结构化错误
func New(category Category, code Code, message string) *Error {
	return &Error{Category: category, Code: code, Message: message}
}

// Newf 构造带格式化消息的结构化错误
func Newf(category Category, code Code, format string, args ...any) *Error {
	return &Error{Category: category, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap 包装底层错误并归类
func Wrap(category Category, code Code, message string, cause error) *Error {
	return &Error{Category: category, Code: code, Message: message, cause: cause}
}

// CodeOf 提取错误码，未归类时返回 CodeInternal
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// CategoryOf 提取错误类别，未归类时返回 CategoryInternal
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryInternal
}

// IsCode 判断错误是否携带指定错误码
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Retryable 判断错误是否值得有限次重试
// 只有瞬态故障（超时、连接中断）可重试，鉴权与校验类错误永不重试
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		switch e.Code {
		case CodeToolTimeout, CodeConnectionFailed:
			return true
		default:
			return false
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return false
}

// HTTPStatus 映射错误类别到 HTTP 状态码
func HTTPStatus(err error) int {
	switch CategoryOf(err) {
	case CategoryAuthentication:
		return http.StatusUnauthorized
	case CategoryAuthorization:
		return http.StatusForbidden
	case CategoryValidation:
		return http.StatusBadRequest
	case CategoryResource:
		return http.StatusNotFound
	case CategoryRateLimit:
		return http.StatusTooManyRequests
	case CategoryTool:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage 返回可直接暴露给调用方的安全文案
// 校验类错误保留字段详情，其余类别使用固定文案避免泄露内部信息
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	if e.Category == CategoryValidation {
		msg := e.Message
		if msg == "" {
			msg = "invalid request"
		}
		if len(e.Fields) > 0 {
			msg += " (" + joinFields(e.Fields) + ")"
		}
		return msg
	}
	if text, ok := publicTexts[e.Code]; ok {
		return text
	}
	return "internal error"
}

var publicTexts = map[Code]string{
	CodeMissingToken:         "missing bearer token",
	CodeInvalidToken:         "invalid token",
	CodeExpiredToken:         "token expired",
	CodeInvalidSignature:     "invalid token signature",
	CodeUserMismatch:         "authenticated user does not match requested resource",
	CodeCrossUserAccess:      "access to another user's data is not allowed",
	CodeConversationNotOwned: "conversation does not belong to the authenticated user",
	CodeConversationNotFound: "conversation not found",
	CodeToolTimeout:          "a tool call timed out, please try again",
	CodeToolError:            "a tool call failed, please try again",
	CodeConnectionFailed:     "temporary storage failure, please try again",
	CodeTransactionFailed:    "temporary storage failure, please try again",
	CodeTooManyRequests:      "too many requests",
	CodeUpstreamFailed:       "upstream service unavailable, please try again",
	CodeInternal:             "internal error",
}

func joinFields(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+fields[k])
	}
	return strings.Join(parts, "; ")
}
