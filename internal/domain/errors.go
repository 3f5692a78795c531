package domain

import (
	"errors"
	"fmt"
)

// Code: стабильный машинный токен ошибки, который видит агент.
type Code string

const (
	CodeValidation       Code = "invalid_arguments"
	CodeNotFound         Code = "tool_not_found"
	CodePermissionDenied Code = "permission_denied"
	CodeRateLimited      Code = "rate_limited"
	CodeQuotaExceeded    Code = "quota_exceeded"
	CodeTimeout          Code = "timeout"
	CodeHandler          Code = "handler_error"
	CodeInvalidJSON      Code = "invalid_json"
	CodeUnknownMethod    Code = "unknown_method"
	CodeMissingTool      Code = "missing_tool_name"
	CodeInternal         Code = "internal_error"
	CodeAgentBlocked     Code = "agent_blocked"
)

// Базовые категории для errors.Is.
var (
	ErrValidation       = errors.New("validation error")
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrRateLimited      = errors.New("rate limited")
	ErrTimeout          = errors.New("timeout")
	ErrHandler          = errors.New("handler error")
	ErrProtocol         = errors.New("protocol error")
)

// Error: типизированная ошибка шлюза: категория, токен и детали.
type Error struct {
	Kind    error
	Code    Code
	Subject string // Имя capability, агента или метода
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Subject != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Subject)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Is позволяет сравнивать с базовыми категориями.
func (e *Error) Is(target error) bool { return e.Kind == target }

func (e *Error) Unwrap() error { return e.Err }

func ValidationError(subject, msg string, err error) *Error {
	return &Error{Kind: ErrValidation, Code: CodeValidation, Subject: subject, Msg: msg, Err: err}
}

func NotFoundError(subject string) *Error {
	return &Error{Kind: ErrNotFound, Code: CodeNotFound, Subject: subject}
}

// PermissionDenied: отказ по scope или одобрению; reason уходит агенту как есть.
func PermissionDenied(subject, reason string) *Error {
	return &Error{Kind: ErrPermissionDenied, Code: CodePermissionDenied, Subject: subject, Msg: reason}
}

func AgentBlocked(agentID string) *Error {
	return &Error{Kind: ErrPermissionDenied, Code: CodeAgentBlocked, Subject: agentID, Msg: string(CodeAgentBlocked)}
}

// RateLimited: отказ окна вызовов (capability или агента).
func RateLimited(subject, reason string) *Error {
	return &Error{Kind: ErrRateLimited, Code: CodeRateLimited, Subject: subject, Msg: reason}
}

// QuotaExceeded: исчерпан CPU или storage бюджет агента.
func QuotaExceeded(subject, reason string) *Error {
	return &Error{Kind: ErrRateLimited, Code: CodeQuotaExceeded, Subject: subject, Msg: reason}
}

func TimeoutError(subject string) *Error {
	return &Error{Kind: ErrTimeout, Code: CodeTimeout, Subject: subject}
}

func HandlerError(subject string, err error) *Error {
	return &Error{Kind: ErrHandler, Code: CodeHandler, Subject: subject, Err: err}
}

func ProtocolError(code Code, msg string) *Error {
	return &Error{Kind: ErrProtocol, Code: code, Msg: msg}
}

// Kinded: ошибки обработчиков могут сами сообщить свой тег.
type Kinded interface {
	Kind() string
}

// KindOf возвращает стабильный тег ошибки обработчика без стектрейса.
func KindOf(err error) string {
	var k Kinded
	if errors.As(err, &k) && k.Kind() != "" {
		return k.Kind()
	}
	var de *Error
	if errors.As(err, &de) && de.Code != "" {
		return string(de.Code)
	}
	return "HandlerError"
}
