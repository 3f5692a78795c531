package connectors

import (
	"errors"
	"fmt"
	"time"
)

// ThrottleError: удаленная сторона просит подождать. RetryAfter учитывается ретраем.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// RemoteToolError: расширение ответило, но инструмент завершился ошибкой.
// Это не сбой канала: предохранитель на нее не реагирует, ретрая нет.
type RemoteToolError struct {
	Extension string
	Tool      string
	Token     string // error из конверта: handler_error, invalid_arguments, ...
	Tag       string // kind из конверта
	Message   string
}

func (e *RemoteToolError) Error() string {
	msg := fmt.Sprintf("remote %s/%s: %s", e.Extension, e.Tool, e.Token)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Kind отдается агенту как тег ошибки обработчика.
func (e *RemoteToolError) Kind() string {
	if e.Tag != "" {
		return e.Tag
	}
	return e.Token
}

// ErrExtensionUnavailable: предохранитель разомкнут или лимитер не дождался.
var ErrExtensionUnavailable = errors.New("extension unavailable")

// UnavailableError сохраняет причину недоступности.
type UnavailableError struct {
	Extension string
	Cause     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("extension %s unavailable: %v", e.Extension, e.Cause)
}

func (e *UnavailableError) Unwrap() []error { return []error{ErrExtensionUnavailable, e.Cause} }

func (e *UnavailableError) Kind() string { return "ExtensionUnavailable" }
