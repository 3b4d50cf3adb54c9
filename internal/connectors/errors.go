package connectors

import (
	"fmt"
	"net/http"
)

// TransportError — модуль недоступен: обрыв соединения, таймаут, открытый breaker.
// Возвращается только после исчерпания всех попыток.
type TransportError struct {
	Module   string
	URL      string
	Attempts int
	Cause    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("module %s unreachable at %s after %d attempt(s): %v", e.Module, e.URL, e.Attempts, e.Cause)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// ModuleError — модуль ответил, но статусом 4xx/5xx. Не ретраится:
// отказ модуля не обязательно временный.
type ModuleError struct {
	Module     string
	StatusCode int
	// Body — JSON тела ошибки, если модуль ответил JSON
	Body map[string]any
	// Text — усечённый текст тела, если ответ не JSON
	Text string
}

func (e *ModuleError) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("module %s returned HTTP %d: %s", e.Module, e.StatusCode, e.Text)
	}
	return fmt.Sprintf("module %s returned HTTP %d", e.Module, e.StatusCode)
}

// Status — статус для проксирования клиенту; мусорные коды превращаются в 502.
func (e *ModuleError) Status() int {
	if e.StatusCode < 400 || e.StatusCode > 599 {
		return http.StatusBadGateway
	}
	return e.StatusCode
}
