package engine

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Тип для ключа в контексте (избегаем коллизий)
type ctxKey string

const requestIDKey ctxKey = "request_id"

// RequestIDHeader — сквозной идентификатор запроса.
const RequestIDHeader = "X-Request-ID"

// TracingMiddleware кладёт Request-ID в контекст конвейера и в ответ.
// Ставится после chi middleware.RequestID.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 1. ID, выданный chi (он же берёт X-Request-ID из входящего заголовка)
		requestID := middleware.GetReqID(r.Context())

		// 2. Если его нет: генерируем новый
		if requestID == "" {
			requestID = uuid.New().String()
		}

		// 3. Кладем в контекст
		ctx := ContextWithRequestID(r.Context(), requestID)

		// 4. Добавляем в ответ, чтобы клиент тоже знал ID своего запроса
		w.Header().Set(RequestIDHeader, requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ContextWithRequestID — для вызовов конвейера вне HTTP (тесты, фоновые задачи).
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFrom безопасно достаёт ID в любом месте кода.
func RequestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// RequestLogger пишет по строке на запрос: метод, путь, статус, длительность.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	log := logger.Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", RequestIDFrom(r.Context())))
		})
	}
}
