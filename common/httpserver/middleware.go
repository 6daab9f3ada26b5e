package httpserver

import (
	"net/http"
	"runtime/debug"

	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/YaganovValera/retry-pattern/common/logger"
	"github.com/YaganovValera/retry-pattern/common/middleware"
)

// Middleware: обёртка над http.Handler.
type Middleware = func(http.Handler) http.Handler

// recoverMiddleware перехватывает паники и возвращает 500.
func recoverMiddleware(log *logger.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rcv := recover(); rcv != nil {
					log.WithContext(r.Context()).Error("http: handler panic",
						zap.Any("panic", rcv),
						zap.String("path", r.URL.Path),
						zap.ByteString("stack", debug.Stack()),
					)
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// chain: стандартная цепочка сервиса: request-id, метрики, recover, permissive CORS.
// Первый элемент: внешний.
func chain(log *logger.Logger) Middleware {
	mws := []Middleware{
		middleware.RequestID(),
		middleware.Metrics(),
		recoverMiddleware(log),
		cors.AllowAll().Handler,
	}
	return func(h http.Handler) http.Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			h = mws[i](h)
		}
		return h
	}
}
