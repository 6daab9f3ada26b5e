package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/YaganovValera/retry-pattern/common/logger"
)

// HeaderRequestID — заголовок корреляции запросов.
const HeaderRequestID = "X-Request-ID"

// RequestID кладёт request-ID (из заголовка или новый UUID) в контекст запроса,
// откуда его подхватывает logger.WithContext.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get(HeaderRequestID)
			if reqID == "" {
				reqID = uuid.NewString()
			}
			w.Header().Set(HeaderRequestID, reqID)
			next.ServeHTTP(w, r.WithContext(logger.ContextWithRequestID(r.Context(), reqID)))
		})
	}
}
