package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	promx "github.com/YaganovValera/retry-pattern/common/prometheus"
)

var serviceLabel = "unknown"

// SetServiceLabel вызывается из common.InitServiceName до старта HTTP-сервера.
func SetServiceLabel(name string) { serviceLabel = name }

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "http",
			Name:      "requests_total",
			Help:      "Служебные HTTP-запросы (metrics, health, stats)",
		},
		[]string{"service", "path", "method", "code"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "http",
			Name:      "request_duration_seconds",
			Help:      "Длительность обработки HTTP-запроса",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"service", "path"},
	)
)

// Metrics считает запросы и их длительность. Коллекторы попадают в
// DefaultRegisterer при первом вызове.
func Metrics() func(http.Handler) http.Handler {
	registerOnce.Do(func() {
		if err := promx.RegisterAll(nil, httpRequests, httpDuration); err != nil {
			panic(err)
		}
	})
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(sw, r)

			httpRequests.WithLabelValues(serviceLabel, r.URL.Path, r.Method, strconv.Itoa(sw.code)).Inc()
			httpDuration.WithLabelValues(serviceLabel, r.URL.Path).Observe(time.Since(start).Seconds())
		})
	}
}

// statusWriter запоминает код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
