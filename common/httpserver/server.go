// common/httpserver/server.go

// Package httpserver: служебный HTTP сервиса (метрики, liveness, readiness)
// плюс маршруты, которые добавляет сам сервис.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/retry-pattern/common/logger"
	promx "github.com/YaganovValera/retry-pattern/common/prometheus"
)

// ReadyChecker returns nil if the service is ready to serve.
type ReadyChecker func() error

// HTTPServer defines Start(context) error.
type HTTPServer interface {
	Start(ctx context.Context) error
}

// Config: адрес, таймауты и пути. Нулевые значения заменяются дефолтами.
type Config struct {
	Addr            string // ":8080"
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MetricsPath     string
	HealthzPath     string
	ReadyzPath      string

	// Routes: обработчики сервиса (path → handler), не пересекаются со служебными.
	Routes map[string]http.Handler
}

func or[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

func (c Config) withDefaults() Config {
	c.ReadTimeout = or(c.ReadTimeout, 10*time.Second)
	c.WriteTimeout = or(c.WriteTimeout, 15*time.Second)
	c.IdleTimeout = or(c.IdleTimeout, 60*time.Second)
	c.ShutdownTimeout = or(c.ShutdownTimeout, 5*time.Second)
	c.MetricsPath = or(c.MetricsPath, "/metrics")
	c.HealthzPath = or(c.HealthzPath, "/healthz")
	c.ReadyzPath = or(c.ReadyzPath, "/readyz")
	return c
}

// routes собирает служебные маршруты и маршруты сервиса в одну таблицу.
func (c Config) routes(check ReadyChecker) (map[string]http.Handler, error) {
	if c.Addr == "" {
		return nil, errors.New("httpserver: Addr is required")
	}
	table := map[string]http.Handler{
		c.MetricsPath: promx.Handler(),
		c.HealthzPath: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("OK"))
		}),
		c.ReadyzPath: readiness(check),
	}
	if len(table) != 3 {
		return nil, errors.New("httpserver: metrics, healthz and readyz paths must differ")
	}
	for path, h := range c.Routes {
		if !strings.HasPrefix(path, "/") {
			return nil, fmt.Errorf("httpserver: route %q must start with /", path)
		}
		if _, dup := table[path]; dup {
			return nil, fmt.Errorf("httpserver: route %q shadows a built-in endpoint", path)
		}
		table[path] = h
	}
	return table, nil
}

func readiness(check ReadyChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if check != nil {
			if err := check(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = fmt.Fprintf(w, "NOT READY: %v", err)
				return
			}
		}
		_, _ = w.Write([]byte("READY"))
	}
}

// handler: таблица маршрутов под общей цепочкой middleware.
func handler(table map[string]http.Handler, log *logger.Logger) http.Handler {
	mux := http.NewServeMux()
	for path, h := range table {
		mux.Handle(path, h)
	}
	return chain(log)(mux)
}

type server struct {
	srv   *http.Server
	grace time.Duration
	log   *logger.Logger
}

// New проверяет cfg и собирает сервер; слушать порт начинает Start.
func New(cfg Config, check ReadyChecker, log *logger.Logger) (HTTPServer, error) {
	cfg = cfg.withDefaults()
	table, err := cfg.routes(check)
	if err != nil {
		return nil, err
	}
	log = log.Named("http-server")
	return &server{
		srv: &http.Server{
			Addr:         cfg.Addr,
			Handler:      handler(table, log),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		grace: cfg.ShutdownTimeout,
		log:   log,
	}, nil
}

// Start слушает до отмены ctx, затем останавливает сервер не дольше ShutdownTimeout.
// Возвращает ctx.Err() при штатной остановке и ошибку listen иначе.
func (s *server) Start(ctx context.Context) error {
	served := make(chan error, 1)
	go func() {
		s.log.Info("http: listening", zap.String("addr", s.srv.Addr))
		err := s.srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		served <- err
	}()

	var result error
	select {
	case err := <-served:
		if err != nil {
			return fmt.Errorf("httpserver: listen: %w", err)
		}
		return nil
	case <-ctx.Done():
		result = ctx.Err()
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.grace)
	defer cancel()
	if err := s.srv.Shutdown(stopCtx); err != nil {
		s.log.Error("http: graceful shutdown failed", zap.Error(err))
		return err
	}
	<-served
	s.log.Info("http: stopped")
	return result
}
