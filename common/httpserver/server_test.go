package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/YaganovValera/retry-pattern/common/logger"
)

func TestEndpoints(t *testing.T) {
	ready := errors.New("broker unreachable")
	cfg := Config{
		Addr: ":0",
		Routes: map[string]http.Handler{
			"/stats": http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("{}")) }),
			"/panic": http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }),
		},
	}.withDefaults()
	table, err := cfg.routes(func() error { return ready })
	if err != nil {
		t.Fatal(err)
	}
	h := handler(table, logger.NewNop())

	cases := []struct {
		path string
		code int
		body string
	}{
		{"/healthz", http.StatusOK, "OK"},
		{"/readyz", http.StatusServiceUnavailable, "broker unreachable"},
		{"/stats", http.StatusOK, "{}"},
		{"/panic", http.StatusInternalServerError, "internal server error"},
		{"/metrics", http.StatusOK, "http_requests_total"},
	}
	for _, c := range cases {
		t.Run(c.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, c.path, nil))
			if rec.Code != c.code || !strings.Contains(rec.Body.String(), c.body) {
				t.Fatalf("%s: %d %q", c.path, rec.Code, rec.Body.String())
			}
			if rec.Header().Get("X-Request-ID") == "" {
				t.Fatal("request id header missing")
			}
		})
	}

	ready = nil
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz after recovery: %d", rec.Code)
	}
}

func TestRoutesValidation(t *testing.T) {
	noop := http.NotFoundHandler()
	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing addr", Config{}},
		{"shadows metrics", Config{Addr: ":8080", Routes: map[string]http.Handler{"/metrics": noop}}},
		{"relative path", Config{Addr: ":8080", Routes: map[string]http.Handler{"stats": noop}}},
		{"builtin collision", Config{Addr: ":8080", HealthzPath: "/readyz"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := c.cfg.withDefaults().routes(nil); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	srv, err := New(Config{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second}, nil, logger.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Start returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
