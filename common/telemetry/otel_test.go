package telemetry

import (
	"context"
	"strings"
	"testing"

	"github.com/YaganovValera/retry-pattern/common/logger"
)

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name       string
		cfg        Config
		expectsErr bool
	}{
		{"missing endpoint", Config{ServiceName: "svc", ServiceVersion: "v1"}, true},
		{"missing serviceName", Config{Endpoint: "host:4317", ServiceVersion: "v1"}, true},
		{"missing version", Config{Endpoint: "host:4317", ServiceName: "svc"}, true},
		{"bad ratio", Config{Endpoint: "host:4317", ServiceName: "svc", ServiceVersion: "v1", SamplerRatio: 1.5}, true},
		{"all set", Config{Endpoint: "host:4317", ServiceName: "svc", ServiceVersion: "v1", SamplerRatio: 0.5}, false},
	}
	for _, tc := range tests {
		err := tc.cfg.validate()
		if tc.expectsErr != (err != nil) {
			t.Errorf("%s: err=%v, expectsErr=%v", tc.name, err, tc.expectsErr)
		}
	}
}

func TestSampler(t *testing.T) {
	cases := map[float64]string{
		1:   "AlwaysOnSampler",
		0:   "AlwaysOffSampler",
		0.3: "TraceIDRatioBased",
	}
	for ratio, want := range cases {
		if got := sampler(ratio).Description(); !strings.Contains(got, want) {
			t.Errorf("ratio %v: %q", ratio, got)
		}
	}
}

func TestInitTracerDisabled(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), Config{}, logger.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestInitTracerInvalid(t *testing.T) {
	if _, err := InitTracer(context.Background(), Config{Enabled: true}, logger.NewNop()); err == nil {
		t.Fatal("expected validation error")
	}
}
