package configloader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type sample struct {
	Name    string        `mapstructure:"name"`
	Retries int           `mapstructure:"retries"`
	Ratio   float64       `mapstructure:"ratio"`
	Enabled bool          `mapstructure:"enabled"`
	Backoff time.Duration `mapstructure:"backoff"`
	Brokers []string      `mapstructure:"brokers"`
	Redis   struct {
		Password string `mapstructure:"password"`
	} `mapstructure:"redis"`
}

func TestLoadLayers(t *testing.T) {
	RegisterDefaults("name", "svc")
	RegisterDefaults("retries", 3)
	RegisterDefaults("ratio", 0.5)
	RegisterDefaults("enabled", false)
	RegisterDefaults("backoff", "1s")
	RegisterDefaults("brokers", []string{"127.0.0.1:9092"})
	RegisterDefaults("redis.password", "")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("name: from-file\nbackoff: 250ms\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CLTEST_RETRIES", "7")
	t.Setenv("CLTEST_ENABLED", "true")
	t.Setenv("CLTEST_RATIO", "0.25")
	t.Setenv("CLTEST_BROKERS", "a:1,b:2")
	t.Setenv("CLTEST_REDIS_PASSWORD", "secret")

	var cfg sample
	if err := Load(path, "CLTEST", &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "from-file" || cfg.Backoff != 250*time.Millisecond {
		t.Fatalf("file layer: %+v", cfg)
	}
	if cfg.Retries != 7 || !cfg.Enabled || cfg.Ratio != 0.25 || len(cfg.Brokers) != 2 {
		t.Fatalf("env layer: %+v", cfg)
	}

	out := Render(cfg)
	if strings.Contains(out, "secret") || !strings.Contains(out, "******") {
		t.Fatalf("password must be masked:\n%s", out)
	}
}

func TestLoadMissingFile(t *testing.T) {
	var cfg sample
	if err := Load("/nonexistent/config.yaml", "CLTEST", &cfg); err == nil {
		t.Fatal("expected read error")
	}
}

func TestLoadPathFromEnv(t *testing.T) {
	RegisterDefaults("name", "svc")
	dir := t.TempDir()
	path := filepath.Join(dir, "env.yaml")
	if err := os.WriteFile(path, []byte("name: via-env-path\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CLPATH_CONFIG", path)

	var cfg sample
	if err := Load("", "CLPATH", &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "via-env-path" {
		t.Fatalf("name %q", cfg.Name)
	}
}

type validated struct {
	Retries int `mapstructure:"retries"`
}

func (v *validated) Validate() error {
	if v.Retries > 5 {
		return fmt.Errorf("retries too high: %d", v.Retries)
	}
	return nil
}

func TestLoadRunsValidate(t *testing.T) {
	RegisterDefaults("retries", 3)
	t.Setenv("CLVAL_RETRIES", "9")

	var cfg validated
	if err := Load("", "CLVAL", &cfg); err == nil {
		t.Fatal("expected validation error")
	}
}
