// common/redis/config.go
package redis

import (
	"fmt"

	"github.com/YaganovValera/retry-pattern/common/backoff"
)

// Config — параметры подключения к Redis.
type Config struct {
	Addr     string         `mapstructure:"addr"`
	Password string         `mapstructure:"password"`
	DB       int            `mapstructure:"db"`
	Backoff  backoff.Config `mapstructure:"backoff"`
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:6379"
	}
}

func (c Config) validate() error {
	if c.DB < 0 {
		return fmt.Errorf("redis: db must be >= 0, got %d", c.DB)
	}
	return nil
}
