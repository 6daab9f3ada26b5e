// common/kafka/consumer/config.go
package consumer

import (
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/YaganovValera/retry-pattern/common/backoff"
	"github.com/YaganovValera/retry-pattern/common/kafka"
)

// Config содержит параметры участника consumer group.
//
// Brokers: адреса брокеров.
// GroupID: идентификатор consumer group (offsets хранятся на брокере).
// Version: строка версии Kafka (например, "2.8.0").
// MaxPollInterval: максимальный промежуток между Poll, после которого сессия считается истёкшей.
// InitialOffset: где начинать без коммитов: "earliest" (дефолт) | "latest".
// Backoff: стратегия ретраев при подключении.
type Config struct {
	Brokers         []string
	GroupID         string
	Version         string
	ClientID        string
	MaxPollInterval time.Duration
	InitialOffset   string
	Backoff         backoff.Config
}

func (c *Config) applyDefaults() {
	if c.Version == "" {
		c.Version = "2.8.0"
	}
	if c.GroupID == "" {
		c.GroupID = "default"
	}
	if c.MaxPollInterval <= 0 {
		c.MaxPollInterval = 300 * time.Second
	}
	if c.InitialOffset == "" {
		c.InitialOffset = "earliest"
	}
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return &kafka.ConfigError{Field: "brokers", Reason: "required"}
	}
	if c.GroupID == "" {
		return &kafka.ConfigError{Field: "group_id", Reason: "required"}
	}
	if _, err := sarama.ParseKafkaVersion(c.Version); err != nil {
		return &kafka.ConfigError{Field: "version", Reason: err.Error()}
	}
	switch strings.ToLower(c.InitialOffset) {
	case "earliest", "latest":
	default:
		return &kafka.ConfigError{Field: "initial_offset", Reason: "must be earliest or latest"}
	}
	return nil
}

func buildSaramaConfig(c Config) *sarama.Config {
	sc := sarama.NewConfig()
	sc.Version, _ = sarama.ParseKafkaVersion(c.Version)
	if c.ClientID != "" {
		sc.ClientID = c.ClientID
	}
	sc.Consumer.Return.Errors = true
	sc.Consumer.MaxProcessingTime = c.MaxPollInterval
	// коммит только явный, после обработки
	sc.Consumer.Offsets.AutoCommit.Enable = false
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	if strings.EqualFold(c.InitialOffset, "latest") {
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	return sc
}
