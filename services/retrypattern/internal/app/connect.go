// services/retrypattern/internal/app/connect.go
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/YaganovValera/retry-pattern/common/kafka"
	consumer "github.com/YaganovValera/retry-pattern/common/kafka/consumer"
	"github.com/YaganovValera/retry-pattern/common/kafka/memory"
	producer "github.com/YaganovValera/retry-pattern/common/kafka/producer"
	"github.com/YaganovValera/retry-pattern/common/logger"
	"github.com/YaganovValera/retry-pattern/services/retrypattern/internal/config"
)

// connector открывает соединения выбранного драйвера.
type connector interface {
	ProducerConn(ctx context.Context) (kafka.ProducerConn, error)
	ConsumerConn(ctx context.Context) (kafka.ConsumerConn, error)
}

func newConnector(cfg *config.Config, broker *memory.Broker, log *logger.Logger) (connector, error) {
	switch cfg.Driver {
	case "memory":
		if broker == nil {
			broker = memory.NewBroker(cfg.Kafka.Brokers[0])
			broker.CreateTopic(cfg.Kafka.Topic, cfg.Kafka.Partitions)
			log.Info("memory broker started",
				zap.String("addr", broker.Addr()),
				zap.String("topic", cfg.Kafka.Topic),
				zap.Int("partitions", cfg.Kafka.Partitions),
			)
		}
		return &memoryConnector{broker: broker, addr: broker.Addr(), cfg: cfg.Kafka}, nil
	case "sarama":
		// внутренние сообщения sarama идут в zap
		sarama.Logger = kafka.SaramaLogger(log)
		kc := cfg.Kafka
		if kc.ClientID == "" {
			if host, err := os.Hostname(); err == nil {
				kc.ClientID = host
			}
		}
		return &saramaConnector{cfg: kc, log: log}, nil
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}

// -----------------------------------------------------------------------------
// sarama
// -----------------------------------------------------------------------------

type saramaConnector struct {
	cfg config.KafkaConfig
	log *logger.Logger
}

func (c *saramaConnector) ProducerConn(ctx context.Context) (kafka.ProducerConn, error) {
	p, err := producer.New(ctx, producer.Config{
		Brokers:      c.cfg.Brokers,
		ClientID:     c.cfg.ClientID,
		Version:      c.cfg.Version,
		RequiredAcks: c.cfg.Acks,
		Idempotent:   c.cfg.Idempotent,
		Timeout:      c.cfg.DeliveryTimeout,
		Compression:  c.cfg.Compression,
		// идемпотентный режим: повторяет sarama с тем же sequence,
		// иначе повторы делает publisher
		InternalRetries:      c.internalRetries(),
		InternalRetryBackoff: c.cfg.RetryBackoff,
		Backoff:              c.cfg.Backoff,
	}, c.log)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (c *saramaConnector) internalRetries() int {
	if c.cfg.Idempotent {
		return c.cfg.MaxRetries
	}
	return 0
}

func (c *saramaConnector) ConsumerConn(ctx context.Context) (kafka.ConsumerConn, error) {
	cons, err := consumer.New(ctx, consumer.Config{
		Brokers:         c.cfg.Brokers,
		GroupID:         c.cfg.GroupID,
		Version:         c.cfg.Version,
		ClientID:        c.cfg.ClientID,
		MaxPollInterval: c.cfg.MaxPollInterval,
		InitialOffset:   c.cfg.InitialOffset,
		Backoff:         c.cfg.Backoff,
	}, c.log)
	if err != nil {
		return nil, err
	}
	return cons, nil
}

// -----------------------------------------------------------------------------
// memory
// -----------------------------------------------------------------------------

type memoryConnector struct {
	broker *memory.Broker
	addr   string
	cfg    config.KafkaConfig
}

func (c *memoryConnector) ProducerConn(ctx context.Context) (kafka.ProducerConn, error) {
	conn, err := c.broker.NewProducerConn(ctx, c.addr, 0)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *memoryConnector) ConsumerConn(ctx context.Context) (kafka.ConsumerConn, error) {
	conn, err := c.broker.NewConsumerConn(ctx, c.addr, memory.ConsumerOptions{
		GroupID:         c.cfg.GroupID,
		MaxPollInterval: c.cfg.MaxPollInterval,
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}
