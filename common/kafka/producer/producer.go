// common/kafka/producer/producer.go
package producer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/dnwe/otelsarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/retry-pattern/common/backoff"
	"github.com/YaganovValera/retry-pattern/common/kafka"
	"github.com/YaganovValera/retry-pattern/common/logger"
)

// -----------------------------------------------------------------------------
// Service label (заполняется через common.InitServiceName)
// -----------------------------------------------------------------------------

var serviceLabel = "unknown"

// SetServiceLabel вызывается из common.InitServiceName(..) один раз при старте.
func SetServiceLabel(name string) { serviceLabel = name }

// -----------------------------------------------------------------------------
// Prometheus-метрики
// -----------------------------------------------------------------------------

var producerMetrics = struct {
	ConnectAttempts *prometheus.CounterVec
	ConnectErrors   *prometheus.CounterVec
	ProduceSuccess  *prometheus.CounterVec
	ProduceErrors   *prometheus.CounterVec
	ProduceLatency  *prometheus.HistogramVec
	PingErrors      *prometheus.CounterVec
}{
	ConnectAttempts: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_producer", Name: "connect_attempts_total",
			Help: "Kafka producer connect attempts",
		},
		[]string{"service"},
	),
	ConnectErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_producer", Name: "connect_errors_total",
			Help: "Kafka producer connect errors",
		},
		[]string{"service"},
	),
	ProduceSuccess: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_producer", Name: "produce_success_total",
			Help: "Acknowledged produce attempts",
		},
		[]string{"service"},
	),
	ProduceErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_producer", Name: "produce_errors_total",
			Help: "Failed produce attempts by class",
		},
		[]string{"service", "class"},
	),
	ProduceLatency: promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "common", Subsystem: "kafka_producer", Name: "produce_latency_seconds",
			Help:    "Single produce attempt latency (seconds)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	),
	PingErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_producer", Name: "ping_errors_total",
			Help: "Ping errors",
		},
		[]string{"service"},
	),
}

// -----------------------------------------------------------------------------
// Tracing
// -----------------------------------------------------------------------------

var tracer = otel.Tracer("kafka-producer")

// Заголовки, которыми каждая запись помечает свою идентичность.
const (
	HeaderProducerID = "rp-producer-id"
	HeaderEpoch      = "rp-producer-epoch"
	HeaderSequence   = "rp-sequence"
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config groups all tunables for a Kafka Sync-producer.
//
// Zero values are replaced with sane defaults by applyDefaults().
type Config struct {
	// Brokers: список адресов Kafka-брокеров.
	Brokers []string

	// ClientID попадает в логи брокера.
	ClientID string

	// Version: версия протокола Kafka (идемпотентность требует ≥ 0.11).
	Version string

	// RequiredAcks: "all" (дефолт) | "leader" | "none".
	RequiredAcks string

	// Idempotent включает идемпотентный режим sarama.
	Idempotent bool

	// Timeout: максимальное время ожидания ack от кластера.
	Timeout time.Duration

	// Compression: "none" (дефолт), "gzip", "snappy", "lz4", "zstd".
	Compression string

	// InternalRetries: ретраи внутри sarama. В идемпотентном режиме это
	// единственные ретраи отправки: sarama повторяет batch с тем же sequence.
	InternalRetries int

	// InternalRetryBackoff: пауза между ретраями sarama (0: дефолт sarama, 100ms).
	InternalRetryBackoff time.Duration

	// Backoff описывает стратегию ретраев подключения.
	Backoff backoff.Config
}

// applyDefaults заполняет zero-полям безопасные дефолты.
func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RequiredAcks == "" {
		c.RequiredAcks = "all"
	}
	if c.Compression == "" {
		c.Compression = "none"
	}
	if c.Version == "" {
		c.Version = "2.8.0"
	}
	if c.Idempotent && c.InternalRetries < 1 {
		c.InternalRetries = 1
	}
}

// validate выполняет быстрые sanity-checks.
func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return &kafka.ConfigError{Field: "brokers", Reason: "required"}
	}
	acks, err := kafka.ParseAcks(c.RequiredAcks)
	if err != nil {
		return err
	}
	if c.Idempotent && acks != kafka.AcksAll {
		return &kafka.ConfigError{Field: "acks", Reason: "idempotent producer requires acks=all"}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Private helpers
// -----------------------------------------------------------------------------

func buildSaramaConfig(c Config) (*sarama.Config, error) {
	sc := sarama.NewConfig()

	version, err := sarama.ParseKafkaVersion(c.Version)
	if err != nil {
		return nil, &kafka.ConfigError{Field: "version", Reason: err.Error()}
	}
	sc.Version = version
	if c.ClientID != "" {
		sc.ClientID = c.ClientID
	}

	acks, _ := kafka.ParseAcks(c.RequiredAcks)
	sc.Producer.RequiredAcks = kafka.SaramaAcks(acks)

	// Producer common settings
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Timeout = c.Timeout
	sc.Producer.Retry.Max = c.InternalRetries
	if c.InternalRetryBackoff > 0 {
		sc.Producer.Retry.Backoff = c.InternalRetryBackoff
	}
	// раздел выбирает publisher, sarama его не переопределяет
	sc.Producer.Partitioner = sarama.NewManualPartitioner

	if c.Idempotent {
		if !version.IsAtLeast(sarama.V0_11_0_0) {
			return nil, &kafka.ConfigError{Field: "version", Reason: "idempotent producer requires Kafka ≥ 0.11"}
		}
		sc.Producer.Idempotent = true
		sc.Net.MaxOpenRequests = 1
	}

	// Compression
	switch strings.ToLower(c.Compression) {
	case "none":
		sc.Producer.Compression = sarama.CompressionNone
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		return nil, &kafka.ConfigError{Field: "compression", Reason: fmt.Sprintf("unknown codec %q", c.Compression)}
	}

	return sc, nil
}

// buildMessage переводит попытку в sarama-сообщение (Int64 big-endian ключ, UTF-8 значение).
func buildMessage(req kafka.ProduceRequest) *sarama.ProducerMessage {
	msg := &sarama.ProducerMessage{
		Topic:     req.Topic,
		Key:       sarama.ByteEncoder(kafka.EncodeKey(req.Key)),
		Value:     sarama.StringEncoder(req.Value),
		Partition: req.Sequence.Partition,
	}
	if req.Sequence.ProducerID != "" {
		msg.Headers = []sarama.RecordHeader{
			{Key: []byte(HeaderProducerID), Value: []byte(req.Sequence.ProducerID)},
			{Key: []byte(HeaderEpoch), Value: []byte(strconv.Itoa(int(req.Sequence.Epoch)))},
			{Key: []byte(HeaderSequence), Value: []byte(strconv.Itoa(int(req.Sequence.Number)))},
		}
	}
	return msg
}

// SequenceFromHeaders восстанавливает идентичность записи из заголовков (ok=false, если их нет).
func SequenceFromHeaders(partition int32, headers []*sarama.RecordHeader) (kafka.Sequence, bool) {
	seq := kafka.Sequence{Partition: partition}
	found := 0
	for _, h := range headers {
		if h == nil {
			continue
		}
		switch string(h.Key) {
		case HeaderProducerID:
			seq.ProducerID = string(h.Value)
			found++
		case HeaderEpoch:
			if v, err := strconv.ParseInt(string(h.Value), 10, 16); err == nil {
				seq.Epoch = int16(v)
				found++
			}
		case HeaderSequence:
			if v, err := strconv.ParseInt(string(h.Value), 10, 32); err == nil {
				seq.Number = int32(v)
				found++
			}
		}
	}
	return seq, found == 3
}

func errorClass(err error) string {
	switch {
	case kafka.IsAmbiguous(err):
		return "ambiguous"
	case kafka.IsTransient(err):
		return "transient"
	default:
		return "fatal"
	}
}

// -----------------------------------------------------------------------------
// Producer implementation
// -----------------------------------------------------------------------------

// metadata: часть sarama.Client, нужная адаптеру.
type metadata interface {
	Partitions(topic string) ([]int32, error)
	RefreshMetadata(topics ...string) error
	Close() error
}

// Producer: kafka.ProducerConn поверх sarama.SyncProducer.
type Producer struct {
	prod   sarama.SyncProducer
	client metadata
	acks   kafka.Acks
	logger *logger.Logger

	// ретраи выполняет sarama (идемпотентный режим)
	internalRetries bool
}

var (
	_ kafka.ProducerConn    = (*Producer)(nil)
	_ kafka.InternalRetrier = (*Producer)(nil)
)

// New создает SyncProducer c ретраями подключения.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*Producer, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("kafka-producer")

	// Sarama config
	sc, err := buildSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}

	// Клиент и продьюсер с back-off-подключением
	var (
		client   sarama.Client
		syncProd sarama.SyncProducer
	)
	connect := func(ctx context.Context) error {
		producerMetrics.ConnectAttempts.WithLabelValues(serviceLabel).Inc()
		c, err := sarama.NewClient(cfg.Brokers, sc)
		if err != nil {
			producerMetrics.ConnectErrors.WithLabelValues(serviceLabel).Inc()
			return err
		}
		p, err := sarama.NewSyncProducerFromClient(c)
		if err != nil {
			producerMetrics.ConnectErrors.WithLabelValues(serviceLabel).Inc()
			_ = c.Close()
			return err
		}
		client, syncProd = c, p
		return nil
	}

	ctxConn, span := tracer.Start(ctx, "Connect",
		trace.WithAttributes(attribute.StringSlice("brokers", cfg.Brokers)))
	if err := backoff.Execute(ctxConn, cfg.Backoff, log, connect); err != nil {
		span.RecordError(err)
		span.End()
		log.Error("kafka producer connect failed", zap.Error(err))
		return nil, &kafka.ConnectError{Address: strings.Join(cfg.Brokers, ","), Err: err}
	}
	span.End()

	// Оборачиваем для OpenTelemetry
	wrapped := otelsarama.WrapSyncProducer(sc, syncProd)

	log.Info("kafka producer ready",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("acks", cfg.RequiredAcks),
		zap.Bool("idempotent", cfg.Idempotent),
	)
	acks, _ := kafka.ParseAcks(cfg.RequiredAcks)
	p := newProducer(wrapped, client, acks, log)
	p.internalRetries = cfg.Idempotent
	return p, nil
}

func newProducer(sp sarama.SyncProducer, client metadata, acks kafka.Acks, log *logger.Logger) *Producer {
	return &Producer{prod: sp, client: client, acks: acks, logger: log}
}

// RetriesInternally implements kafka.InternalRetrier.
func (k *Producer) RetriesInternally() bool { return k.internalRetries }

// Partitions implements kafka.ProducerConn.
func (k *Producer) Partitions(_ context.Context, topic string) ([]int32, error) {
	ids, err := k.client.Partitions(topic)
	if err != nil {
		return nil, kafka.ClassifySarama("metadata", err)
	}
	return ids, nil
}

// Produce implements kafka.ProducerConn. SendMessage блокирующий, поэтому
// попытка выполняется в отдельной горутине; отмена ctx не отзывает запрос.
func (k *Producer) Produce(ctx context.Context, req kafka.ProduceRequest) <-chan kafka.DeliveryOutcome {
	out := make(chan kafka.DeliveryOutcome, 1)
	done := make(chan kafka.DeliveryOutcome, 1)

	_, span := tracer.Start(ctx, "Produce", trace.WithAttributes(
		attribute.String("topic", req.Topic),
		attribute.Int64("key", req.Key),
		attribute.Int("partition", int(req.Sequence.Partition)),
		attribute.Int("sequence", int(req.Sequence.Number)),
		attribute.Int("attempt", req.Attempt),
	))

	go func() {
		start := time.Now()
		_, offset, err := k.prod.SendMessage(buildMessage(req))
		producerMetrics.ProduceLatency.WithLabelValues(serviceLabel).Observe(time.Since(start).Seconds())

		res := kafka.DeliveryOutcome{Partition: req.Sequence.Partition, Offset: -1}
		switch {
		case errors.Is(err, sarama.ErrDuplicateSequenceNumber):
			// брокер уже хранит эту последовательность
			res.Duplicate = true
		case err != nil:
			res.Err = kafka.ClassifySarama("produce", err)
			producerMetrics.ProduceErrors.WithLabelValues(serviceLabel, errorClass(res.Err)).Inc()
			span.RecordError(err)
		default:
			producerMetrics.ProduceSuccess.WithLabelValues(serviceLabel).Inc()
			if k.acks != kafka.AcksNone {
				res.Offset = offset
			}
		}
		span.End()
		done <- res
	}()

	go func() {
		select {
		case res := <-done:
			out <- res
		case <-ctx.Done():
			out <- kafka.DeliveryOutcome{
				Partition: req.Sequence.Partition,
				Offset:    -1,
				Err:       kafka.Ambiguous("produce", ctx.Err()),
			}
		}
	}()
	return out
}

// Ping обновляет метаданные клиента, проверяя доступность кластера.
func (k *Producer) Ping(ctx context.Context) error {
	_, span := tracer.Start(ctx, "Ping")
	defer span.End()
	if err := k.client.RefreshMetadata(); err != nil {
		producerMetrics.PingErrors.WithLabelValues(serviceLabel).Inc()
		span.RecordError(err)
		return kafka.ClassifySarama("ping", err)
	}
	return nil
}

// Close корректно закрывает продьюсер и клиент.
func (k *Producer) Close() error {
	if err := k.prod.Close(); err != nil {
		k.logger.Error("producer close failed", zap.Error(err))
		return err
	}
	if err := k.client.Close(); err != nil {
		k.logger.Error("client close failed", zap.Error(err))
		return err
	}
	k.logger.Info("kafka producer closed")
	return nil
}
