// common/kafka/consumer/consumer.go
package consumer

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
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
// Service label (заполняется из common.InitServiceName)
// -----------------------------------------------------------------------------

var serviceLabel = "unknown"

// SetServiceLabel задаёт единое имя сервиса для метрик.
// Вызывается единожды из common.InitServiceName().
func SetServiceLabel(name string) { serviceLabel = name }

// -----------------------------------------------------------------------------
// Prometheus-метрики
// -----------------------------------------------------------------------------

var consumerMetrics = struct {
	ConnectAttempts *prometheus.CounterVec
	ConnectErrors   *prometheus.CounterVec
	PollErrors      *prometheus.CounterVec
	Commits         *prometheus.CounterVec
	CommitErrors    *prometheus.CounterVec
	SessionExpired  *prometheus.CounterVec
}{
	ConnectAttempts: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_consumer", Name: "connect_attempts_total",
			Help: "Kafka consumer connect attempts",
		},
		[]string{"service"},
	),
	ConnectErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_consumer", Name: "connect_errors_total",
			Help: "Kafka consumer connect errors",
		},
		[]string{"service"},
	),
	PollErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_consumer", Name: "poll_errors_total",
			Help: "Errors reported by partition consumers",
		},
		[]string{"service"},
	),
	Commits: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_consumer", Name: "commits_total",
			Help: "Synchronous offset commits",
		},
		[]string{"service"},
	),
	CommitErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_consumer", Name: "commit_errors_total",
			Help: "Failed offset commits",
		},
		[]string{"service"},
	),
	SessionExpired: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_consumer", Name: "session_expired_total",
			Help: "Member evictions after exceeding max poll interval",
		},
		[]string{"service"},
	),
}

// -----------------------------------------------------------------------------
// Tracing
// -----------------------------------------------------------------------------

var tracer = otel.Tracer("kafka-consumer")

// -----------------------------------------------------------------------------
// Consumer implementation
// -----------------------------------------------------------------------------

// offsetManager: часть sarama.OffsetManager, нужная адаптеру.
type offsetManager interface {
	ManagePartition(topic string, partition int32) (sarama.PartitionOffsetManager, error)
	Commit()
	Close() error
}

type event struct {
	partition int32
	gen       int
	msg       *sarama.ConsumerMessage
	err       error
}

type assignment struct {
	pc   sarama.PartitionConsumer
	pom  sarama.PartitionOffsetManager
	gen  int
	stop chan struct{}
	// следующий offset после последнего коммита / сохранения (-1: нет)
	committedNext int64
	storedNext    int64
}

// Consumer: kafka.ConsumerConn поверх sarama.Consumer + OffsetManager
// с выключенным auto-commit. Offsets хранятся в consumer group на брокере.
type Consumer struct {
	cons   sarama.Consumer
	om     offsetManager
	client io.Closer
	cfg    Config
	log    *logger.Logger

	mu       sync.Mutex
	topic    string
	parts    map[int32]*assignment
	events   chan event
	done     chan struct{}
	lastPoll time.Time
	polled   bool
	closed   bool
}

var _ kafka.ConsumerConn = (*Consumer)(nil)

// New подключается к кластеру с ретраями и готовит OffsetManager группы.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*Consumer, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("kafka-consumer")
	sc := buildSaramaConfig(cfg)

	var (
		client sarama.Client
		cons   sarama.Consumer
		om     sarama.OffsetManager
	)
	connectOp := func(ctx context.Context) error {
		consumerMetrics.ConnectAttempts.WithLabelValues(serviceLabel).Inc()
		c, err := sarama.NewClient(cfg.Brokers, sc)
		if err != nil {
			consumerMetrics.ConnectErrors.WithLabelValues(serviceLabel).Inc()
			return err
		}
		cs, err := sarama.NewConsumerFromClient(c)
		if err != nil {
			consumerMetrics.ConnectErrors.WithLabelValues(serviceLabel).Inc()
			_ = c.Close()
			return err
		}
		o, err := sarama.NewOffsetManagerFromClient(cfg.GroupID, c)
		if err != nil {
			consumerMetrics.ConnectErrors.WithLabelValues(serviceLabel).Inc()
			_ = cs.Close()
			_ = c.Close()
			return err
		}
		client, cons, om = c, cs, o
		return nil
	}

	ctxConn, span := tracer.Start(ctx, "Connect",
		trace.WithAttributes(attribute.StringSlice("brokers", cfg.Brokers), attribute.String("group", cfg.GroupID)))
	if err := backoff.Execute(ctxConn, cfg.Backoff, log, connectOp); err != nil {
		span.RecordError(err)
		span.End()
		return nil, &kafka.ConnectError{Address: strings.Join(cfg.Brokers, ","), Err: err}
	}
	span.End()

	log.Info("kafka consumer connected",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("group", cfg.GroupID),
		zap.Duration("max_poll_interval", cfg.MaxPollInterval),
	)
	return newConsumer(otelsarama.WrapConsumer(cons), om, client, cfg, log), nil
}

func newConsumer(cons sarama.Consumer, om offsetManager, client io.Closer, cfg Config, log *logger.Logger) *Consumer {
	return &Consumer{
		cons:   cons,
		om:     om,
		client: client,
		cfg:    cfg,
		log:    log,
		parts:  make(map[int32]*assignment),
		events: make(chan event),
		done:   make(chan struct{}),
	}
}

// Subscribe назначает все разделы топика и начинает чтение с committed offsets.
func (c *Consumer) Subscribe(ctx context.Context, topic string) ([]kafka.PartitionOffset, error) {
	_, span := tracer.Start(ctx, "Subscribe", trace.WithAttributes(attribute.String("topic", topic)))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, kafka.ErrClosed
	}

	ids, err := c.cons.Partitions(topic)
	if err != nil {
		span.RecordError(err)
		return nil, kafka.Fatal("subscribe", err)
	}

	assigned := make([]kafka.PartitionOffset, 0, len(ids))
	for _, p := range ids {
		pom, err := c.om.ManagePartition(topic, p)
		if err != nil {
			span.RecordError(err)
			return nil, kafka.ClassifySarama("subscribe", err)
		}
		next, _ := pom.NextOffset()
		committed := int64(-1)
		start := next
		if next >= 0 {
			committed = next - 1
		} else {
			start = sarama.OffsetOldest
			if strings.EqualFold(c.cfg.InitialOffset, "latest") {
				start = sarama.OffsetNewest
			}
		}
		a := &assignment{pom: pom, committedNext: -1, storedNext: -1}
		if next >= 0 {
			a.committedNext, a.storedNext = next, next
		}
		c.parts[p] = a
		if err := c.startLocked(topic, p, a, start); err != nil {
			span.RecordError(err)
			return nil, err
		}
		assigned = append(assigned, kafka.PartitionOffset{Partition: p, Committed: committed})
	}
	c.topic = topic
	c.lastPoll = time.Now()
	c.polled = false
	return assigned, nil
}

// startLocked запускает partition consumer с offset и пересылку его событий.
func (c *Consumer) startLocked(topic string, p int32, a *assignment, offset int64) error {
	pc, err := c.cons.ConsumePartition(topic, p, offset)
	if err != nil {
		return kafka.ClassifySarama("consume", err)
	}
	a.pc = pc
	a.gen++
	a.stop = make(chan struct{})
	go c.forward(p, a.gen, pc, a.stop)
	return nil
}

func (c *Consumer) forward(p int32, gen int, pc sarama.PartitionConsumer, stop <-chan struct{}) {
	msgs, errs := pc.Messages(), pc.Errors()
	for msgs != nil || errs != nil {
		var ev event
		select {
		case m, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			ev = event{partition: p, gen: gen, msg: m}
		case e, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			ev = event{partition: p, gen: gen, err: e.Err}
		case <-stop:
			return
		case <-c.done:
			return
		}
		select {
		case c.events <- ev:
		case <-stop:
			return
		case <-c.done:
			return
		}
	}
}

// Poll implements kafka.ConsumerConn.
func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) (*kafka.ConsumedRecord, error) {
	c.mu.Lock()
	if err := c.checkLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()
	defer c.touch()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-c.events:
			if !c.current(ev) {
				continue // событие перемотанного раздела
			}
			if ev.err != nil {
				consumerMetrics.PollErrors.WithLabelValues(serviceLabel).Inc()
				return nil, kafka.ClassifySarama("poll", ev.err)
			}
			key, err := kafka.DecodeKey(ev.msg.Key)
			if err != nil {
				return nil, fmt.Errorf("partition %d offset %d: %w", ev.msg.Partition, ev.msg.Offset, err)
			}
			return &kafka.ConsumedRecord{
				Key:        key,
				Value:      string(ev.msg.Value),
				Topic:      ev.msg.Topic,
				Partition:  ev.msg.Partition,
				Offset:     ev.msg.Offset,
				ReceivedAt: time.Now(),
			}, nil
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, kafka.ErrClosed
		}
	}
}

func (c *Consumer) current(ev event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.parts[ev.partition]
	return ok && a.gen == ev.gen
}

func (c *Consumer) touch() {
	c.mu.Lock()
	c.lastPoll = time.Now()
	c.polled = true
	c.mu.Unlock()
}

// checkLocked: локальный аналог max.poll.interval.ms: классический sarama.Consumer
// не участвует в group membership, поэтому истечение сессии определяется здесь.
func (c *Consumer) checkLocked() error {
	switch {
	case c.closed:
		return kafka.ErrClosed
	case c.topic == "":
		return kafka.ErrNotSubscribed
	}
	if c.polled && time.Since(c.lastPoll) > c.cfg.MaxPollInterval {
		consumerMetrics.SessionExpired.WithLabelValues(serviceLabel).Inc()
		c.log.Warn("max poll interval exceeded, rewinding to committed offsets",
			zap.Duration("since_last_poll", time.Since(c.lastPoll)))
		if err := c.rewindLocked(); err != nil {
			return err
		}
		c.polled = false
		return kafka.ErrSessionExpired
	}
	return nil
}

// rewindLocked возвращает все разделы к committed offsets, отбрасывая сохранённые.
func (c *Consumer) rewindLocked() error {
	for p, a := range c.parts {
		start := a.committedNext
		if start < 0 {
			start = sarama.OffsetOldest
		} else {
			a.pom.ResetOffset(start, "")
		}
		a.storedNext = a.committedNext
		if err := c.restartLocked(p, a, start); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consumer) restartLocked(p int32, a *assignment, offset int64) error {
	close(a.stop)
	// синхронно: sarama не даст открыть раздел, пока старый consumer не снят
	if err := a.pc.Close(); err != nil {
		c.log.Debug("partition consumer close", zap.Int32("partition", p), zap.Error(err))
	}
	return c.startLocked(c.topic, p, a, offset)
}

// StoreOffset помечает запись готовой к коммиту (следующий offset = rec.Offset+1).
func (c *Consumer) StoreOffset(rec *kafka.ConsumedRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return kafka.ErrClosed
	}
	a, ok := c.parts[rec.Partition]
	if !ok || rec.Topic != c.topic {
		return fmt.Errorf("kafka consumer: store offset for unassigned %s/%d", rec.Topic, rec.Partition)
	}
	a.pom.MarkOffset(rec.Offset+1, "")
	a.storedNext = rec.Offset + 1
	return nil
}

// Commit синхронно фиксирует сохранённые offsets группы.
func (c *Consumer) Commit(ctx context.Context, rec *kafka.ConsumedRecord) error {
	_, span := tracer.Start(ctx, "Commit", trace.WithAttributes(
		attribute.Int("partition", int(rec.Partition)),
		attribute.Int64("offset", rec.Offset),
	))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked(); err != nil {
		span.RecordError(err)
		return err
	}
	a, ok := c.parts[rec.Partition]
	if !ok {
		return fmt.Errorf("kafka consumer: commit for unassigned partition %d", rec.Partition)
	}
	if a.storedNext <= rec.Offset {
		return fmt.Errorf("kafka consumer: offset %d of partition %d is not stored", rec.Offset, rec.Partition)
	}
	// OffsetManager коммитит отметки всех разделов сразу, ошибки приходят
	// в Errors() каждого раздела до возврата из Commit
	c.om.Commit()

	var recErr error
	for p, pa := range c.parts {
		failed := false
		for _, cerr := range drainErrors(pa.pom) {
			failed = true
			consumerMetrics.CommitErrors.WithLabelValues(serviceLabel).Inc()
			span.RecordError(cerr.Err)
			if p == rec.Partition {
				recErr = kafka.ClassifySarama("commit", cerr.Err)
				continue
			}
			c.log.Warn("commit failed for partition",
				zap.Int32("partition", p),
				zap.Int64("stored_next", pa.storedNext),
				zap.Error(cerr.Err),
			)
		}
		if !failed {
			pa.committedNext = pa.storedNext
		}
	}
	if recErr != nil {
		return recErr
	}
	consumerMetrics.Commits.WithLabelValues(serviceLabel).Inc()
	return nil
}

// drainErrors забирает накопленные ошибки, не блокируясь: при Return.Errors
// sarama пишет в канал блокирующе и встанет, если его не читать.
func drainErrors(pom sarama.PartitionOffsetManager) []*sarama.ConsumerError {
	var errs []*sarama.ConsumerError
	for {
		select {
		case cerr, ok := <-pom.Errors():
			if !ok {
				return errs
			}
			errs = append(errs, cerr)
		default:
			return errs
		}
	}
}

// Seek перезапускает чтение раздела с offset.
func (c *Consumer) Seek(_ context.Context, topic string, partition int32, offset int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return kafka.ErrClosed
	}
	a, ok := c.parts[partition]
	if !ok || topic != c.topic {
		return fmt.Errorf("kafka consumer: seek on unassigned %s/%d", topic, partition)
	}
	return c.restartLocked(partition, a, offset)
}

// Close останавливает чтение и освобождает клиент. Незакоммиченные offsets теряются.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	parts := c.parts
	c.parts = map[int32]*assignment{}
	c.mu.Unlock()

	for p, a := range parts {
		if err := a.pc.Close(); err != nil {
			c.log.Warn("partition consumer close", zap.Int32("partition", p), zap.Error(err))
		}
		a.pom.AsyncClose()
	}
	var firstErr error
	if err := c.cons.Close(); err != nil {
		firstErr = err
	}
	if err := c.om.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if c.client != nil {
		if err := c.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		c.log.Error("kafka consumer close failed", zap.Error(firstErr))
		return firstErr
	}
	c.log.Info("kafka consumer closed")
	return nil
}
