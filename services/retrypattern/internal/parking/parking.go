// Package parking: «стоянка» для записей, которые не удалось доставить:
// отчёт сохраняется для ручной повторной отправки.
package parking

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/retry-pattern/common/backoff"
	"github.com/YaganovValera/retry-pattern/common/logger"
	"github.com/YaganovValera/retry-pattern/common/redis"
	"github.com/YaganovValera/retry-pattern/services/retrypattern/internal/metrics"
	"github.com/YaganovValera/retry-pattern/services/retrypattern/internal/publisher"
)

var tracer = otel.Tracer("retrypattern/parking")

// Lot принимает отчёты, требующие ручной обработки.
type Lot interface {
	Park(ctx context.Context, rep publisher.DeliveryReport) error
	Close() error
}

// Entry: JSON-представление отчёта на стоянке.
type Entry struct {
	Key        int64     `json:"key"`
	Value      string    `json:"value"`
	Partition  *int32    `json:"partition,omitempty"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	ProducerID string    `json:"producer_id,omitempty"`
	Epoch      int16     `json:"epoch"`
	Sequence   int32     `json:"sequence"`
	ParkedAt   time.Time `json:"parked_at"`
}

// NewEntry переносит из отчёта исходную запись без изменений.
func NewEntry(rep publisher.DeliveryReport, now time.Time) Entry {
	e := Entry{
		Key:        rep.Record.Key,
		Value:      rep.Record.Value,
		Partition:  rep.Record.Partition,
		Status:     rep.Status.String(),
		Attempts:   rep.Attempts,
		ProducerID: rep.Sequence.ProducerID,
		Epoch:      rep.Sequence.Epoch,
		Sequence:   rep.Sequence.Number,
		ParkedAt:   now.UTC(),
	}
	if rep.Err != nil {
		e.Error = rep.Err.Error()
	}
	return e
}

// Record восстанавливает запись для повторной отправки.
func (e Entry) Record() publisher.Record {
	return publisher.Record{Key: e.Key, Value: e.Value, Partition: e.Partition}
}

// -----------------------------------------------------------------------------
// Redis
// -----------------------------------------------------------------------------

// Config: настройки стоянки в Redis.
type Config struct {
	Redis redis.Config
	Key   string // список, default "retrypattern:parked"
}

type listClient interface {
	RPush(ctx context.Context, key string, values ...interface{}) *goredis.IntCmd
	Close() error
}

// RedisLot дописывает записи в конец списка (RPUSH).
type RedisLot struct {
	client listClient
	key    string
	bo     backoff.Config
	log    *logger.Logger
	now    func() time.Time
}

// New подключается к Redis.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*RedisLot, error) {
	client, err := redis.Connect(ctx, cfg.Redis, log)
	if err != nil {
		return nil, err
	}
	return newRedisLot(client, cfg, log), nil
}

func newRedisLot(client listClient, cfg Config, log *logger.Logger) *RedisLot {
	if cfg.Key == "" {
		cfg.Key = "retrypattern:parked"
	}
	return &RedisLot{
		client: client,
		key:    cfg.Key,
		bo:     cfg.Redis.Backoff,
		log:    log.Named("parking"),
		now:    time.Now,
	}
}

// Park сохраняет отчёт.
func (l *RedisLot) Park(ctx context.Context, rep publisher.DeliveryReport) error {
	ctx, span := tracer.Start(ctx, "Park", trace.WithAttributes(
		attribute.String("list", l.key),
		attribute.Int64("key", rep.Record.Key),
	))
	defer span.End()

	data, err := json.Marshal(NewEntry(rep, l.now()))
	if err != nil {
		return fmt.Errorf("parking: marshal: %w", err)
	}
	op := func(ctx context.Context) error {
		return l.client.RPush(ctx, l.key, data).Err()
	}
	if err := backoff.Execute(ctx, l.bo, l.log, op); err != nil {
		metrics.Parked.WithLabelValues("error").Inc()
		span.RecordError(err)
		l.log.WithContext(ctx).Error("redis RPUSH failed",
			zap.String("list", l.key),
			zap.Int64("key", rep.Record.Key),
			zap.Error(err),
		)
		return fmt.Errorf("parking: rpush: %w", err)
	}
	metrics.Parked.WithLabelValues("ok").Inc()
	l.log.WithContext(ctx).Info("record parked for manual processing",
		zap.String("list", l.key),
		zap.Int64("key", rep.Record.Key),
		zap.String("status", rep.Status.String()),
	)
	return nil
}

func (l *RedisLot) Close() error { return l.client.Close() }

// -----------------------------------------------------------------------------
// Log-only
// -----------------------------------------------------------------------------

// LogLot только пишет отчёт в лог (стоянка выключена).
type LogLot struct{ log *logger.Logger }

func NewLogLot(log *logger.Logger) *LogLot { return &LogLot{log: log.Named("parking")} }

func (l *LogLot) Park(ctx context.Context, rep publisher.DeliveryReport) error {
	metrics.Parked.WithLabelValues("logged").Inc()
	l.log.WithContext(ctx).Warn("record requires manual processing",
		zap.Int64("key", rep.Record.Key),
		zap.String("value", rep.Record.Value),
		zap.String("status", rep.Status.String()),
		zap.Int("attempts", rep.Attempts),
		zap.Error(rep.Err),
	)
	return nil
}

func (l *LogLot) Close() error { return nil }
