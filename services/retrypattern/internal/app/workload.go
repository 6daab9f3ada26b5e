// services/retrypattern/internal/app/workload.go
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/retry-pattern/common/kafka"
	"github.com/YaganovValera/retry-pattern/common/logger"
	"github.com/YaganovValera/retry-pattern/services/retrypattern/internal/parking"
	"github.com/YaganovValera/retry-pattern/services/retrypattern/internal/publisher"
	"github.com/YaganovValera/retry-pattern/services/retrypattern/internal/subscriber"
)

// ticksAtUnixEpoch: число 100-нс тиков от 0001-01-01 до 1970-01-01 (UTC).
const ticksAtUnixEpoch int64 = 621_355_968_000_000_000

const sentAtLayout = "2006-01-02_15:04:05"

// Ticks переводит момент времени в ключ записи: 100-нс тики с 0001-01-01 UTC.
func Ticks(t time.Time) int64 {
	return t.UTC().UnixNano()/100 + ticksAtUnixEpoch
}

// LetterValue: значение i-й записи: "Character #A sent at 2025-01-01_10:00:00".
// Время печатается в зоне at (локальной для time.Now), ключ же всегда в UTC.
func LetterValue(i int, at time.Time) string {
	return fmt.Sprintf("Character #%c sent at %s", rune('A'+i%26), at.Format(sentAtLayout))
}

// -----------------------------------------------------------------------------
// Producer workload
// -----------------------------------------------------------------------------

// ProduceSummary: итог прогона по статусам отчётов.
type ProduceSummary struct {
	Sent              int `json:"sent"`
	Persisted         int `json:"persisted"`
	PossiblyPersisted int `json:"possibly_persisted"`
	NotPersisted      int `json:"not_persisted"`
}

type alphabetProducer struct {
	pub      *publisher.Publisher
	lot      parking.Lot
	total    int
	interval time.Duration
	now      func() time.Time
	log      *logger.Logger

	mu  sync.Mutex
	sum ProduceSummary
}

// Summary: снимок счётчиков (читается из /stats параллельно с Run).
func (a *alphabetProducer) Summary() ProduceSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sum
}

func (a *alphabetProducer) count(st publisher.Status) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sum.Sent++
	switch st {
	case publisher.Persisted:
		a.sum.Persisted++
	case publisher.PossiblyPersisted:
		a.sum.PossiblyPersisted++
	default:
		a.sum.NotPersisted++
	}
}

// Run отправляет записи строго последовательно: следующая уходит только после
// отчёта по предыдущей. Неподтверждённые записи уходят на стоянку; постоянная
// ошибка останавливает цикл.
func (a *alphabetProducer) Run(ctx context.Context) (ProduceSummary, error) {
	for i := 0; i < a.total; i++ {
		if ctx.Err() != nil {
			return a.Summary(), nil
		}
		at := a.now()
		rec := publisher.Record{Key: Ticks(at), Value: LetterValue(i, at)}

		rep := a.pub.SendSync(ctx, rec)
		a.count(rep.Status)
		if rep.Status == publisher.Persisted {
			a.log.WithContext(ctx).Info("delivered",
				zap.Int64("key", rec.Key),
				zap.String("value", rec.Value),
				zap.Int32("partition", rep.Partition),
				zap.Int64("offset", rep.Offset),
				zap.Int("attempts", rep.Attempts),
			)
		} else {
			a.log.WithContext(ctx).Error("requires manual processing",
				zap.Int64("key", rec.Key),
				zap.String("value", rec.Value),
				zap.String("status", rep.Status.String()),
				zap.Error(rep.Err),
			)
			if err := a.lot.Park(context.WithoutCancel(ctx), rep); err != nil {
				a.log.WithContext(ctx).Error("parking failed", zap.Int64("key", rec.Key), zap.Error(err))
			}

			var perm *publisher.PermanentProduceError
			if errors.As(rep.Err, &perm) {
				return a.Summary(), fmt.Errorf("alphabet producer stopped at %q: %w", rec.Value, rep.Err)
			}
			if ctx.Err() != nil {
				return a.Summary(), nil
			}
		}

		if i < a.total-1 && !sleep(ctx, a.interval) {
			return a.Summary(), nil
		}
	}
	return a.Summary(), nil
}

// sleep ждёт d или отмены ctx; false: ctx отменён.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// -----------------------------------------------------------------------------
// Consumer workload
// -----------------------------------------------------------------------------

// processingHandler печатает запись и имитирует обработку паузой delay.
// Пауза входит в бюджет max_poll_interval - poll_timeout.
func processingHandler(delay time.Duration, log *logger.Logger) subscriber.Handler {
	return func(ctx context.Context, rec *kafka.ConsumedRecord) error {
		log.WithContext(ctx).Info("received message",
			zap.Int64("key", rec.Key),
			zap.String("value", rec.Value),
			zap.String("topic", rec.Topic),
			zap.Int32("partition", rec.Partition),
			zap.Int64("offset", rec.Offset),
		)
		if delay > 0 {
			time.Sleep(delay)
		}
		return nil
	}
}
