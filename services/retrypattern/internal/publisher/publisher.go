// Package publisher: надёжный продьюсер: ретраи с back-off, идемпотентная
// нумерация попыток и ровно один DeliveryReport на каждую запись.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/retry-pattern/common/backoff"
	"github.com/YaganovValera/retry-pattern/common/kafka"
	"github.com/YaganovValera/retry-pattern/common/logger"
	"github.com/YaganovValera/retry-pattern/services/retrypattern/internal/metrics"
)

var tracer = otel.Tracer("retrypattern/publisher")

// Option настраивает Publisher.
type Option func(*Publisher)

// WithSequencer подставляет готовый Sequencer (например, с фиксированным ProducerID).
func WithSequencer(s *Sequencer) Option {
	return func(p *Publisher) { p.seq = s }
}

// Publisher владеет соединением conn и отправляет записи в cfg.Topic.
type Publisher struct {
	conn kafka.ProducerConn
	cfg  Config
	seq  *Sequencer
	log  *logger.Logger

	// dispatchMu связывает выдачу номера и первую отправку:
	// попытки уходят к брокеру в порядке номеров.
	dispatchMu sync.Mutex

	metaMu     sync.Mutex
	partitions []int32

	// connRetries: соединение само повторяет попытки (kafka.InternalRetrier)
	connRetries bool

	lifeMu sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New проверяет cfg и создаёт Publisher. Ошибка конфигурации возвращается
// до любого обращения к брокеру.
func New(conn kafka.ProducerConn, cfg Config, log *logger.Logger, opts ...Option) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, errors.New("publisher: nil producer connection")
	}
	p := &Publisher{conn: conn, cfg: cfg, log: log.Named("publisher")}
	for _, o := range opts {
		o(p)
	}
	if p.seq == nil {
		p.seq = NewSequencer("")
	}
	if r, ok := conn.(kafka.InternalRetrier); ok && r.RetriesInternally() {
		p.connRetries = true
	}
	p.log.Info("publisher configured",
		zap.String("topic", cfg.Topic),
		zap.String("acks", cfg.Acks.String()),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("retry_backoff", cfg.RetryBackoff),
		zap.Bool("idempotent", cfg.Idempotent),
		zap.Bool("connection_retries", p.connRetries),
		zap.String("producer_id", p.seq.ProducerID()),
	)
	return p, nil
}

// Sequencer возвращает нумератор потоков публикатора.
func (p *Publisher) Sequencer() *Sequencer { return p.seq }

// Send неблокирующе отправляет запись. Канал получает ровно один отчёт,
// когда первая попытка и все ретраи завершены.
func (p *Publisher) Send(ctx context.Context, rec Record) <-chan DeliveryReport {
	out := make(chan DeliveryReport, 1)
	start := time.Now()

	p.lifeMu.Lock()
	if p.closed {
		p.lifeMu.Unlock()
		out <- p.finish(start, DeliveryReport{Record: rec, Status: NotPersisted, Offset: -1, Err: kafka.ErrClosed})
		return out
	}
	p.wg.Add(1)
	p.lifeMu.Unlock()

	partition, lookups, err := p.partitionFor(ctx, rec)
	if err != nil {
		defer p.wg.Done()
		p.log.WithContext(ctx).Error("partition lookup failed",
			zap.Int64("key", rec.Key),
			zap.Int("attempts", lookups),
			zap.Error(err),
		)
		rep := DeliveryReport{Record: rec, Status: NotPersisted, Offset: -1, Attempts: lookups}
		if ctx.Err() != nil {
			rep.Err = fmt.Errorf("publisher: send abandoned before dispatch: %w", ctx.Err())
		} else {
			rep.Err = &PermanentProduceError{Record: rec, Attempts: lookups, Err: err}
		}
		out <- p.finish(start, rep)
		return out
	}

	p.dispatchMu.Lock()
	seq := p.seq.Next(p.cfg.Topic, partition)
	if !p.cfg.Idempotent {
		seq.ProducerID = ""
	}
	req := kafka.ProduceRequest{
		Topic:    p.cfg.Topic,
		Key:      rec.Key,
		Value:    rec.Value,
		Sequence: seq,
		Acks:     p.cfg.Acks,
		Attempt:  1,
	}
	first := p.conn.Produce(ctx, req)
	p.dispatchMu.Unlock()

	go func() {
		defer p.wg.Done()
		out <- p.finish(start, p.deliver(ctx, rec, req, first))
	}()
	return out
}

// SendSync: Send с ожиданием отчёта.
func (p *Publisher) SendSync(ctx context.Context, rec Record) DeliveryReport {
	return <-p.Send(ctx, rec)
}

// Close дожидается всех отправок в полёте и закрывает соединение.
func (p *Publisher) Close() error {
	p.lifeMu.Lock()
	if p.closed {
		p.lifeMu.Unlock()
		return nil
	}
	p.closed = true
	p.lifeMu.Unlock()

	p.wg.Wait()
	if err := p.conn.Close(); err != nil {
		p.log.Error("producer connection close failed", zap.Error(err))
		return err
	}
	p.log.Info("publisher closed")
	return nil
}

// -----------------------------------------------------------------------------
// internals
// -----------------------------------------------------------------------------

// partitionFor выбирает раздел записи. Метаданные топика запрашиваются один
// раз, временные ошибки повторяются в рамках той же политики, что и отправка;
// до успеха Send блокируется. Второе значение: число запросов метаданных.
func (p *Publisher) partitionFor(ctx context.Context, rec Record) (int32, int, error) {
	if rec.Partition != nil {
		return *rec.Partition, 0, nil
	}
	p.metaMu.Lock()
	defer p.metaMu.Unlock()
	if p.partitions != nil {
		return kafka.PartitionFor(rec.Key, p.partitions), 0, nil
	}

	var (
		lookups int
		lastErr error
	)
	log := p.log.WithContext(ctx).With(zap.String("topic", p.cfg.Topic))
	err := backoff.Execute(ctx, p.cfg.retryPolicy(), log, func(ctx context.Context) error {
		lookups++
		ids, err := p.conn.Partitions(ctx, p.cfg.Topic)
		switch {
		case err == nil && len(ids) == 0:
			lastErr = fmt.Errorf("publisher: topic %q has no partitions", p.cfg.Topic)
			return backoff.Permanent(lastErr)
		case err == nil:
			p.partitions = ids
			return nil
		case kafka.IsTransient(err):
			lastErr = err
			log.Warn("metadata lookup failed", zap.Int("attempt", lookups), zap.Error(err))
			return err
		}
		lastErr = err
		return backoff.Permanent(err)
	})
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return 0, lookups, lastErr
	}
	return kafka.PartitionFor(rec.Key, p.partitions), lookups, nil
}

// deliver ждёт первую попытку и при временных ошибках повторяет отправку
// с той же последовательностью.
func (p *Publisher) deliver(ctx context.Context, rec Record, req kafka.ProduceRequest, first <-chan kafka.DeliveryOutcome) DeliveryReport {
	ctx, span := tracer.Start(ctx, "Publisher.Send", trace.WithAttributes(
		attribute.String("topic", req.Topic),
		attribute.Int64("key", rec.Key),
		attribute.Int("partition", int(req.Sequence.Partition)),
		attribute.Int("sequence", int(req.Sequence.Number)),
		attribute.Int("epoch", int(req.Sequence.Epoch)),
	))
	defer span.End()
	if req.Sequence.ProducerID != "" {
		ctx = logger.ContextWithProducerID(ctx, req.Sequence.ProducerID)
	}

	log := p.log.WithContext(ctx).With(
		zap.Int64("key", rec.Key),
		zap.Int32("partition", req.Sequence.Partition),
		zap.Int32("sequence", req.Sequence.Number),
	)

	var (
		attempts  int
		ambiguous bool
		lastErr   error
		outcome   kafka.DeliveryOutcome
	)
	op := func(ctx context.Context) error {
		attempts++
		fut := first
		if attempts > 1 {
			retry := req
			retry.Attempt = attempts
			fut = p.conn.Produce(ctx, retry)
		}
		res, err := p.await(ctx, fut)
		if err == nil {
			outcome = res
			return nil
		}
		lastErr = err
		if kafka.IsAmbiguous(err) {
			ambiguous = true
		}
		if kafka.IsTransient(err) && !p.connRetries {
			log.Warn("produce attempt failed", zap.Int("attempt", attempts), zap.Error(err))
			return err
		}
		return backoff.Permanent(err)
	}
	err := backoff.Execute(ctx, p.cfg.retryPolicy(), log, op)

	rep := DeliveryReport{
		Record:    rec,
		Partition: req.Sequence.Partition,
		Offset:    -1,
		Attempts:  attempts,
		Sequence:  req.Sequence,
	}
	if lastErr == nil {
		lastErr = err
	}
	notPersisted := NotPersisted
	if ambiguous {
		notPersisted = PossiblyPersisted
	}

	switch {
	case err == nil:
		rep.Offset = outcome.Offset
		rep.Duplicate = outcome.Duplicate
		rep.Status = Persisted
		if p.cfg.Acks == kafka.AcksNone {
			// подтверждения нет по определению
			rep.Status = PossiblyPersisted
		}
		if outcome.Duplicate {
			metrics.Duplicates.Inc()
		}
		span.SetAttributes(attribute.Int64("offset", rep.Offset), attribute.Int("attempts", attempts))
		log.Debug("record delivered",
			zap.Int64("offset", rep.Offset),
			zap.Int("attempts", attempts),
			zap.Bool("duplicate", outcome.Duplicate),
		)
		return rep

	case ctx.Err() != nil:
		rep.Status = notPersisted
		rep.Err = fmt.Errorf("publisher: send abandoned after %d attempt(s): %w", attempts, ctx.Err())

	default:
		rep.Status = notPersisted
		rep.Err = &PermanentProduceError{Record: rec, Attempts: attempts, Err: lastErr}
	}

	span.RecordError(rep.Err)
	span.SetStatus(codes.Error, rep.Status.String())
	log.Error("record not delivered",
		zap.String("status", rep.Status.String()),
		zap.Int("attempts", attempts),
		zap.Error(rep.Err),
	)
	if p.cfg.Idempotent && p.seq.Bump(req.Topic, req.Sequence) {
		metrics.EpochBumps.Inc()
		log.Info("sequence stream moved to a new epoch", zap.Int16("failed_epoch", req.Sequence.Epoch))
	}
	return rep
}

// await ждёт исход одной попытки. Отсутствие ответа (таймаут, отмена ctx)
// означает, что запрос мог быть записан.
func (p *Publisher) await(ctx context.Context, fut <-chan kafka.DeliveryOutcome) (kafka.DeliveryOutcome, error) {
	var timeout <-chan time.Time
	// попытку с внутренними ретраями ограничивает само соединение
	if p.cfg.DeliveryTimeout > 0 && !p.connRetries {
		t := time.NewTimer(p.cfg.DeliveryTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case res := <-fut:
		return res, res.Err
	case <-timeout:
		return kafka.DeliveryOutcome{}, kafka.Ambiguous("produce", fmt.Errorf("no outcome within %s", p.cfg.DeliveryTimeout))
	case <-ctx.Done():
		return kafka.DeliveryOutcome{}, kafka.Ambiguous("produce", ctx.Err())
	}
}

func (p *Publisher) finish(start time.Time, rep DeliveryReport) DeliveryReport {
	metrics.Reports.WithLabelValues(rep.Status.String()).Inc()
	metrics.Attempts.Observe(float64(rep.Attempts))
	metrics.SendLatency.Observe(time.Since(start).Seconds())
	return rep
}
