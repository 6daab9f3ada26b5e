// Package subscriber: at-least-once потребитель: обработка, затем store,
// затем commit, строго последовательно в одной goroutine.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
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

var tracer = otel.Tracer("retrypattern/subscriber")

// ErrNotSubscribed: Run вызван до успешного Subscribe.
var ErrNotSubscribed = errors.New("subscriber: not subscribed")

// Option настраивает Subscriber.
type Option func(*Subscriber)

// WithObserver подключает наблюдателя за состояниями и offsets.
func WithObserver(o Observer) Option {
	return func(s *Subscriber) { s.obs = o }
}

// Subscriber владеет соединением conn до Close.
type Subscriber struct {
	conn kafka.ConsumerConn
	cfg  Config
	log  *logger.Logger
	obs  Observer

	state atomic.Int32

	mu      sync.Mutex
	topic   string
	commits map[int32]*CommitState

	processed, handlerErrs, pollErrs, commitErrs, sessionTimeouts, slow atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// New проверяет cfg и создаёт Subscriber в состоянии Idle.
func New(conn kafka.ConsumerConn, cfg Config, log *logger.Logger, opts ...Option) (*Subscriber, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, errors.New("subscriber: nil consumer connection")
	}
	s := &Subscriber{
		conn:    conn,
		cfg:     cfg,
		log:     log.Named("subscriber"),
		commits: make(map[int32]*CommitState),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// State возвращает текущее состояние.
func (s *Subscriber) State() State { return State(s.state.Load()) }

// CommitState возвращает снимок offsets раздела.
func (s *Subscriber) CommitState(partition int32) (CommitState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.commits[partition]
	if !ok {
		return CommitState{-1, -1}, false
	}
	return *cs, true
}

// Stats возвращает счётчики цикла.
func (s *Subscriber) Stats() Stats {
	return Stats{
		Processed:       s.processed.Load(),
		HandlerErrors:   s.handlerErrs.Load(),
		PollErrors:      s.pollErrs.Load(),
		CommitErrors:    s.commitErrs.Load(),
		SessionTimeouts: s.sessionTimeouts.Load(),
		SlowHandlers:    s.slow.Load(),
	}
}

// Subscribe: Idle → Subscribed. При недоступном топике состояние остаётся Idle.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) error {
	if st := s.State(); st != Idle {
		return fmt.Errorf("subscriber: subscribe in state %s", st)
	}
	assigned, err := s.conn.Subscribe(ctx, topic)
	if err != nil {
		s.log.WithContext(ctx).Error("subscribe failed", zap.String("topic", topic), zap.Error(err))
		return &SubscriptionError{Topic: topic, Err: err}
	}

	s.mu.Lock()
	s.topic = topic
	for _, po := range assigned {
		s.commits[po.Partition] = &CommitState{
			LastStoredOffset:    po.Committed,
			LastCommittedOffset: po.Committed,
		}
	}
	s.mu.Unlock()

	for _, po := range assigned {
		s.log.Info("partition assigned",
			zap.String("topic", topic),
			zap.Int32("partition", po.Partition),
			zap.Int64("committed", po.Committed),
		)
		s.emitCommitState(po.Partition)
	}
	s.setState(Subscribed)
	return nil
}

// Run крутит poll-цикл до отмены ctx или фатальной ошибки.
// Отмена ctx проверяется только между итерациями. Соединение закрывается
// при любом выходе.
func (s *Subscriber) Run(ctx context.Context, h Handler) error {
	defer func() { _ = s.Close() }()

	switch st := s.State(); st {
	case Subscribed:
	case Closed:
		return kafka.ErrClosed
	default:
		return ErrNotSubscribed
	}

	log := s.log.WithContext(ctx).With(zap.String("topic", s.topic))
	log.Info("poll loop started",
		zap.Duration("poll_timeout", s.cfg.PollTimeout),
		zap.Duration("max_poll_interval", s.cfg.MaxPollInterval),
	)

	for {
		if ctx.Err() != nil {
			log.Info("poll loop stopped", zap.Error(ctx.Err()))
			return nil
		}

		s.setState(Polling)
		rec, err := s.conn.Poll(ctx, s.cfg.PollTimeout)
		if err != nil {
			if ferr := s.onPollError(ctx, log, err); ferr != nil {
				return ferr
			}
			continue
		}
		if rec == nil {
			continue
		}
		if err := s.process(ctx, log, h, rec); err != nil {
			return err
		}
	}
}

// Close освобождает соединение. Повторные вызовы возвращают результат первого.
func (s *Subscriber) Close() error {
	s.closeOnce.Do(func() {
		s.setState(Closed)
		if err := s.conn.Close(); err != nil {
			s.log.Error("consumer connection close failed", zap.Error(err))
			s.closeErr = err
			return
		}
		s.log.Info("subscriber closed", zap.Any("stats", s.Stats()))
	})
	return s.closeErr
}

// -----------------------------------------------------------------------------
// loop steps
// -----------------------------------------------------------------------------

func (s *Subscriber) process(ctx context.Context, log *logger.Logger, h Handler, rec *kafka.ConsumedRecord) error {
	log = log.With(
		zap.Int32("partition", rec.Partition),
		zap.Int64("offset", rec.Offset),
		zap.Int64("key", rec.Key),
	)
	ctx, span := tracer.Start(ctx, "Subscriber.Handle", trace.WithAttributes(
		attribute.String("topic", rec.Topic),
		attribute.Int("partition", int(rec.Partition)),
		attribute.Int64("offset", rec.Offset),
		attribute.Int64("key", rec.Key),
	))
	defer span.End()

	// шаги после обработчика завершают итерацию даже при отмене ctx
	stepCtx := context.WithoutCancel(ctx)

	s.setState(Processing)
	started := time.Now()
	herr := invoke(ctx, h, rec)
	elapsed := time.Since(started)
	metrics.HandleLatency.Observe(elapsed.Seconds())

	if elapsed > s.cfg.handlerBudget() {
		s.slow.Add(1)
		metrics.SlowHandlers.Inc()
		log.Warn("handler exceeded poll budget, consumer risks eviction",
			zap.Duration("elapsed", elapsed),
			zap.Duration("budget", s.cfg.handlerBudget()),
		)
	}

	if herr != nil {
		s.handlerErrs.Add(1)
		metrics.HandlerErrors.Inc()
		span.RecordError(herr)
		span.SetStatus(codes.Error, "handler failed")
		log.Error("handler failed, record will be redelivered", zap.Error(herr))
		return s.rewind(ctx, log, rec)
	}

	s.setState(Committing)
	if err := s.conn.StoreOffset(rec); err != nil {
		return s.onCommitError(log, "store", err)
	}
	s.updateCommitState(rec.Partition, func(cs *CommitState) { cs.LastStoredOffset = rec.Offset })

	if err := s.conn.Commit(stepCtx, rec); err != nil {
		return s.onCommitError(log, "commit", err)
	}
	s.updateCommitState(rec.Partition, func(cs *CommitState) { cs.LastCommittedOffset = rec.Offset })

	s.processed.Add(1)
	metrics.Processed.Inc()
	log.Debug("record committed", zap.Duration("elapsed", elapsed))
	return nil
}

// rewind возвращает позицию чтения к rec.Offset. Пока seek не прошёл, цикл
// дальше не идёт: следующий Poll вернул бы уже rec.Offset+1.
func (s *Subscriber) rewind(ctx context.Context, log *logger.Logger, rec *kafka.ConsumedRecord) error {
	expired := false
	err := backoff.Execute(ctx, s.cfg.rewindPolicy(), log, func(ctx context.Context) error {
		err := s.conn.Seek(ctx, rec.Topic, rec.Partition, rec.Offset)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, kafka.ErrSessionExpired):
			expired = true
			return backoff.Permanent(err)
		case kafka.IsTransient(err):
			s.commitErrs.Add(1)
			metrics.CommitErrors.Inc()
			return err
		}
		return backoff.Permanent(err)
	})
	switch {
	case err == nil:
		return nil
	case expired:
		// брокер сам откатил группу к committed
		s.onSessionExpired(log, "seek")
		return nil
	case ctx.Err() != nil:
		// rec не закоммичен: после перезапуска он придёт снова с committed offset
		log.Warn("seek interrupted by shutdown", zap.Error(err))
		return nil
	}
	return s.fail(log, "seek", err)
}

func invoke(ctx context.Context, h Handler, rec *kafka.ConsumedRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, rec)
}

func (s *Subscriber) onPollError(ctx context.Context, log *logger.Logger, err error) error {
	switch {
	case ctx.Err() != nil:
		// выход на границе итерации
		return nil
	case errors.Is(err, kafka.ErrSessionExpired):
		s.onSessionExpired(log, "poll")
		return nil
	case kafka.IsTransient(err):
		s.pollErrs.Add(1)
		metrics.PollErrors.Inc()
		log.Warn("poll failed, continuing", zap.Error(err))
		return nil
	}
	return s.fail(log, "poll", err)
}

// onCommitError обрабатывает ошибки seek/store/commit. Временная ошибка
// не теряет данных: запись уже обработана, следующий commit покроет её offset.
func (s *Subscriber) onCommitError(log *logger.Logger, op string, err error) error {
	switch {
	case errors.Is(err, kafka.ErrSessionExpired):
		s.onSessionExpired(log, op)
		return nil
	case kafka.IsTransient(err):
		s.commitErrs.Add(1)
		metrics.CommitErrors.Inc()
		log.Warn(op+" failed, continuing", zap.Error(err))
		return nil
	}
	return s.fail(log, op, err)
}

// onSessionExpired: брокер исключил участника, незакоммиченные записи
// будут доставлены заново, локальное состояние откатывается к committed.
func (s *Subscriber) onSessionExpired(log *logger.Logger, op string) {
	s.sessionTimeouts.Add(1)
	metrics.SessionTimeouts.Inc()
	log.Warn("session timed out: max poll interval exceeded, uncommitted records will be redelivered",
		zap.String("op", op),
		zap.Duration("max_poll_interval", s.cfg.MaxPollInterval),
	)

	s.mu.Lock()
	parts := make([]int32, 0, len(s.commits))
	for p, cs := range s.commits {
		cs.LastStoredOffset = cs.LastCommittedOffset
		parts = append(parts, p)
	}
	s.mu.Unlock()
	for _, p := range parts {
		s.emitCommitState(p)
	}
}

func (s *Subscriber) fail(log *logger.Logger, op string, err error) error {
	log.Error("fatal consumer error, closing", zap.String("op", op), zap.Error(err))
	s.setState(Closed)
	return &ConsumerFatalError{Op: op, Err: err}
}

// -----------------------------------------------------------------------------
// state
// -----------------------------------------------------------------------------

func (s *Subscriber) setState(to State) {
	for {
		from := State(s.state.Load())
		if from == to {
			return
		}
		if from == Closed {
			return
		}
		if s.state.CompareAndSwap(int32(from), int32(to)) {
			if s.obs != nil {
				s.obs.OnStateChange(from, to)
			}
			return
		}
	}
}

func (s *Subscriber) updateCommitState(partition int32, fn func(*CommitState)) {
	s.mu.Lock()
	cs, ok := s.commits[partition]
	if !ok {
		cs = &CommitState{-1, -1}
		s.commits[partition] = cs
	}
	fn(cs)
	s.mu.Unlock()
	s.emitCommitState(partition)
}

func (s *Subscriber) emitCommitState(partition int32) {
	if s.obs == nil {
		return
	}
	s.mu.Lock()
	cs, ok := s.commits[partition]
	var snap CommitState
	if ok {
		snap = *cs
	}
	topic := s.topic
	s.mu.Unlock()
	if ok {
		s.obs.OnCommitState(topic, partition, snap)
	}
}
