// services/retrypattern/internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/YaganovValera/retry-pattern/common"
	"github.com/YaganovValera/retry-pattern/common/backoff"
	"github.com/YaganovValera/retry-pattern/common/httpserver"
	"github.com/YaganovValera/retry-pattern/common/kafka"
	"github.com/YaganovValera/retry-pattern/common/kafka/memory"
	"github.com/YaganovValera/retry-pattern/common/logger"
	"github.com/YaganovValera/retry-pattern/common/redis"
	"github.com/YaganovValera/retry-pattern/common/shutdown"
	"github.com/YaganovValera/retry-pattern/common/telemetry"
	"github.com/YaganovValera/retry-pattern/services/retrypattern/internal/config"
	"github.com/YaganovValera/retry-pattern/services/retrypattern/internal/metrics"
	"github.com/YaganovValera/retry-pattern/services/retrypattern/internal/parking"
	"github.com/YaganovValera/retry-pattern/services/retrypattern/internal/publisher"
	"github.com/YaganovValera/retry-pattern/services/retrypattern/internal/subscriber"
)

// Option настраивает Run (используется в тестах и для встроенного брокера).
type Option func(*options)

type options struct {
	broker *memory.Broker
	now    func() time.Time
}

// WithBroker подставляет готовый memory-брокер вместо нового (driver=memory).
func WithBroker(b *memory.Broker) Option { return func(o *options) { o.broker = b } }

// WithClock задаёт источник времени для ключей и значений записей.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// runner: собранный режим работы: цикл, readiness, отчёт для /stats и
// ресурсы, закрываемые в обратном порядке.
type runner struct {
	run     func(ctx context.Context) error
	ready   httpserver.ReadyChecker
	report  func() statusReport
	closers []namedCloser
}

type namedCloser struct {
	name string
	fn   func() error
}

// Run собирает зависимости и выполняет режим cfg.Mode до его завершения
// (produce) или до отмены ctx (consume).
func Run(ctx context.Context, cfg *config.Config, log *logger.Logger, opts ...Option) error {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	common.InitServiceName(cfg.ServiceName)
	metrics.Register(nil)

	// Трассировка
	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Insecure:       cfg.Telemetry.Insecure,
		SamplerRatio:   cfg.Telemetry.SamplerRatio,
	}, log)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdown.WithTimeout("telemetry", 5*time.Second, shutdownTracer, log)

	conns, err := newConnector(cfg, o.broker, log)
	if err != nil {
		return err
	}

	var r *runner
	switch cfg.Mode {
	case "produce":
		r, err = setupProducer(ctx, cfg, conns, o, log)
	case "consume":
		r, err = setupConsumer(ctx, cfg, conns, log)
	default:
		err = fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	if err != nil {
		return err
	}
	defer func() {
		for i := len(r.closers) - 1; i >= 0; i-- {
			shutdown.Close(r.closers[i].name, r.closers[i].fn, log)
		}
	}()

	// HTTP
	httpSrv, err := httpserver.New(httpserver.Config{
		Addr:            fmt.Sprintf(":%d", cfg.HTTP.Port),
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		IdleTimeout:     cfg.HTTP.IdleTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		MetricsPath:     cfg.HTTP.MetricsPath,
		HealthzPath:     cfg.HTTP.HealthzPath,
		ReadyzPath:      cfg.HTTP.ReadyzPath,
		Routes:          map[string]http.Handler{StatsPath: statusHandler(r.report)},
	}, r.ready, log)
	if err != nil {
		return fmt.Errorf("httpserver init: %w", err)
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return httpSrv.Start(gctx) })
	g.Go(func() error {
		if err := r.run(gctx); err != nil {
			return err
		}
		// цикл завершился сам (produce): останавливаем HTTP
		stop()
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.WithContext(ctx).Info("retrypattern stopped", zap.String("mode", cfg.Mode))
	return nil
}

// -----------------------------------------------------------------------------
// produce
// -----------------------------------------------------------------------------

func publisherConfig(k config.KafkaConfig) (publisher.Config, error) {
	acks, err := kafka.ParseAcks(k.Acks)
	if err != nil {
		return publisher.Config{}, err
	}
	policy, err := backoff.ParsePolicy(k.BackoffPolicy)
	if err != nil {
		return publisher.Config{}, err
	}
	pc := publisher.Config{
		Topic:           k.Topic,
		Acks:            acks,
		MaxRetries:      k.MaxRetries,
		RetryBackoff:    k.RetryBackoff,
		BackoffPolicy:   policy,
		MaxBackoff:      k.MaxBackoff,
		Idempotent:      k.Idempotent,
		DeliveryTimeout: k.DeliveryTimeout,
	}
	return pc, pc.Validate()
}

func setupProducer(ctx context.Context, cfg *config.Config, conns connector, o options, log *logger.Logger) (*runner, error) {
	// настройки проверяются до подключения к брокеру
	pcfg, err := publisherConfig(cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("publisher config: %w", err)
	}

	conn, err := conns.ProducerConn(ctx)
	if err != nil {
		return nil, fmt.Errorf("kafka producer init: %w", err)
	}
	pub, err := publisher.New(conn, pcfg, log, publisher.WithSequencer(publisher.NewSequencer(cfg.Kafka.ProducerID)))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	lot, err := newParkingLot(ctx, cfg.Parking, log)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("parking init: %w", err)
	}

	ap := &alphabetProducer{
		pub:      pub,
		lot:      lot,
		total:    cfg.Producer.MessageCount,
		interval: cfg.Producer.SendInterval,
		now:      o.now,
		log:      log.Named("alphabet"),
	}

	return &runner{
		run: func(ctx context.Context) error {
			sum, err := ap.Run(ctx)
			log.WithContext(ctx).Info("alphabet producer finished",
				zap.Int("sent", sum.Sent),
				zap.Int("persisted", sum.Persisted),
				zap.Int("possibly_persisted", sum.PossiblyPersisted),
				zap.Int("not_persisted", sum.NotPersisted),
			)
			return err
		},
		ready: func() error { return conn.Ping(ctx) },
		report: func() statusReport {
			sum := ap.Summary()
			return statusReport{Mode: cfg.Mode, ProducerID: pub.Sequencer().ProducerID(), Produced: &sum}
		},
		closers: []namedCloser{
			{"kafka-publisher", pub.Close},
			{"parking", lot.Close},
		},
	}, nil
}

func newParkingLot(ctx context.Context, pc config.ParkingConfig, log *logger.Logger) (parking.Lot, error) {
	if !pc.Enabled {
		return parking.NewLogLot(log), nil
	}
	lot, err := parking.New(ctx, parking.Config{
		Redis: redis.Config{
			Addr:     pc.Addr,
			Password: pc.Password,
			DB:       pc.DB,
			Backoff:  pc.Backoff,
		},
		Key: pc.Key,
	}, log)
	if err != nil {
		return nil, err
	}
	return lot, nil
}

// -----------------------------------------------------------------------------
// consume
// -----------------------------------------------------------------------------

func setupConsumer(ctx context.Context, cfg *config.Config, conns connector, log *logger.Logger) (*runner, error) {
	scfg := subscriber.Config{
		PollTimeout:     cfg.Kafka.PollTimeout,
		MaxPollInterval: cfg.Kafka.MaxPollInterval,
	}
	if err := scfg.Validate(); err != nil {
		return nil, fmt.Errorf("subscriber config: %w", err)
	}

	conn, err := conns.ConsumerConn(ctx)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer init: %w", err)
	}
	sub, err := subscriber.New(conn, scfg, log)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := sub.Subscribe(ctx, cfg.Kafka.Topic); err != nil {
		_ = sub.Close()
		return nil, err
	}

	handler := processingHandler(cfg.Consumer.ProcessingDelay, log.Named("handler"))
	return &runner{
		run: func(ctx context.Context) error { return sub.Run(ctx, handler) },
		ready: func() error {
			if st := sub.State(); st == subscriber.Closed || st == subscriber.Idle {
				return fmt.Errorf("subscriber is %s", st)
			}
			return nil
		},
		report: func() statusReport {
			stats := sub.Stats()
			return statusReport{Mode: cfg.Mode, State: sub.State().String(), Consumed: &stats}
		},
		closers: []namedCloser{{"kafka-subscriber", sub.Close}},
	}, nil
}
