package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/retry-pattern/common/backoff"
	"github.com/YaganovValera/retry-pattern/common/logger"
)

var tracer = otel.Tracer("redis-client")

// Connect создаёт клиента и проверяет соединение PING-ом с back-off.
func Connect(ctx context.Context, cfg Config, log *logger.Logger) (*goredis.Client, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("redis")

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctxConn, span := tracer.Start(ctx, "Connect", trace.WithAttributes(attribute.String("addr", cfg.Addr)))
	defer span.End()
	op := func(ctx context.Context) error { return client.Ping(ctx).Err() }
	if err := backoff.Execute(ctxConn, cfg.Backoff, log, op); err != nil {
		span.RecordError(err)
		_ = client.Close()
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	log.Info("redis: connected", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return client, nil
}
