// Package shutdown: отмена по сигналам и упорядоченное закрытие ресурсов.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/retry-pattern/common/logger"
)

// OnSignal возвращает контекст, отменяемый первым SIGINT/SIGTERM.
// Повторный сигнал не перехватывается: процесс завершится сразу.
func OnSignal(parent context.Context, log *logger.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			log.Info("shutdown: signal received", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Close вызывает fn и логирует результат под именем name.
func Close(name string, fn func() error, log *logger.Logger) {
	log.Info("shutdown: closing " + name)
	if err := fn(); err != nil {
		log.Error("shutdown: "+name+" close error", zap.Error(err))
		return
	}
	log.Info("shutdown: " + name + " closed")
}

// WithTimeout выполняет fn с собственным таймаутом: родительский контекст
// к этому моменту обычно уже отменён.
func WithTimeout(name string, timeout time.Duration, fn func(ctx context.Context) error, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	Close(name, func() error { return fn(ctx) }, log)
}
