package shutdown

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/YaganovValera/retry-pattern/common/logger"
)

func TestOnSignalCancels(t *testing.T) {
	ctx, cancel := OnSignal(context.Background(), logger.NewNop())
	defer cancel()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled by SIGTERM")
	}
}

func TestWithTimeoutPassesDeadline(t *testing.T) {
	var called bool
	WithTimeout("tracer", time.Second, func(ctx context.Context) error {
		called = true
		if _, ok := ctx.Deadline(); !ok {
			t.Error("no deadline")
		}
		return errors.New("flush failed")
	}, logger.NewNop())
	if !called {
		t.Fatal("fn not called")
	}
}
