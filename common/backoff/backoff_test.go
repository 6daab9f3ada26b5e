package backoff_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/YaganovValera/retry-pattern/common/backoff"
	"github.com/YaganovValera/retry-pattern/common/logger"
)

func TestExecute_SuccessFirstAttempt(t *testing.T) {
	cfg := backoff.Config{MaxElapsedTime: time.Second}
	called := 0
	err := backoff.Execute(context.Background(), cfg, logger.NewNop(), func(ctx context.Context) error {
		called++
		return nil
	})
	if err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
	if called != 1 {
		t.Errorf("expected 1 attempt, got %d", called)
	}
}

func TestExecute_EventualSuccess(t *testing.T) {
	cfg := backoff.Config{InitialInterval: time.Millisecond, Multiplier: 1, MaxElapsedTime: time.Second}
	attemptsBeforeSuccess := 3
	called := 0
	err := backoff.Execute(context.Background(), cfg, logger.NewNop(), func(ctx context.Context) error {
		called++
		if called < attemptsBeforeSuccess {
			return errors.New("fail")
		}
		return nil
	})
	if err != nil {
		t.Errorf("expected success, got %v", err)
	}
	if called != attemptsBeforeSuccess {
		t.Errorf("expected %d attempts, got %d", attemptsBeforeSuccess, called)
	}
}

func TestExecute_MaxAttempts(t *testing.T) {
	for _, policy := range []backoff.Policy{backoff.PolicyFixed, backoff.PolicyExponential} {
		t.Run(string(policy), func(t *testing.T) {
			cfg := backoff.Config{Policy: policy, InitialInterval: time.Millisecond, Multiplier: 1, MaxAttempts: 4}
			called := 0
			err := backoff.Execute(context.Background(), cfg, logger.NewNop(), func(ctx context.Context) error {
				called++
				return errors.New("always fail")
			})
			var maxErr *backoff.ErrMaxRetries
			if !errors.As(err, &maxErr) {
				t.Fatalf("expected ErrMaxRetries, got %v", err)
			}
			if called != 4 || maxErr.Attempts != 4 {
				t.Errorf("attempts: called=%d reported=%d, want 4", called, maxErr.Attempts)
			}
		})
	}
}

func TestExecute_SingleAttempt(t *testing.T) {
	cfg := backoff.Config{Policy: backoff.PolicyFixed, InitialInterval: time.Millisecond, MaxAttempts: 1}
	called := 0
	err := backoff.Execute(context.Background(), cfg, logger.NewNop(), func(ctx context.Context) error {
		called++
		return errors.New("boom")
	})
	if err == nil || called != 1 {
		t.Fatalf("expected a single failed attempt, got called=%d err=%v", called, err)
	}
}

func TestExecute_PermanentStops(t *testing.T) {
	sentinel := errors.New("not retryable")
	cfg := backoff.Config{Policy: backoff.PolicyFixed, InitialInterval: time.Millisecond, MaxAttempts: 10}
	called := 0
	err := backoff.Execute(context.Background(), cfg, logger.NewNop(), func(ctx context.Context) error {
		called++
		return backoff.Permanent(sentinel)
	})
	if called != 1 {
		t.Errorf("permanent error must not be retried, called=%d", called)
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("expected wrapped sentinel, got %v", err)
	}
}

func TestExecute_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := backoff.Config{Policy: backoff.PolicyFixed, InitialInterval: 50 * time.Millisecond}
	called := 0
	err := backoff.Execute(ctx, cfg, logger.NewNop(), func(ctx context.Context) error {
		called++
		cancel()
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if called != 1 {
		t.Errorf("expected 1 attempt before cancellation, got %d", called)
	}
}

func TestParsePolicy(t *testing.T) {
	cases := []struct {
		in      string
		want    backoff.Policy
		wantErr bool
	}{
		{"", backoff.PolicyExponential, false},
		{"Exponential", backoff.PolicyExponential, false},
		{"FIXED", backoff.PolicyFixed, false},
		{"linear", "", true},
	}
	for _, c := range cases {
		got, err := backoff.ParsePolicy(c.in)
		if (err != nil) != c.wantErr {
			t.Errorf("ParsePolicy(%q) err=%v, wantErr=%v", c.in, err, c.wantErr)
		}
		if got != c.want {
			t.Errorf("ParsePolicy(%q)=%q, want %q", c.in, got, c.want)
		}
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	if _, err := backoff.New(backoff.Config{Policy: "bogus"}); err == nil {
		t.Error("expected error for unknown policy")
	}
	if _, err := backoff.New(backoff.Config{MaxAttempts: -1}); err == nil {
		t.Error("expected error for negative MaxAttempts")
	}
}
