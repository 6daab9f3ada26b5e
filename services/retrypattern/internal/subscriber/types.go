package subscriber

import (
	"context"
	"fmt"
	"time"

	"github.com/YaganovValera/retry-pattern/common/backoff"
	"github.com/YaganovValera/retry-pattern/common/kafka"
)

// State: состояние poll-цикла.
type State int32

const (
	Idle State = iota
	Subscribed
	Polling
	Processing
	Committing
	Closed // терминальное
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Subscribed:
		return "subscribed"
	case Polling:
		return "polling"
	case Processing:
		return "processing"
	case Committing:
		return "committing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handler обрабатывает одну запись. Ошибка (или паника) означает, что запись
// не обработана и будет доставлена повторно.
type Handler func(ctx context.Context, rec *kafka.ConsumedRecord) error

// Config: параметры poll-цикла.
type Config struct {
	// PollTimeout: ожидание одной записи; строго меньше MaxPollInterval.
	PollTimeout time.Duration
	// MaxPollInterval: допустимый брокером промежуток между вызовами Poll.
	MaxPollInterval time.Duration
	// RewindBackoff: ретраи seek после ошибки обработчика. Нулевое значение:
	// экспонента от 50ms с потолком PollTimeout, не дольше MaxPollInterval.
	RewindBackoff backoff.Config
}

// Validate проверяет настройки до подключения.
func (c Config) Validate() error {
	switch {
	case c.PollTimeout <= 0:
		return &kafka.ConfigError{Field: "poll_timeout", Reason: "must be > 0"}
	case c.MaxPollInterval <= 0:
		return &kafka.ConfigError{Field: "max_poll_interval", Reason: "must be > 0"}
	case c.PollTimeout >= c.MaxPollInterval:
		return &kafka.ConfigError{
			Field:  "poll_timeout",
			Reason: fmt.Sprintf("%s must be less than max_poll_interval %s", c.PollTimeout, c.MaxPollInterval),
		}
	}
	return nil
}

func (c Config) rewindPolicy() backoff.Config {
	bc := c.RewindBackoff
	if bc.InitialInterval <= 0 {
		bc.InitialInterval = 50 * time.Millisecond
	}
	if bc.MaxInterval <= 0 {
		bc.MaxInterval = c.PollTimeout
	}
	if bc.MaxElapsedTime <= 0 && bc.MaxAttempts == 0 {
		// дольше участника всё равно исключат из группы
		bc.MaxElapsedTime = c.MaxPollInterval
	}
	return bc
}

// handlerBudget: сколько может длиться обработчик, чтобы следующий Poll
// успел до MaxPollInterval.
func (c Config) handlerBudget() time.Duration {
	return c.MaxPollInterval - c.PollTimeout
}

// CommitState: локальное представление offsets раздела.
// Инвариант: LastCommittedOffset <= LastStoredOffset; -1: ничего нет.
type CommitState struct {
	LastStoredOffset    int64
	LastCommittedOffset int64
}

// Observer получает переходы состояний и снимки CommitState.
// Вызывается из goroutine цикла и не должен блокировать.
type Observer interface {
	OnStateChange(from, to State)
	OnCommitState(topic string, partition int32, cs CommitState)
}

// Stats: счётчики цикла с момента создания.
type Stats struct {
	Processed       uint64 `json:"processed"`
	HandlerErrors   uint64 `json:"handler_errors"`
	PollErrors      uint64 `json:"poll_errors"`
	CommitErrors    uint64 `json:"commit_errors"`
	SessionTimeouts uint64 `json:"session_timeouts"`
	SlowHandlers    uint64 `json:"slow_handlers"`
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// SubscriptionError: топик недоступен при подписке.
type SubscriptionError struct {
	Topic string
	Err   error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscriber: subscribe %q: %v", e.Topic, e.Err)
}
func (e *SubscriptionError) Unwrap() error { return e.Err }

// ConsumerFatalError: невосстановимая ошибка; подписчик закрыт.
type ConsumerFatalError struct {
	Op  string
	Err error
}

func (e *ConsumerFatalError) Error() string {
	return fmt.Sprintf("subscriber: fatal %s: %v", e.Op, e.Err)
}
func (e *ConsumerFatalError) Unwrap() error { return e.Err }
