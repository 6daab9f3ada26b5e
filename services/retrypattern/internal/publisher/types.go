package publisher

import (
	"fmt"
	"time"

	"github.com/YaganovValera/retry-pattern/common/backoff"
	"github.com/YaganovValera/retry-pattern/common/kafka"
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config: политика надёжной отправки.
type Config struct {
	Topic string

	// Acks: none | leader | all.
	Acks kafka.Acks

	// MaxRetries, число повторов после первой попытки (0, без повторов).
	MaxRetries int

	// RetryBackoff, пауза перед первым повтором (для fixed, перед каждым).
	RetryBackoff time.Duration

	// BackoffPolicy: fixed | exponential.
	BackoffPolicy backoff.Policy

	// MaxBackoff ограничивает паузу экспоненциальной политики (0: 30×RetryBackoff).
	MaxBackoff time.Duration

	// Idempotent включает дедупликацию ретраев на брокере.
	Idempotent bool

	// DeliveryTimeout, сколько ждать исход одной попытки (0, без ограничения).
	DeliveryTimeout time.Duration
}

// Validate проверяет комбинацию настроек до любого сетевого вызова.
func (c Config) Validate() error {
	switch {
	case c.Topic == "":
		return &kafka.ConfigError{Field: "topic", Reason: "required"}
	case c.Acks != kafka.AcksNone && c.Acks != kafka.AcksLeader && c.Acks != kafka.AcksAll:
		return &kafka.ConfigError{Field: "acks", Reason: fmt.Sprintf("unknown value %d", c.Acks)}
	case c.Idempotent && c.Acks != kafka.AcksAll:
		return &kafka.ConfigError{Field: "acks", Reason: fmt.Sprintf("idempotent producer requires acks=all, got %s", c.Acks)}
	case c.MaxRetries < 0:
		return &kafka.ConfigError{Field: "max_retries", Reason: "must be >= 0"}
	case c.RetryBackoff <= 0:
		return &kafka.ConfigError{Field: "retry_backoff", Reason: "must be > 0"}
	case c.MaxBackoff < 0:
		return &kafka.ConfigError{Field: "max_backoff", Reason: "must be >= 0"}
	case c.DeliveryTimeout < 0:
		return &kafka.ConfigError{Field: "delivery_timeout", Reason: "must be >= 0"}
	}
	if _, err := backoff.ParsePolicy(string(c.BackoffPolicy)); err != nil {
		return &kafka.ConfigError{Field: "backoff_policy", Reason: err.Error()}
	}
	return nil
}

func (c Config) retryPolicy() backoff.Config {
	policy, _ := backoff.ParsePolicy(string(c.BackoffPolicy))
	maxInterval := c.MaxBackoff
	if maxInterval <= 0 {
		maxInterval = 30 * c.RetryBackoff
	}
	return backoff.Config{
		Policy:              policy,
		InitialInterval:     c.RetryBackoff,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         maxInterval,
		MaxAttempts:         c.MaxRetries + 1,
	}
}

// -----------------------------------------------------------------------------
// Records & reports
// -----------------------------------------------------------------------------

// Record: исходящая запись. Partition задаёт раздел явно; Offset
// заполняется только у записей, прочитанных из лога.
type Record struct {
	Key       int64
	Value     string
	Partition *int32
	Offset    *int64
}

// Status: терминальный исход отправки.
type Status int

const (
	// NotPersisted: брокер точно не сохранил запись.
	NotPersisted Status = iota
	// PossiblyPersisted: исход неизвестен (ack не получен или acks=none).
	PossiblyPersisted
	// Persisted: брокер подтвердил запись.
	Persisted
)

func (s Status) String() string {
	switch s {
	case Persisted:
		return "persisted"
	case PossiblyPersisted:
		return "possibly_persisted"
	default:
		return "not_persisted"
	}
}

// DeliveryReport: один отчёт на вызов Send (не на попытку).
type DeliveryReport struct {
	Record    Record
	Status    Status
	Partition int32
	Offset    int64 // -1, если брокер не сообщил offset
	Err       error
	Attempts  int
	Sequence  kafka.Sequence
	Duplicate bool // ретрай распознан брокером как уже записанный
}

// PermanentProduceError: повторы исчерпаны или ошибка неповторяемая.
// Record возвращается без изменений для ручной повторной отправки.
type PermanentProduceError struct {
	Record   Record
	Attempts int
	Err      error
}

func (e *PermanentProduceError) Error() string {
	return fmt.Sprintf("publisher: key %d not delivered after %d attempt(s): %v", e.Record.Key, e.Attempts, e.Err)
}
func (e *PermanentProduceError) Unwrap() error { return e.Err }
