package kafka

import (
	"errors"
	"fmt"
	"hash/fnv"
)

// -----------------------------------------------------------------------------
// Sentinels
// -----------------------------------------------------------------------------

var (
	// ErrSessionExpired — брокер исключил участника группы: между двумя Poll
	// прошло больше max-poll-interval. Незакоммиченные позиции откатываются.
	ErrSessionExpired = errors.New("kafka: consumer session expired (max poll interval exceeded)")

	// ErrClosed — операция над закрытым соединением.
	ErrClosed = errors.New("kafka: connection closed")

	// ErrNotSubscribed — Poll/Commit до Subscribe.
	ErrNotSubscribed = errors.New("kafka: not subscribed")
)

// -----------------------------------------------------------------------------
// Taxonomy
// -----------------------------------------------------------------------------

// TransientBrokerError — временный сбой (брокер недоступен, идут выборы лидера…).
// Ambiguous=true означает, что запрос мог дойти до брокера, но ack не получен.
type TransientBrokerError struct {
	Op        string
	Err       error
	Ambiguous bool
}

func (e *TransientBrokerError) Error() string {
	if e.Ambiguous {
		return fmt.Sprintf("kafka %s: transient (outcome unknown): %v", e.Op, e.Err)
	}
	return fmt.Sprintf("kafka %s: transient: %v", e.Op, e.Err)
}
func (e *TransientBrokerError) Unwrap() error { return e.Err }

// FatalBrokerError — невосстановимая ошибка (auth, удалённый топик…).
type FatalBrokerError struct {
	Op  string
	Err error
}

func (e *FatalBrokerError) Error() string { return fmt.Sprintf("kafka %s: fatal: %v", e.Op, e.Err) }
func (e *FatalBrokerError) Unwrap() error { return e.Err }

// ConfigError — недопустимая комбинация настроек; возвращается до любого сетевого вызова.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("kafka config: %s: %s", e.Field, e.Reason)
}

// ConnectError — не удалось подключиться к bootstrap-адресу.
type ConnectError struct {
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("kafka connect %s: %v", e.Address, e.Err)
}
func (e *ConnectError) Unwrap() error { return e.Err }

// FormatError — запись не соответствует формату ключа/значения.
type FormatError struct {
	Field string
	Len   int
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("kafka: malformed %s (%d bytes)", e.Field, e.Len)
}

// -----------------------------------------------------------------------------
// Classification
// -----------------------------------------------------------------------------

// Transient оборачивает err как временную ошибку операции op.
func Transient(op string, err error) error { return &TransientBrokerError{Op: op, Err: err} }

// Ambiguous оборачивает err как временную ошибку с неизвестным исходом.
func Ambiguous(op string, err error) error {
	return &TransientBrokerError{Op: op, Err: err, Ambiguous: true}
}

// Fatal оборачивает err как невосстановимую ошибку операции op.
func Fatal(op string, err error) error { return &FatalBrokerError{Op: op, Err: err} }

// IsTransient сообщает, стоит ли повторять операцию.
func IsTransient(err error) bool {
	var t *TransientBrokerError
	return errors.As(err, &t)
}

// IsAmbiguous сообщает, что запись могла быть сохранена несмотря на ошибку.
func IsAmbiguous(err error) bool {
	var t *TransientBrokerError
	return errors.As(err, &t) && t.Ambiguous
}

// IsFatal сообщает о невосстановимой ошибке.
func IsFatal(err error) bool {
	var f *FatalBrokerError
	return errors.As(err, &f)
}

// -----------------------------------------------------------------------------
// Partitioning
// -----------------------------------------------------------------------------

// PartitionFor выбирает раздел по ключу так же, как hash-partitioner sarama
// (FNV-1a от закодированного ключа).
func PartitionFor(key int64, partitions []int32) int32 {
	if len(partitions) == 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write(EncodeKey(key))
	idx := int32(h.Sum32()) % int32(len(partitions))
	if idx < 0 {
		idx = -idx
	}
	return partitions[idx]
}
