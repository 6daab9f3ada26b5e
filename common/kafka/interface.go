// common/kafka/interface.go
//
// Пакет kafka задаёт узкий контракт клиента брокера, которым пользуется
// надёжное ядро (publisher / subscriber). Реализации: sarama-адаптеры
// (common/kafka/producer, common/kafka/consumer) и симулятор common/kafka/memory.
package kafka

import (
	"context"
	"encoding/binary"
	"time"
)

// Acks — стратегия подтверждения записи брокером.
type Acks int8

const (
	AcksNone   Acks = 0  // без подтверждения
	AcksLeader Acks = 1  // подтверждает только лидер
	AcksAll    Acks = -1 // подтверждают все in-sync реплики
)

func (a Acks) String() string {
	switch a {
	case AcksNone:
		return "none"
	case AcksLeader:
		return "leader"
	case AcksAll:
		return "all"
	default:
		return "unknown"
	}
}

// Sequence — идентичность одной логической записи для дедупликации на брокере.
// Number монотонно растёт внутри (Topic, Partition) и не меняется между ретраями.
type Sequence struct {
	ProducerID string
	Epoch      int16
	Partition  int32
	Number     int32
}

// ProduceRequest — одна попытка отправки.
type ProduceRequest struct {
	Topic    string
	Key      int64
	Value    string
	Sequence Sequence
	Acks     Acks
	Attempt  int // 1-based, только для логов/метрик
}

// DeliveryOutcome — результат одной попытки, разрешается ровно один раз.
type DeliveryOutcome struct {
	Partition int32
	Offset    int64 // -1, если брокер не сообщил offset (acks=none)
	Duplicate bool  // брокер распознал повтор уже записанной последовательности
	Err       error
}

// ConsumedRecord — запись, полученная из лога.
type ConsumedRecord struct {
	Key        int64
	Value      string
	Topic      string
	Partition  int32
	Offset     int64
	ReceivedAt time.Time
}

// PartitionOffset — назначенный раздел и последний закоммиченный offset записи
// (-1, если коммитов не было).
type PartitionOffset struct {
	Partition int32
	Committed int64
}

// ProducerConn — сторона отправки BrokerClient.
type ProducerConn interface {
	// Partitions возвращает список разделов топика.
	Partitions(ctx context.Context, topic string) ([]int32, error)
	// Produce неблокирующе отправляет попытку; канал получит ровно один DeliveryOutcome.
	Produce(ctx context.Context, req ProduceRequest) <-chan DeliveryOutcome
	// Ping проверяет достижимость кластера.
	Ping(ctx context.Context) error
	Close() error
}

// InternalRetrier реализуют соединения, которые сами повторяют попытку с тем же
// номером последовательности (идемпотентный продьюсер sarama). Новая попытка
// поверх такого соединения получила бы новый номер и могла бы записать дубль,
// поэтому ошибка Produce у него окончательная.
type InternalRetrier interface {
	RetriesInternally() bool
}

// ConsumerConn — сторона чтения BrokerClient.
//
//	Poll возвращает (nil, nil), если за timeout ничего не пришло.
//	StoreOffset помечает запись «готовой к коммиту» только локально.
//	Commit фиксирует сохранённый offset на брокере.
//	Seek перематывает раздел так, что следующий Poll вернёт запись с offset.
type ConsumerConn interface {
	Subscribe(ctx context.Context, topic string) ([]PartitionOffset, error)
	Poll(ctx context.Context, timeout time.Duration) (*ConsumedRecord, error)
	StoreOffset(rec *ConsumedRecord) error
	Commit(ctx context.Context, rec *ConsumedRecord) error
	Seek(ctx context.Context, topic string, partition int32, offset int64) error
	Close() error
}

// -----------------------------------------------------------------------------
// Serialization (совместимо с Int64/Utf8 сериализаторами Confluent)
// -----------------------------------------------------------------------------

// EncodeKey кодирует ключ в 8 байт big-endian.
func EncodeKey(key int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(key))
	return b
}

// DecodeKey — обратное EncodeKey; ключ другой длины считается ошибкой формата.
func DecodeKey(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, &FormatError{Field: "key", Len: len(b)}
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}
