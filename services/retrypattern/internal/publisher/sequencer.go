package publisher

import (
	"sync"

	"github.com/google/uuid"

	"github.com/YaganovValera/retry-pattern/common/kafka"
)

type streamKey struct {
	topic     string
	partition int32
}

type stream struct {
	epoch int16
	next  int32
}

// Sequencer выдаёт номера последовательности по потокам (topic, partition).
//
// Номер выдаётся один раз на логическую запись и переиспользуется всеми её
// ретраями. После терминальной неудачи поток переходит в новую эпоху и
// нумерация начинается с нуля: пара (epoch, number) никогда не повторяется.
type Sequencer struct {
	producerID string

	mu      sync.Mutex
	streams map[streamKey]*stream
}

// NewSequencer создаёт Sequencer; пустой producerID заменяется на UUID.
func NewSequencer(producerID string) *Sequencer {
	if producerID == "" {
		producerID = uuid.NewString()
	}
	return &Sequencer{producerID: producerID, streams: make(map[streamKey]*stream)}
}

// ProducerID возвращает идентичность продьюсера для дедупликации на брокере.
func (s *Sequencer) ProducerID() string { return s.producerID }

func (s *Sequencer) streamLocked(topic string, partition int32) *stream {
	k := streamKey{topic, partition}
	st, ok := s.streams[k]
	if !ok {
		st = &stream{}
		s.streams[k] = st
	}
	return st
}

// Next резервирует следующий номер потока.
func (s *Sequencer) Next(topic string, partition int32) kafka.Sequence {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streamLocked(topic, partition)
	seq := kafka.Sequence{
		ProducerID: s.producerID,
		Epoch:      st.epoch,
		Partition:  partition,
		Number:     st.next,
	}
	st.next++
	return seq
}

// Last возвращает последний выданный номер текущей эпохи (ok=false, если номеров не было).
func (s *Sequencer) Last(topic string, partition int32) (kafka.Sequence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[streamKey{topic, partition}]
	if !ok || st.next == 0 {
		return kafka.Sequence{}, false
	}
	return kafka.Sequence{
		ProducerID: s.producerID,
		Epoch:      st.epoch,
		Partition:  partition,
		Number:     st.next - 1,
	}, true
}

// Bump открывает новую эпоху потока, если failed принадлежит текущей.
// Повторные вызовы для той же эпохи ничего не меняют. Возвращает true, если эпоха сменилась.
func (s *Sequencer) Bump(topic string, failed kafka.Sequence) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streamLocked(topic, failed.Partition)
	if st.epoch != failed.Epoch {
		return false
	}
	st.epoch++
	st.next = 0
	return true
}
