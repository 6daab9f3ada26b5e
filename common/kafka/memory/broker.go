// Package memory: внутрипроцессный брокер с партиционированным логом.
//
// Поведение повторяет контракт Kafka, на который опирается ядро:
//   - идемпотентная запись: (ProducerID, Partition, Number) пишется не более
//     одного раза, повтор возвращает исходный offset, разрыв в нумерации
//     отклоняется как временная ошибка out-of-order;
//   - committed offsets хранятся на стороне брокера по consumer group;
//   - участник, не вызвавший Poll дольше max-poll-interval, исключается.
//
// Дополнительно поддерживается внедрение сбоев для тестов.
package memory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/YaganovValera/retry-pattern/common/kafka"
)

var (
	// ErrUnknownTopic: топик не существует (или удалён).
	ErrUnknownTopic = errors.New("memory: unknown topic or partition")
	// ErrBrokerUnavailable: брокер временно недоступен.
	ErrBrokerUnavailable = errors.New("memory: broker not available")
	// ErrOutOfOrderSequence: пропуск в нумерации идемпотентного продьюсера.
	ErrOutOfOrderSequence = errors.New("memory: out of order sequence number")
	// ErrAckLost: запись принята, но подтверждение потерялось в сети.
	ErrAckLost = errors.New("memory: connection dropped before acknowledgement")
	// ErrAuthorization: доступ запрещён.
	ErrAuthorization = errors.New("memory: authorization failed")
	// ErrFencedEpoch: запрос от устаревшей эпохи продьюсера.
	ErrFencedEpoch = errors.New("memory: invalid producer epoch")
)

// Entry: одна запись в логе раздела.
type Entry struct {
	Offset   int64
	Key      int64
	Value    string
	Sequence kafka.Sequence
}

type producerState struct {
	epoch   int16
	lastSeq int32
	offsets map[int32]int64
}

type partition struct {
	log       []Entry
	producers map[string]*producerState
}

type topic struct {
	partitions []*partition
}

// Broker: симулятор кластера из одного узла.
type Broker struct {
	addr string

	mu        sync.Mutex
	topics    map[string]*topic
	committed map[string]map[string]map[int32]int64 // group → topic → partition → offset записи
	appended  chan struct{}
	faults    faults
}

// NewBroker создаёт брокер, доступный по адресу addr.
func NewBroker(addr string) *Broker {
	return &Broker{
		addr:      addr,
		topics:    make(map[string]*topic),
		committed: make(map[string]map[string]map[int32]int64),
		appended:  make(chan struct{}),
	}
}

// Addr возвращает bootstrap-адрес брокера.
func (b *Broker) Addr() string { return b.addr }

// CreateTopic создаёт топик с n разделами (повторный вызов ничего не меняет).
func (b *Broker) CreateTopic(name string, n int) {
	if n <= 0 {
		n = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[name]; ok {
		return
	}
	t := &topic{partitions: make([]*partition, n)}
	for i := range t.partitions {
		t.partitions[i] = &partition{producers: make(map[string]*producerState)}
	}
	b.topics[name] = t
}

// DeleteTopic удаляет топик; активные потребители получат фатальную ошибку.
func (b *Broker) DeleteTopic(name string) {
	b.mu.Lock()
	delete(b.topics, name)
	b.signalLocked()
	b.mu.Unlock()
}

// Records возвращает копию лога раздела.
func (b *Broker) Records(topicName string, p int32) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	part, err := b.partitionLocked(topicName, p)
	if err != nil {
		return nil
	}
	out := make([]Entry, len(part.log))
	copy(out, part.log)
	return out
}

// Committed возвращает закоммиченный offset записи для группы (-1: нет коммитов).
func (b *Broker) Committed(group, topicName string, p int32) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.committedLocked(group, topicName, p)
}

func (b *Broker) committedLocked(group, topicName string, p int32) int64 {
	if off, ok := b.committed[group][topicName][p]; ok {
		return off
	}
	return -1
}

func (b *Broker) commitLocked(group, topicName string, p int32, offset int64) {
	byTopic, ok := b.committed[group]
	if !ok {
		byTopic = make(map[string]map[int32]int64)
		b.committed[group] = byTopic
	}
	byPart, ok := byTopic[topicName]
	if !ok {
		byPart = make(map[int32]int64)
		byTopic[topicName] = byPart
	}
	if cur, ok := byPart[p]; !ok || offset > cur {
		byPart[p] = offset
	}
}

func (b *Broker) partitionsLocked(topicName string) ([]int32, error) {
	t, ok := b.topics[topicName]
	if !ok {
		return nil, ErrUnknownTopic
	}
	ids := make([]int32, len(t.partitions))
	for i := range ids {
		ids[i] = int32(i)
	}
	return ids, nil
}

func (b *Broker) partitionLocked(topicName string, p int32) (*partition, error) {
	t, ok := b.topics[topicName]
	if !ok || p < 0 || int(p) >= len(t.partitions) {
		return nil, ErrUnknownTopic
	}
	return t.partitions[p], nil
}

// signalLocked будит всех ожидающих Poll.
func (b *Broker) signalLocked() {
	close(b.appended)
	b.appended = make(chan struct{})
}

// appendLocked реализует идемпотентную запись. Возвращает offset и признак дубликата.
func (b *Broker) appendLocked(req kafka.ProduceRequest) (int64, bool, error) {
	part, err := b.partitionLocked(req.Topic, req.Sequence.Partition)
	if err != nil {
		return -1, false, err
	}

	var st *producerState
	if req.Sequence.ProducerID != "" {
		st = part.producers[req.Sequence.ProducerID]
		switch {
		case st == nil || req.Sequence.Epoch > st.epoch:
			// каждая эпоха нумерует записи с нуля
			st = &producerState{epoch: req.Sequence.Epoch, lastSeq: -1, offsets: make(map[int32]int64)}
			part.producers[req.Sequence.ProducerID] = st
		case req.Sequence.Epoch < st.epoch:
			return -1, false, ErrFencedEpoch
		}
		n := req.Sequence.Number
		if n <= st.lastSeq {
			if off, ok := st.offsets[n]; ok {
				return off, true, nil
			}
			return -1, false, fmt.Errorf("%w: %d already superseded", ErrOutOfOrderSequence, n)
		}
		if n != st.lastSeq+1 {
			return -1, false, fmt.Errorf("%w: expected %d, got %d", ErrOutOfOrderSequence, st.lastSeq+1, n)
		}
	}

	off := int64(len(part.log))
	part.log = append(part.log, Entry{
		Offset:   off,
		Key:      req.Key,
		Value:    req.Value,
		Sequence: req.Sequence,
	})
	if st != nil {
		st.lastSeq = req.Sequence.Number
		st.offsets[req.Sequence.Number] = off
	}
	b.signalLocked()
	return off, false, nil
}
