package memory

import (
	"sync"

	"github.com/YaganovValera/retry-pattern/common/kafka"
)

// Fault: вид внедряемого сбоя отправки.
type Fault int

const (
	// FaultUnavailable: запрос отклонён до записи (временная ошибка, исход известен).
	FaultUnavailable Fault = iota + 1
	// FaultAckLost: запись сохранена, но ack не дошёл (временная ошибка, исход неизвестен).
	FaultAckLost
	// FaultFatal: невосстановимая ошибка (например, авторизация).
	FaultFatal
)

type produceRule struct {
	match func(kafka.ProduceRequest) bool
	fault Fault
	left  int // <0: бесконечно
}

type faults struct {
	mu          sync.Mutex
	produce     []*produceRule
	pollErrs    []error
	commitErrs  []error
	refuseDials bool
}

// FailProduces внедряет fault для первых times попыток, удовлетворяющих match
// (times < 0: для всех попыток).
func (b *Broker) FailProduces(match func(kafka.ProduceRequest) bool, fault Fault, times int) {
	b.faults.mu.Lock()
	defer b.faults.mu.Unlock()
	b.faults.produce = append(b.faults.produce, &produceRule{match: match, fault: fault, left: times})
}

// FailKey: сокращение FailProduces для конкретного ключа.
func (b *Broker) FailKey(key int64, fault Fault, times int) {
	b.FailProduces(func(r kafka.ProduceRequest) bool { return r.Key == key }, fault, times)
}

// SetUnavailable делает брокер недоступным для всех отправок (down=true) или снимает сбой.
func (b *Broker) SetUnavailable(down bool) {
	b.faults.mu.Lock()
	defer b.faults.mu.Unlock()
	kept := b.faults.produce[:0]
	for _, r := range b.faults.produce {
		if r.left >= 0 {
			kept = append(kept, r)
		}
	}
	b.faults.produce = kept
	if down {
		b.faults.produce = append(b.faults.produce, &produceRule{
			match: func(kafka.ProduceRequest) bool { return true },
			fault: FaultUnavailable,
			left:  -1,
		})
	}
}

// FailPolls ставит в очередь ошибки, которые вернут следующие вызовы Poll.
func (b *Broker) FailPolls(errs ...error) {
	b.faults.mu.Lock()
	defer b.faults.mu.Unlock()
	b.faults.pollErrs = append(b.faults.pollErrs, errs...)
}

// FailCommits ставит в очередь ошибки, которые вернут следующие вызовы Commit.
func (b *Broker) FailCommits(errs ...error) {
	b.faults.mu.Lock()
	defer b.faults.mu.Unlock()
	b.faults.commitErrs = append(b.faults.commitErrs, errs...)
}

// RefuseConnections заставляет New*Conn возвращать ConnectError.
func (b *Broker) RefuseConnections(refuse bool) {
	b.faults.mu.Lock()
	defer b.faults.mu.Unlock()
	b.faults.refuseDials = refuse
}

func (f *faults) nextProduce(req kafka.ProduceRequest) Fault {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.produce {
		if r.left == 0 || !r.match(req) {
			continue
		}
		if r.left > 0 {
			r.left--
		}
		return r.fault
	}
	return 0
}

func (f *faults) nextPoll() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pollErrs) == 0 {
		return nil
	}
	err := f.pollErrs[0]
	f.pollErrs = f.pollErrs[1:]
	return err
}

func (f *faults) nextCommit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.commitErrs) == 0 {
		return nil
	}
	err := f.commitErrs[0]
	f.commitErrs = f.commitErrs[1:]
	return err
}

func (f *faults) refusing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refuseDials
}
