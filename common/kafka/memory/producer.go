package memory

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/YaganovValera/retry-pattern/common/kafka"
)

// ProducerConn: сторона отправки, подключённая к Broker.
type ProducerConn struct {
	b       *Broker
	latency time.Duration
	closed  atomic.Bool
}

var _ kafka.ProducerConn = (*ProducerConn)(nil)

// NewProducerConn «подключается» к брокеру по bootstrap-адресу.
// latency: искусственная задержка ответа на каждую попытку.
func (b *Broker) NewProducerConn(_ context.Context, bootstrap string, latency time.Duration) (*ProducerConn, error) {
	if err := b.dial(bootstrap); err != nil {
		return nil, err
	}
	return &ProducerConn{b: b, latency: latency}, nil
}

func (b *Broker) dial(bootstrap string) error {
	if bootstrap != b.addr {
		return &kafka.ConnectError{Address: bootstrap, Err: errors.New("memory: no broker at address")}
	}
	if b.faults.refusing() {
		return &kafka.ConnectError{Address: bootstrap, Err: ErrBrokerUnavailable}
	}
	return nil
}

// Partitions implements kafka.ProducerConn.
func (c *ProducerConn) Partitions(_ context.Context, topicName string) ([]int32, error) {
	if c.closed.Load() {
		return nil, kafka.ErrClosed
	}
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	ids, err := c.b.partitionsLocked(topicName)
	if err != nil {
		return nil, kafka.Fatal("metadata", err)
	}
	return ids, nil
}

// Produce implements kafka.ProducerConn.
func (c *ProducerConn) Produce(ctx context.Context, req kafka.ProduceRequest) <-chan kafka.DeliveryOutcome {
	out := make(chan kafka.DeliveryOutcome, 1)
	if c.closed.Load() {
		out <- kafka.DeliveryOutcome{Partition: req.Sequence.Partition, Offset: -1, Err: kafka.ErrClosed}
		return out
	}

	// запись применяется в порядке вызова Produce, как на одном TCP-соединении
	fault := c.b.faults.nextProduce(req)
	res, err := c.apply(req, fault)
	go func() {
		out <- c.respond(ctx, req, fault, res, err)
	}()
	return out
}

func (c *ProducerConn) apply(req kafka.ProduceRequest, fault Fault) (kafka.DeliveryOutcome, error) {
	res := kafka.DeliveryOutcome{Partition: req.Sequence.Partition, Offset: -1}
	switch fault {
	case FaultUnavailable:
		res.Err = kafka.Transient("produce", ErrBrokerUnavailable)
		return res, nil
	case FaultFatal:
		res.Err = kafka.Fatal("produce", ErrAuthorization)
		return res, nil
	}

	c.b.mu.Lock()
	off, dup, err := c.b.appendLocked(req)
	c.b.mu.Unlock()
	res.Offset = off
	res.Duplicate = dup
	return res, err
}

func (c *ProducerConn) respond(ctx context.Context, req kafka.ProduceRequest, fault Fault, res kafka.DeliveryOutcome, err error) kafka.DeliveryOutcome {
	if res.Err != nil {
		return res
	}
	off, dup := res.Offset, res.Duplicate
	res.Offset, res.Duplicate = -1, false

	if c.latency > 0 {
		select {
		case <-time.After(c.latency):
		case <-ctx.Done():
			// запрос уже у брокера: исход для клиента неизвестен
			res.Err = kafka.Ambiguous("produce", ctx.Err())
			return res
		}
	}

	switch {
	case errors.Is(err, ErrUnknownTopic), errors.Is(err, ErrFencedEpoch):
		res.Err = kafka.Fatal("produce", err)
	case err != nil:
		res.Err = kafka.Transient("produce", err)
	case fault == FaultAckLost:
		res.Err = kafka.Ambiguous("produce", ErrAckLost)
	case req.Acks == kafka.AcksNone:
		// fire-and-forget: брокер не сообщает offset
	default:
		res.Offset = off
		res.Duplicate = dup
	}
	return res
}

// Ping implements kafka.ProducerConn.
func (c *ProducerConn) Ping(context.Context) error {
	if c.closed.Load() {
		return kafka.ErrClosed
	}
	return nil
}

// Close implements kafka.ProducerConn.
func (c *ProducerConn) Close() error {
	c.closed.Store(true)
	return nil
}
