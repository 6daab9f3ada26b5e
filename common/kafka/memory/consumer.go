package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/YaganovValera/retry-pattern/common/kafka"
)

// ConsumerOptions: параметры участника consumer group.
type ConsumerOptions struct {
	GroupID         string
	MaxPollInterval time.Duration // 0: без контроля
}

// ConsumerConn: сторона чтения, подключённая к Broker.
// Соединение рассчитано на одного владельца (однопоточный poll-цикл).
type ConsumerConn struct {
	b    *Broker
	opts ConsumerOptions

	mu         sync.Mutex
	topic      string
	partitions []int32
	position   map[int32]int64 // следующий offset для чтения
	stored     map[int32]int64 // offset записи, готовой к коммиту
	next       int             // round-robin по разделам
	lastPoll   time.Time
	polled     bool
	closed     bool
	expiries   int
}

var _ kafka.ConsumerConn = (*ConsumerConn)(nil)

// NewConsumerConn подключает участника группы opts.GroupID.
func (b *Broker) NewConsumerConn(_ context.Context, bootstrap string, opts ConsumerOptions) (*ConsumerConn, error) {
	if err := b.dial(bootstrap); err != nil {
		return nil, err
	}
	if opts.GroupID == "" {
		opts.GroupID = "default"
	}
	return &ConsumerConn{
		b:        b,
		opts:     opts,
		position: make(map[int32]int64),
		stored:   make(map[int32]int64),
	}, nil
}

// Expiries: сколько раз брокер исключал участника по max-poll-interval.
func (c *ConsumerConn) Expiries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expiries
}

// Subscribe implements kafka.ConsumerConn. Позиции берутся из committed offsets группы,
// при их отсутствии: с начала лога (earliest).
func (c *ConsumerConn) Subscribe(_ context.Context, topicName string) ([]kafka.PartitionOffset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, kafka.ErrClosed
	}

	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	ids, err := c.b.partitionsLocked(topicName)
	if err != nil {
		return nil, kafka.Fatal("subscribe", fmt.Errorf("%s: %w", topicName, err))
	}

	c.topic = topicName
	c.partitions = ids
	assigned := make([]kafka.PartitionOffset, 0, len(ids))
	for _, p := range ids {
		committed := c.b.committedLocked(c.opts.GroupID, topicName, p)
		c.position[p] = committed + 1
		delete(c.stored, p)
		assigned = append(assigned, kafka.PartitionOffset{Partition: p, Committed: committed})
	}
	c.lastPoll = time.Now()
	c.polled = false
	return assigned, nil
}

// Poll implements kafka.ConsumerConn.
func (c *ConsumerConn) Poll(ctx context.Context, timeout time.Duration) (*kafka.ConsumedRecord, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	c.mu.Lock()
	if err := c.checkLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	if err := c.b.faults.nextPoll(); err != nil {
		c.touch()
		return nil, err
	}

	for {
		rec, wait, err := c.tryFetch()
		if err != nil || rec != nil {
			c.touch()
			return rec, err
		}
		select {
		case <-wait:
		case <-deadline.C:
			c.touch()
			return nil, nil
		case <-ctx.Done():
			c.touch()
			return nil, ctx.Err()
		}
	}
}

// checkLocked проверяет состояние соединения и сессии перед Poll/Commit.
func (c *ConsumerConn) checkLocked() error {
	switch {
	case c.closed:
		return kafka.ErrClosed
	case c.topic == "":
		return kafka.ErrNotSubscribed
	}
	if c.polled && c.opts.MaxPollInterval > 0 && time.Since(c.lastPoll) > c.opts.MaxPollInterval {
		c.expireLocked()
		return kafka.ErrSessionExpired
	}
	return nil
}

// expireLocked: участник исключён: позиции возвращаются к committed offsets.
func (c *ConsumerConn) expireLocked() {
	c.expiries++
	c.b.mu.Lock()
	for _, p := range c.partitions {
		c.position[p] = c.b.committedLocked(c.opts.GroupID, c.topic, p) + 1
	}
	c.b.mu.Unlock()
	c.stored = make(map[int32]int64)
	c.polled = false
	c.lastPoll = time.Now()
}

func (c *ConsumerConn) touch() {
	c.mu.Lock()
	c.lastPoll = time.Now()
	c.polled = true
	c.mu.Unlock()
}

func (c *ConsumerConn) tryFetch() (*kafka.ConsumedRecord, <-chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if _, ok := c.b.topics[c.topic]; !ok {
		return nil, nil, kafka.Fatal("poll", fmt.Errorf("%s: %w", c.topic, ErrUnknownTopic))
	}
	for i := 0; i < len(c.partitions); i++ {
		p := c.partitions[(c.next+i)%len(c.partitions)]
		part, err := c.b.partitionLocked(c.topic, p)
		if err != nil {
			return nil, nil, kafka.Fatal("poll", err)
		}
		pos := c.position[p]
		if pos >= int64(len(part.log)) {
			continue
		}
		e := part.log[pos]
		c.position[p] = pos + 1
		c.next = (c.next + i + 1) % len(c.partitions)
		return &kafka.ConsumedRecord{
			Key:        e.Key,
			Value:      e.Value,
			Topic:      c.topic,
			Partition:  p,
			Offset:     e.Offset,
			ReceivedAt: time.Now(),
		}, nil, nil
	}
	return nil, c.b.appended, nil
}

// StoreOffset implements kafka.ConsumerConn.
func (c *ConsumerConn) StoreOffset(rec *kafka.ConsumedRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return kafka.ErrClosed
	}
	if rec.Topic != c.topic {
		return fmt.Errorf("memory: store offset for unassigned topic %q", rec.Topic)
	}
	c.stored[rec.Partition] = rec.Offset
	return nil
}

// Commit implements kafka.ConsumerConn. Коммитится только ранее сохранённый offset.
func (c *ConsumerConn) Commit(_ context.Context, rec *kafka.ConsumedRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked(); err != nil {
		return err
	}
	if err := c.b.faults.nextCommit(); err != nil {
		return err
	}
	stored, ok := c.stored[rec.Partition]
	if !ok || stored < rec.Offset {
		return fmt.Errorf("memory: offset %d of partition %d is not stored", rec.Offset, rec.Partition)
	}
	c.b.mu.Lock()
	c.b.commitLocked(c.opts.GroupID, c.topic, rec.Partition, rec.Offset)
	c.b.mu.Unlock()
	return nil
}

// Seek implements kafka.ConsumerConn.
func (c *ConsumerConn) Seek(_ context.Context, topicName string, p int32, offset int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return kafka.ErrClosed
	}
	if topicName != c.topic {
		return fmt.Errorf("memory: seek on unassigned topic %q", topicName)
	}
	if _, ok := c.position[p]; !ok {
		return fmt.Errorf("memory: seek on unassigned partition %d", p)
	}
	c.position[p] = offset
	if s, ok := c.stored[p]; ok && s >= offset {
		delete(c.stored, p)
	}
	return nil
}

// Close implements kafka.ConsumerConn. Незакоммиченные offsets теряются.
func (c *ConsumerConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
