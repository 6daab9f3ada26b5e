package subscriber

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/YaganovValera/retry-pattern/common/backoff"
	"github.com/YaganovValera/retry-pattern/common/kafka"
	"github.com/YaganovValera/retry-pattern/common/kafka/memory"
	"github.com/YaganovValera/retry-pattern/common/logger"
)

const (
	addr  = "127.0.0.1:9092"
	topic = "alphabets"
)

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

type recorder struct {
	mu         sync.Mutex
	violations []string
	committed  []int64
	states     []State
}

func (r *recorder) OnStateChange(_, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, to)
}

func (r *recorder) OnCommitState(_ string, p int32, cs CommitState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cs.LastCommittedOffset > cs.LastStoredOffset {
		r.violations = append(r.violations, fmt.Sprintf("partition %d: committed %d > stored %d",
			p, cs.LastCommittedOffset, cs.LastStoredOffset))
	}
	if n := len(r.committed); n == 0 || r.committed[n-1] != cs.LastCommittedOffset {
		r.committed = append(r.committed, cs.LastCommittedOffset)
	}
}

func (r *recorder) check(t *testing.T) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.violations {
		t.Error(v)
	}
}

func newBroker(t *testing.T, records int) *memory.Broker {
	t.Helper()
	b := memory.NewBroker(addr)
	b.CreateTopic(topic, 1)
	fill(t, b, 0, records)
	return b
}

// fill дописывает записи с ключами from..from+n-1 (ключ совпадает с offset).
func fill(t *testing.T, b *memory.Broker, from, n int) {
	t.Helper()
	conn, err := b.NewProducerConn(context.Background(), addr, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	for i := from; i < from+n; i++ {
		out := <-conn.Produce(context.Background(), kafka.ProduceRequest{
			Topic: topic,
			Key:   int64(i),
			Value: fmt.Sprintf("Character #%c", 'A'+i%26),
			Acks:  kafka.AcksAll,
		})
		if out.Err != nil {
			t.Fatal(out.Err)
		}
	}
}

func testConfig() Config {
	return Config{PollTimeout: 20 * time.Millisecond, MaxPollInterval: time.Second}
}

func newSubscriber(t *testing.T, b *memory.Broker, cfg Config, obs Observer) (*Subscriber, *memory.ConsumerConn) {
	t.Helper()
	conn, err := b.NewConsumerConn(context.Background(), addr, memory.ConsumerOptions{MaxPollInterval: cfg.MaxPollInterval})
	if err != nil {
		t.Fatal(err)
	}
	var opts []Option
	if obs != nil {
		opts = append(opts, WithObserver(obs))
	}
	s, err := New(conn, cfg, logger.NewNop(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Subscribe(context.Background(), topic); err != nil {
		t.Fatal(err)
	}
	return s, conn
}

type crashConn struct {
	kafka.ConsumerConn
	crashAt int64
}

func (c *crashConn) Commit(ctx context.Context, rec *kafka.ConsumedRecord) error {
	if rec.Offset == c.crashAt {
		return kafka.Fatal("commit", errors.New("process killed"))
	}
	return c.ConsumerConn.Commit(ctx, rec)
}

// flakySeekConn отклоняет первые failures вызовов Seek.
type flakySeekConn struct {
	kafka.ConsumerConn
	failures int
	err      error
	seeks    int
}

func (c *flakySeekConn) Seek(ctx context.Context, topic string, p int32, offset int64) error {
	c.seeks++
	if c.seeks <= c.failures {
		return c.err
	}
	return c.ConsumerConn.Seek(ctx, topic, p, offset)
}

func subscribeWith(t *testing.T, conn kafka.ConsumerConn, cfg Config) *Subscriber {
	t.Helper()
	s, err := New(conn, cfg, logger.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Subscribe(context.Background(), topic); err != nil {
		t.Fatal(err)
	}
	return s
}

// -----------------------------------------------------------------------------
// tests
// -----------------------------------------------------------------------------

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"ok", Config{PollTimeout: time.Second, MaxPollInterval: 2 * time.Second}, false},
		{"zero poll timeout", Config{MaxPollInterval: time.Second}, true},
		{"zero max poll interval", Config{PollTimeout: time.Second}, true},
		{"equal", Config{PollTimeout: time.Second, MaxPollInterval: time.Second}, true},
		{"greater", Config{PollTimeout: 2 * time.Second, MaxPollInterval: time.Second}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.cfg.Validate()
			if (err != nil) != c.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, c.wantErr)
			}
			var cerr *kafka.ConfigError
			if err != nil && !errors.As(err, &cerr) {
				t.Fatalf("want ConfigError, got %T", err)
			}
		})
	}
}

func TestRunCommitsEveryRecord(t *testing.T) {
	b := newBroker(t, 10)
	obs := &recorder{}
	s, conn := newSubscriber(t, b, testConfig(), obs)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got []string
	err := s.Run(ctx, func(_ context.Context, rec *kafka.ConsumedRecord) error {
		got = append(got, rec.Value)
		if rec.Offset == 9 {
			cancel()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != 10 || got[0] != "Character #A" || got[9] != "Character #J" {
		t.Fatalf("handled: %v", got)
	}
	// последняя итерация завершилась commit-ом несмотря на отмену
	if c := b.Committed("default", topic, 0); c != 9 {
		t.Fatalf("committed %d, want 9", c)
	}
	if cs, _ := s.CommitState(0); cs != (CommitState{9, 9}) {
		t.Fatalf("commit state %+v", cs)
	}
	if st := s.Stats(); st.Processed != 10 {
		t.Fatalf("stats %+v", st)
	}
	if s.State() != Closed {
		t.Fatalf("state %s", s.State())
	}
	if _, err := conn.Poll(context.Background(), time.Millisecond); !errors.Is(err, kafka.ErrClosed) {
		t.Fatalf("handle must be closed, poll: %v", err)
	}
	obs.check(t)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	seen := map[State]bool{}
	for _, st := range obs.states {
		seen[st] = true
	}
	for _, st := range []State{Subscribed, Polling, Processing, Committing, Closed} {
		if !seen[st] {
			t.Errorf("state %s never observed", st)
		}
	}
	if obs.states[len(obs.states)-1] != Closed {
		t.Errorf("last state %s", obs.states[len(obs.states)-1])
	}
}

func TestCrashBeforeCommitRedelivers(t *testing.T) {
	b := newBroker(t, 10)
	obs := &recorder{}
	cfg := testConfig()

	// первый процесс «падает» между store и commit записи 5
	conn1, err := b.NewConsumerConn(context.Background(), addr, memory.ConsumerOptions{})
	if err != nil {
		t.Fatal(err)
	}
	s1, err := New(&crashConn{ConsumerConn: conn1, crashAt: 5}, cfg, logger.NewNop(), WithObserver(obs))
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.Subscribe(context.Background(), topic); err != nil {
		t.Fatal(err)
	}
	var first []int64
	err = s1.Run(context.Background(), func(_ context.Context, rec *kafka.ConsumedRecord) error {
		first = append(first, rec.Offset)
		return nil
	})
	var ferr *ConsumerFatalError
	if !errors.As(err, &ferr) || ferr.Op != "commit" {
		t.Fatalf("want fatal commit error, got %v", err)
	}
	if len(first) != 6 {
		t.Fatalf("first run handled %v", first)
	}
	if c := b.Committed("default", topic, 0); c != 4 {
		t.Fatalf("committed after crash %d, want 4", c)
	}

	// перезапуск продолжает с committed+1: запись 5 доставляется повторно
	s2, _ := newSubscriber(t, b, cfg, obs)
	if cs, _ := s2.CommitState(0); cs != (CommitState{4, 4}) {
		t.Fatalf("restored state %+v", cs)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var second []int64
	err = s2.Run(ctx, func(_ context.Context, rec *kafka.ConsumedRecord) error {
		second = append(second, rec.Offset)
		if rec.Offset == 9 {
			cancel()
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 5 || second[0] != 5 {
		t.Fatalf("second run handled %v", second)
	}
	obs.check(t)
}

func TestHandlerFailureRedeliversSameRecord(t *testing.T) {
	b := newBroker(t, 6)
	obs := &recorder{}
	s, _ := newSubscriber(t, b, testConfig(), obs)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	deliveries := map[int64]int{}
	err := s.Run(ctx, func(_ context.Context, rec *kafka.ConsumedRecord) error {
		deliveries[rec.Key]++
		if rec.Key == 3 && deliveries[3] == 1 {
			return errors.New("downstream unavailable")
		}
		if rec.Offset == 5 {
			cancel()
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if deliveries[3] != 2 || s.Stats().HandlerErrors != 1 {
		t.Fatalf("deliveries %v stats %+v", deliveries, s.Stats())
	}
	obs.check(t)
	obs.mu.Lock()
	defer obs.mu.Unlock()
	want := []int64{-1, 0, 1, 2, 3, 4, 5}
	if fmt.Sprint(obs.committed) != fmt.Sprint(want) {
		t.Fatalf("committed offsets %v, want %v", obs.committed, want)
	}
}

func TestPoisonRecordIsNeverSkipped(t *testing.T) {
	b := newBroker(t, 6)
	s, _ := newSubscriber(t, b, testConfig(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	deliveries := map[int64]int{}
	err := s.Run(ctx, func(_ context.Context, rec *kafka.ConsumedRecord) error {
		deliveries[rec.Key]++
		if rec.Key == 3 {
			return errors.New("cannot process")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if c := b.Committed("default", topic, 0); c != 2 {
		t.Fatalf("committed %d, want 2", c)
	}
	if deliveries[3] < 2 || deliveries[4] != 0 {
		t.Fatalf("deliveries %v", deliveries)
	}
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	b := newBroker(t, 2)
	s, _ := newSubscriber(t, b, testConfig(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	calls := 0
	err := s.Run(ctx, func(_ context.Context, rec *kafka.ConsumedRecord) error {
		calls++
		if calls == 1 {
			panic("boom")
		}
		if rec.Offset == 1 {
			cancel()
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 3 || b.Committed("default", topic, 0) != 1 {
		t.Fatalf("calls %d committed %d", calls, b.Committed("default", topic, 0))
	}
}

func TestSlowHandlerTriggersSessionTimeout(t *testing.T) {
	b := newBroker(t, 1)
	cfg := Config{PollTimeout: 100 * time.Millisecond, MaxPollInterval: 120 * time.Millisecond}
	obs := &recorder{}
	s, conn := newSubscriber(t, b, cfg, obs)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	deliveries := 0
	err := s.Run(ctx, func(_ context.Context, rec *kafka.ConsumedRecord) error {
		deliveries++
		if deliveries == 1 {
			time.Sleep(150 * time.Millisecond) // 1.5 × PollTimeout
			return nil
		}
		cancel()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	st := s.Stats()
	if st.SessionTimeouts < 1 || conn.Expiries() < 1 {
		t.Fatalf("expected a broker-reported session timeout, stats %+v", st)
	}
	if st.SlowHandlers < 1 {
		t.Fatalf("slow handler not flagged: %+v", st)
	}
	if deliveries != 2 || b.Committed("default", topic, 0) != 0 {
		t.Fatalf("deliveries %d committed %d", deliveries, b.Committed("default", topic, 0))
	}
	obs.check(t)
}

func TestTopicDeletionIsFatal(t *testing.T) {
	b := newBroker(t, 3)
	s, conn := newSubscriber(t, b, testConfig(), nil)

	err := s.Run(context.Background(), func(_ context.Context, rec *kafka.ConsumedRecord) error {
		b.DeleteTopic(topic)
		return nil
	})
	var ferr *ConsumerFatalError
	if !errors.As(err, &ferr) || ferr.Op != "poll" || !kafka.IsFatal(err) {
		t.Fatalf("want fatal poll error, got %v", err)
	}
	if s.State() != Closed {
		t.Fatalf("state %s", s.State())
	}
	if _, err := conn.Poll(context.Background(), time.Millisecond); !errors.Is(err, kafka.ErrClosed) {
		t.Fatalf("handle must be closed: %v", err)
	}
}

func TestTransientErrorsAreAbsorbed(t *testing.T) {
	b := newBroker(t, 2)
	b.FailPolls(kafka.Transient("poll", errors.New("leader moved")))
	b.FailCommits(kafka.Transient("commit", errors.New("coordinator loading")))
	s, _ := newSubscriber(t, b, testConfig(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Run(ctx, func(_ context.Context, rec *kafka.ConsumedRecord) error {
		if rec.Offset == 1 {
			cancel()
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	st := s.Stats()
	if st.PollErrors != 1 || st.CommitErrors != 1 || st.Processed != 1 {
		t.Fatalf("stats %+v", st)
	}
	// следующий commit покрывает запись с неудачным commit-ом
	if c := b.Committed("default", topic, 0); c != 1 {
		t.Fatalf("committed %d", c)
	}
}

func TestEmptyPollsUntilShutdown(t *testing.T) {
	b := newBroker(t, 0)
	s, _ := newSubscriber(t, b, testConfig(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	calls := 0
	if err := s.Run(ctx, func(context.Context, *kafka.ConsumedRecord) error { calls++; return nil }); err != nil {
		t.Fatal(err)
	}
	if calls != 0 || s.State() != Closed {
		t.Fatalf("calls %d state %s", calls, s.State())
	}
}

func TestSubscribeUnknownTopic(t *testing.T) {
	b := memory.NewBroker(addr)
	conn, _ := b.NewConsumerConn(context.Background(), addr, memory.ConsumerOptions{})
	s, err := New(conn, testConfig(), logger.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	err = s.Subscribe(context.Background(), topic)
	var serr *SubscriptionError
	if !errors.As(err, &serr) || serr.Topic != topic {
		t.Fatalf("want SubscriptionError, got %v", err)
	}
	if s.State() != Idle {
		t.Fatalf("state %s", s.State())
	}

	b.CreateTopic(topic, 1)
	if err := s.Subscribe(context.Background(), topic); err != nil {
		t.Fatalf("retry subscribe: %v", err)
	}
	if s.State() != Subscribed {
		t.Fatalf("state %s", s.State())
	}
}

func TestRunRequiresSubscription(t *testing.T) {
	b := memory.NewBroker(addr)
	conn, _ := b.NewConsumerConn(context.Background(), addr, memory.ConsumerOptions{})
	s, _ := New(conn, testConfig(), logger.NewNop())

	if err := s.Run(context.Background(), nil); !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("Run: %v", err)
	}
	if s.State() != Closed {
		t.Fatalf("state %s", s.State())
	}
	if err := s.Run(context.Background(), nil); !errors.Is(err, kafka.ErrClosed) {
		t.Fatalf("Run after close: %v", err)
	}
}

func TestFailedSeekDoesNotSkipRecord(t *testing.T) {
	b := newBroker(t, 6)
	mc, err := b.NewConsumerConn(context.Background(), addr, memory.ConsumerOptions{MaxPollInterval: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	conn := &flakySeekConn{ConsumerConn: mc, failures: 2, err: kafka.Transient("seek", errors.New("coordinator moved"))}
	cfg := testConfig()
	cfg.RewindBackoff = backoff.Config{Policy: backoff.PolicyFixed, InitialInterval: 5 * time.Millisecond}
	s := subscribeWith(t, conn, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	deliveries := map[int64]int{}
	err = s.Run(ctx, func(_ context.Context, rec *kafka.ConsumedRecord) error {
		deliveries[rec.Key]++
		if rec.Key == 3 && deliveries[3] == 1 {
			return errors.New("downstream unavailable")
		}
		if rec.Offset == 5 {
			cancel()
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if deliveries[3] != 2 || deliveries[4] != 1 {
		t.Fatalf("record 3 must be redelivered before 4: %v", deliveries)
	}
	if conn.seeks != 3 {
		t.Fatalf("seeks = %d, want 3", conn.seeks)
	}
	if c := b.Committed("default", topic, 0); c != 5 {
		t.Fatalf("committed %d", c)
	}
}

func TestFatalSeekClosesSubscriber(t *testing.T) {
	b := newBroker(t, 4)
	mc, err := b.NewConsumerConn(context.Background(), addr, memory.ConsumerOptions{MaxPollInterval: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	conn := &flakySeekConn{ConsumerConn: mc, failures: 1, err: kafka.Fatal("seek", errors.New("partition revoked"))}
	s := subscribeWith(t, conn, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = s.Run(ctx, func(_ context.Context, rec *kafka.ConsumedRecord) error {
		if rec.Key == 1 {
			return errors.New("downstream unavailable")
		}
		return nil
	})
	var ferr *ConsumerFatalError
	if !errors.As(err, &ferr) || ferr.Op != "seek" {
		t.Fatalf("expected fatal seek error, got %v", err)
	}
	if c := b.Committed("default", topic, 0); c != 0 {
		t.Fatalf("committed %d, record 1 must stay uncommitted", c)
	}
	if s.State() != Closed {
		t.Fatalf("state %s", s.State())
	}
}
