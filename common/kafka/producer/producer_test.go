package producer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/YaganovValera/retry-pattern/common/kafka"
	"github.com/YaganovValera/retry-pattern/common/logger"
)

type fakeMeta struct {
	parts      []int32
	refreshErr error
	closed     bool
}

func (f *fakeMeta) Partitions(string) ([]int32, error) {
	if f.parts == nil {
		return nil, sarama.ErrUnknownTopicOrPartition
	}
	return f.parts, nil
}
func (f *fakeMeta) RefreshMetadata(...string) error { return f.refreshErr }
func (f *fakeMeta) Close() error                    { f.closed = true; return nil }

func request(key int64) kafka.ProduceRequest {
	return kafka.ProduceRequest{
		Topic:    "alphabets",
		Key:      key,
		Value:    "Character #A",
		Acks:     kafka.AcksAll,
		Attempt:  1,
		Sequence: kafka.Sequence{ProducerID: "pid", Epoch: 2, Partition: 3, Number: 41},
	}
}

func await(t *testing.T, ch <-chan kafka.DeliveryOutcome) kafka.DeliveryOutcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("delivery outcome not resolved")
		return kafka.DeliveryOutcome{}
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"ok", Config{Brokers: []string{"b:9092"}, Idempotent: true}, false},
		{"no brokers", Config{}, true},
		{"idempotent with leader acks", Config{Brokers: []string{"b"}, RequiredAcks: "leader", Idempotent: true}, true},
		{"bad acks", Config{Brokers: []string{"b"}, RequiredAcks: "most"}, true},
		{"leader acks", Config{Brokers: []string{"b"}, RequiredAcks: "leader"}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := c.cfg
			cfg.applyDefaults()
			err := cfg.validate()
			if (err != nil) != c.wantErr {
				t.Fatalf("validate() = %v, wantErr %v", err, c.wantErr)
			}
			var cerr *kafka.ConfigError
			if err != nil && !errors.As(err, &cerr) {
				t.Fatalf("expected ConfigError, got %T", err)
			}
		})
	}
}

func TestBuildSaramaConfig_Idempotent(t *testing.T) {
	cfg := Config{Brokers: []string{"b"}, Idempotent: true}
	cfg.applyDefaults()
	sc, err := buildSaramaConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !sc.Producer.Idempotent || sc.Net.MaxOpenRequests != 1 || sc.Producer.Retry.Max < 1 {
		t.Errorf("idempotent settings not applied: %+v", sc.Producer)
	}
	if sc.Producer.RequiredAcks != sarama.WaitForAll {
		t.Errorf("acks = %v", sc.Producer.RequiredAcks)
	}
	if err := sc.Validate(); err != nil {
		t.Errorf("sarama rejects config: %v", err)
	}

	owned := Config{Brokers: []string{"b"}, Idempotent: true, InternalRetries: 3, InternalRetryBackoff: 250 * time.Millisecond}
	owned.applyDefaults()
	sc, err = buildSaramaConfig(owned)
	if err != nil {
		t.Fatal(err)
	}
	if sc.Producer.Retry.Max != 3 || sc.Producer.Retry.Backoff != 250*time.Millisecond {
		t.Errorf("retry settings not handed to sarama: max=%d backoff=%s", sc.Producer.Retry.Max, sc.Producer.Retry.Backoff)
	}

	old := Config{Brokers: []string{"b"}, Idempotent: true, Version: "0.10.2.0"}
	old.applyDefaults()
	if _, err := buildSaramaConfig(old); err == nil {
		t.Error("idempotence on 0.10 must fail")
	}
	bad := Config{Brokers: []string{"b"}, Compression: "brotli"}
	bad.applyDefaults()
	if _, err := buildSaramaConfig(bad); err == nil {
		t.Error("unknown codec must fail")
	}
}

func TestProduce_Success(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Partition != 3 {
			return errors.New("partition not carried")
		}
		key, _ := msg.Key.Encode()
		if k, err := kafka.DecodeKey(key); err != nil || k != 7 {
			return errors.New("key not big-endian int64")
		}
		seq, ok := SequenceFromHeaders(msg.Partition, ptrs(msg.Headers))
		if !ok || seq.ProducerID != "pid" || seq.Epoch != 2 || seq.Number != 41 {
			return errors.New("sequence headers missing")
		}
		return nil
	})
	p := newProducer(sp, &fakeMeta{parts: []int32{0}}, kafka.AcksAll, logger.NewNop())

	out := await(t, p.Produce(context.Background(), request(7)))
	if out.Err != nil || out.Offset < 0 || out.Partition != 3 {
		t.Fatalf("outcome: %+v", out)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProduce_ErrorClasses(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
		ambiguous bool
		fatal     bool
	}{
		{"leader election", sarama.ErrLeaderNotAvailable, true, false, false},
		{"not enough replicas", sarama.ErrNotEnoughReplicas, true, false, false},
		{"timeout", sarama.ErrRequestTimedOut, true, true, false},
		{"auth", sarama.ErrTopicAuthorizationFailed, false, false, true},
		{"unknown", errors.New("boom"), false, false, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			sp := mocks.NewSyncProducer(t, nil)
			sp.ExpectSendMessageAndFail(c.err)
			p := newProducer(sp, &fakeMeta{}, kafka.AcksAll, logger.NewNop())
			out := await(t, p.Produce(context.Background(), request(1)))
			if kafka.IsTransient(out.Err) != c.transient || kafka.IsAmbiguous(out.Err) != c.ambiguous || kafka.IsFatal(out.Err) != c.fatal {
				t.Fatalf("classification of %v: %v", c.err, out.Err)
			}
			if !errors.Is(out.Err, c.err) {
				t.Fatalf("cause lost: %v", out.Err)
			}
			_ = p.Close()
		})
	}
}

func TestProduce_DuplicateSequence(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrDuplicateSequenceNumber)
	p := newProducer(sp, &fakeMeta{}, kafka.AcksAll, logger.NewNop())
	out := await(t, p.Produce(context.Background(), request(1)))
	if out.Err != nil || !out.Duplicate {
		t.Fatalf("duplicate sequence must resolve as duplicate: %+v", out)
	}
	_ = p.Close()
}

func TestProduce_AcksNone(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndSucceed()
	p := newProducer(sp, &fakeMeta{}, kafka.AcksNone, logger.NewNop())
	out := await(t, p.Produce(context.Background(), request(1)))
	if out.Err != nil || out.Offset != -1 {
		t.Fatalf("acks=none: %+v", out)
	}
	_ = p.Close()
}

func TestRetriesInternally(t *testing.T) {
	p := newProducer(mocks.NewSyncProducer(t, nil), &fakeMeta{}, kafka.AcksAll, logger.NewNop())
	var conn kafka.ProducerConn = p
	if r, ok := conn.(kafka.InternalRetrier); !ok || r.RetriesInternally() {
		t.Fatal("plain producer must leave retries to the caller")
	}
	p.internalRetries = true
	if !p.RetriesInternally() {
		t.Fatal("idempotent producer retries inside sarama")
	}
	_ = p.Close()
}

func TestPartitionsAndPing(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	meta := &fakeMeta{parts: []int32{0, 1, 2}}
	p := newProducer(sp, meta, kafka.AcksAll, logger.NewNop())

	ids, err := p.Partitions(context.Background(), "alphabets")
	if err != nil || len(ids) != 3 {
		t.Fatalf("partitions: %v %v", ids, err)
	}
	meta.parts = nil
	if _, err := p.Partitions(context.Background(), "missing"); !kafka.IsFatal(err) {
		t.Fatalf("missing topic must be fatal: %v", err)
	}

	meta.refreshErr = sarama.ErrOutOfBrokers
	if err := p.Ping(context.Background()); !kafka.IsTransient(err) {
		t.Fatalf("ping: %v", err)
	}
	_ = p.Close()
	if !meta.closed {
		t.Error("client must be closed")
	}
}

func TestSequenceFromHeaders_Missing(t *testing.T) {
	if _, ok := SequenceFromHeaders(0, nil); ok {
		t.Error("no headers → ok=false")
	}
	msg := buildMessage(kafka.ProduceRequest{Topic: "t", Key: 1})
	if len(msg.Headers) != 0 {
		t.Errorf("non-idempotent request must carry no headers, got %d", len(msg.Headers))
	}
}

func ptrs(hs []sarama.RecordHeader) []*sarama.RecordHeader {
	out := make([]*sarama.RecordHeader, len(hs))
	for i := range hs {
		out[i] = &hs[i]
	}
	return out
}
