package kafka

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassification(t *testing.T) {
	base := errors.New("leader not available")
	cases := []struct {
		name                        string
		err                         error
		transient, ambiguous, fatal bool
	}{
		{"transient", Transient("produce", base), true, false, false},
		{"ambiguous", Ambiguous("produce", base), true, true, false},
		{"wrapped ambiguous", fmt.Errorf("attempt 2: %w", Ambiguous("produce", base)), true, true, false},
		{"fatal", Fatal("poll", base), false, false, true},
		{"plain", base, false, false, false},
		{"nil", nil, false, false, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := IsTransient(c.err); got != c.transient {
				t.Errorf("IsTransient=%v, want %v", got, c.transient)
			}
			if got := IsAmbiguous(c.err); got != c.ambiguous {
				t.Errorf("IsAmbiguous=%v, want %v", got, c.ambiguous)
			}
			if got := IsFatal(c.err); got != c.fatal {
				t.Errorf("IsFatal=%v, want %v", got, c.fatal)
			}
			if c.err != nil && c.err != base && !errors.Is(c.err, base) {
				t.Error("wrapper must unwrap to the cause")
			}
		})
	}
}

func TestKeyCodec(t *testing.T) {
	for _, key := range []int64{0, 1, 13, -1, 638_000_000_000_000_000} {
		b := EncodeKey(key)
		if len(b) != 8 {
			t.Fatalf("EncodeKey(%d) len=%d", key, len(b))
		}
		got, err := DecodeKey(b)
		if err != nil || got != key {
			t.Errorf("DecodeKey(EncodeKey(%d)) = %d, %v", key, got, err)
		}
	}
	if got := EncodeKey(1); got[7] != 1 || got[0] != 0 {
		t.Errorf("key must be big-endian, got %v", got)
	}
	var ferr *FormatError
	if _, err := DecodeKey([]byte{1, 2}); !errors.As(err, &ferr) {
		t.Errorf("expected FormatError, got %v", err)
	}
}

func TestPartitionFor_Stable(t *testing.T) {
	parts := []int32{0, 1, 2, 3}
	for key := int64(1); key <= 26; key++ {
		p := PartitionFor(key, parts)
		if p < 0 || p > 3 {
			t.Fatalf("key %d mapped outside partitions: %d", key, p)
		}
		if again := PartitionFor(key, parts); again != p {
			t.Fatalf("key %d not stable: %d then %d", key, p, again)
		}
	}
	if p := PartitionFor(7, []int32{5}); p != 5 {
		t.Errorf("single partition must always win, got %d", p)
	}
	if p := PartitionFor(7, nil); p != 0 {
		t.Errorf("no partitions → 0, got %d", p)
	}
}
