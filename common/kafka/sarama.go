package kafka

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/IBM/sarama"

	"github.com/YaganovValera/retry-pattern/common/logger"
)

// -----------------------------------------------------------------------------
// sarama error classification
// -----------------------------------------------------------------------------

var (
	// брокер отклонил запрос до записи: повтор безопасен
	saramaRetriable = []error{
		sarama.ErrLeaderNotAvailable,
		sarama.ErrNotLeaderForPartition,
		sarama.ErrNotEnoughReplicas,
		sarama.ErrBrokerNotAvailable,
		sarama.ErrOutOfBrokers,
		sarama.ErrNotConnected,
		sarama.ErrOffsetsLoadInProgress,
		sarama.ErrNotCoordinatorForConsumer,
		sarama.ErrConsumerCoordinatorNotAvailable,
		sarama.ErrOutOfOrderSequenceNumber,
	}
	// запрос мог дойти до брокера, ответа нет
	saramaAmbiguous = []error{
		sarama.ErrRequestTimedOut,
		sarama.ErrNetworkException,
		sarama.ErrNotEnoughReplicasAfterAppend,
		io.EOF,
		io.ErrUnexpectedEOF,
	}
	saramaFatal = []error{
		sarama.ErrTopicAuthorizationFailed,
		sarama.ErrClusterAuthorizationFailed,
		sarama.ErrGroupAuthorizationFailed,
		sarama.ErrSASLAuthenticationFailed,
		sarama.ErrUnknownTopicOrPartition,
		sarama.ErrInvalidProducerEpoch,
		sarama.ErrMessageSizeTooLarge,
		sarama.ErrInvalidTopic,
	}
)

func matchAny(err error, set []error) bool {
	for _, target := range set {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// ClassifySarama переводит ошибку sarama в таксономию пакета kafka.
// Неизвестные ошибки считаются фатальными.
func ClassifySarama(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) || IsFatal(err) {
		return err
	}
	switch {
	case errors.Is(err, sarama.ErrClosedClient), errors.Is(err, sarama.ErrClosedConsumerGroup):
		return fmt.Errorf("kafka %s: %w: %v", op, ErrClosed, err)
	case matchAny(err, saramaRetriable):
		return Transient(op, err)
	case matchAny(err, saramaAmbiguous):
		return Ambiguous(op, err)
	case matchAny(err, saramaFatal):
		return Fatal(op, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return Ambiguous(op, err)
	}
	return Fatal(op, err)
}

// -----------------------------------------------------------------------------
// sarama → zap
// -----------------------------------------------------------------------------

type saramaLogger struct{ log *logger.Logger }

// SaramaLogger возвращает sarama.StdLogger, пишущий в zap на уровне debug.
// Подключается один раз: sarama.Logger = kafka.SaramaLogger(log).
func SaramaLogger(log *logger.Logger) sarama.StdLogger {
	return saramaLogger{log: log.Named("sarama")}
}

func (l saramaLogger) Print(v ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprint(v...)))
}

func (l saramaLogger) Printf(format string, v ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l saramaLogger) Println(v ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintln(v...)))
}

// -----------------------------------------------------------------------------
// Settings shared by the adapters
// -----------------------------------------------------------------------------

// ParseAcks принимает "all" | "leader" | "none" (а также -1 / 1 / 0).
func ParseAcks(s string) (Acks, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all", "-1":
		return AcksAll, nil
	case "leader", "1":
		return AcksLeader, nil
	case "none", "0":
		return AcksNone, nil
	default:
		return 0, &ConfigError{Field: "acks", Reason: fmt.Sprintf("unknown value %q", s)}
	}
}

// SaramaAcks отображает Acks в sarama.RequiredAcks.
func SaramaAcks(a Acks) sarama.RequiredAcks {
	switch a {
	case AcksNone:
		return sarama.NoResponse
	case AcksLeader:
		return sarama.WaitForLocal
	default:
		return sarama.WaitForAll
	}
}
