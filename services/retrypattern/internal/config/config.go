// services/retrypattern/internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/YaganovValera/retry-pattern/common/backoff"
	"github.com/YaganovValera/retry-pattern/common/configloader"
	"github.com/YaganovValera/retry-pattern/common/kafka"
)

// EnvPrefix: префикс переменных окружения (RETRYPATTERN_KAFKA_TOPIC и т.п.).
const EnvPrefix = "RETRYPATTERN"

// -----------------------------------------------------------------------------
// Структуры
// -----------------------------------------------------------------------------

type Config struct {
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`

	// Mode: produce | consume; подкоманда CLI имеет приоритет.
	Mode string `mapstructure:"mode"`
	// Driver: sarama (реальный кластер) | memory (встроенный брокер).
	Driver string `mapstructure:"driver"`

	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Producer  ProducerConfig  `mapstructure:"producer"`
	Consumer  ConsumerConfig  `mapstructure:"consumer"`
	Parking   ParkingConfig   `mapstructure:"parking"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	HTTP      HTTPConfig      `mapstructure:"http"`
}

type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	GroupID  string   `mapstructure:"group_id"`
	Version  string   `mapstructure:"version"`
	ClientID string   `mapstructure:"client_id"`

	// Partitions: число разделов топика для memory-драйвера.
	Partitions int `mapstructure:"partitions"`

	// producer
	Acks            string        `mapstructure:"acks"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	BackoffPolicy   string        `mapstructure:"backoff_policy"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
	Idempotent      bool          `mapstructure:"idempotent"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
	Compression     string        `mapstructure:"compression"`
	ProducerID      string        `mapstructure:"producer_id"`

	// consumer
	PollTimeout     time.Duration `mapstructure:"poll_timeout"`
	MaxPollInterval time.Duration `mapstructure:"max_poll_interval"`
	InitialOffset   string        `mapstructure:"initial_offset"`

	// Backoff: подключение к кластеру.
	Backoff backoff.Config `mapstructure:"backoff"`
}

type ProducerConfig struct {
	MessageCount int           `mapstructure:"message_count"`
	SendInterval time.Duration `mapstructure:"send_interval"`
}

type ConsumerConfig struct {
	ProcessingDelay time.Duration `mapstructure:"processing_delay"`
}

type ParkingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Addr     string         `mapstructure:"addr"`
	Password string         `mapstructure:"password"`
	DB       int            `mapstructure:"db"`
	Key      string         `mapstructure:"key"`
	Backoff  backoff.Config `mapstructure:"backoff"`
}

type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	OTLPEndpoint string  `mapstructure:"otel_endpoint"`
	Insecure     bool    `mapstructure:"insecure"`
	SamplerRatio float64 `mapstructure:"sampler_ratio"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	DevMode bool   `mapstructure:"dev_mode"`
}

// --- HTTP ---

type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MetricsPath     string        `mapstructure:"metrics_path"`
	HealthzPath     string        `mapstructure:"healthz_path"`
	ReadyzPath      string        `mapstructure:"readyz_path"`
}

// -----------------------------------------------------------------------------
// Load
// -----------------------------------------------------------------------------

func init() {
	configloader.RegisterDefaults("service_name", "retrypattern")
	configloader.RegisterDefaults("service_version", "v1.0.0")
	configloader.RegisterDefaults("mode", "produce")
	configloader.RegisterDefaults("driver", "sarama")

	// Kafka
	configloader.RegisterDefaults("kafka.brokers", []string{"127.0.0.1:9092"})
	configloader.RegisterDefaults("kafka.topic", "alphabets")
	configloader.RegisterDefaults("kafka.group_id", "default")
	configloader.RegisterDefaults("kafka.version", "2.8.0")
	configloader.RegisterDefaults("kafka.client_id", "") // пусто → hostname
	configloader.RegisterDefaults("kafka.partitions", 1)
	configloader.RegisterDefaults("kafka.acks", "all")
	configloader.RegisterDefaults("kafka.max_retries", 3)
	configloader.RegisterDefaults("kafka.retry_backoff", "1s")
	configloader.RegisterDefaults("kafka.backoff_policy", "fixed")
	configloader.RegisterDefaults("kafka.max_backoff", "30s")
	configloader.RegisterDefaults("kafka.idempotent", true)
	configloader.RegisterDefaults("kafka.delivery_timeout", "30s")
	configloader.RegisterDefaults("kafka.compression", "none")
	configloader.RegisterDefaults("kafka.producer_id", "")
	configloader.RegisterDefaults("kafka.max_poll_interval", "300s")
	configloader.RegisterDefaults("kafka.poll_timeout", "299s")
	configloader.RegisterDefaults("kafka.initial_offset", "earliest")
	configloader.RegisterDefaults("kafka.backoff.max_elapsed_time", "1m")

	// Workload
	configloader.RegisterDefaults("producer.message_count", 26)
	configloader.RegisterDefaults("producer.send_interval", "2s")
	configloader.RegisterDefaults("consumer.processing_delay", "5s")

	// Parking lot
	configloader.RegisterDefaults("parking.enabled", false)
	configloader.RegisterDefaults("parking.addr", "127.0.0.1:6379")
	configloader.RegisterDefaults("parking.password", "")
	configloader.RegisterDefaults("parking.db", 0)
	configloader.RegisterDefaults("parking.key", "retrypattern:parked")

	// Telemetry
	configloader.RegisterDefaults("telemetry.enabled", false)
	configloader.RegisterDefaults("telemetry.otel_endpoint", "otel-collector:4317")
	configloader.RegisterDefaults("telemetry.insecure", true)
	configloader.RegisterDefaults("telemetry.sampler_ratio", 1.0)

	// Logging
	configloader.RegisterDefaults("logging.level", "info")
	configloader.RegisterDefaults("logging.dev_mode", false)

	// HTTP
	configloader.RegisterDefaults("http.port", 8095)
	configloader.RegisterDefaults("http.read_timeout", "10s")
	configloader.RegisterDefaults("http.write_timeout", "15s")
	configloader.RegisterDefaults("http.idle_timeout", "60s")
	configloader.RegisterDefaults("http.shutdown_timeout", "5s")
	configloader.RegisterDefaults("http.metrics_path", "/metrics")
	configloader.RegisterDefaults("http.healthz_path", "/healthz")
	configloader.RegisterDefaults("http.readyz_path", "/readyz")
}

// Load: defaults → ENV (RETRYPATTERN_*) → optional YAML file → Validate.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := configloader.Load(path, EnvPrefix, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Print выводит конфиг с замаскированными секретами.
func (c *Config) Print() { configloader.PrintConfig(c) }

// -----------------------------------------------------------------------------
// Validation helpers
// -----------------------------------------------------------------------------

func (c *Config) Validate() error {
	// service
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service_version is required")
	}
	switch c.Mode {
	case "produce", "consume":
	default:
		return fmt.Errorf("mode must be one of [produce, consume], got %q", c.Mode)
	}
	switch c.Driver {
	case "sarama", "memory":
	default:
		return fmt.Errorf("driver must be one of [sarama, memory], got %q", c.Driver)
	}

	// kafka
	if err := validateKafka(&c.Kafka); err != nil {
		return err
	}

	// workload
	if c.Producer.MessageCount <= 0 {
		return fmt.Errorf("producer.message_count must be > 0")
	}
	if c.Producer.SendInterval < 0 {
		return fmt.Errorf("producer.send_interval must be >= 0")
	}
	if c.Consumer.ProcessingDelay < 0 {
		return fmt.Errorf("consumer.processing_delay must be >= 0")
	}

	// parking
	if c.Parking.Enabled && c.Parking.Addr == "" {
		return fmt.Errorf("parking.addr is required when parking is enabled")
	}

	// telemetry
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry.otel_endpoint is required when telemetry is enabled")
	}

	// logging
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error]")
	}

	// http
	return validateHTTP(&c.HTTP)
}

func validateKafka(k *KafkaConfig) error {
	if len(k.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}
	if k.Topic == "" {
		return fmt.Errorf("kafka.topic is required")
	}
	if k.GroupID == "" {
		return fmt.Errorf("kafka.group_id is required")
	}
	if _, err := kafka.ParseAcks(k.Acks); err != nil {
		return fmt.Errorf("kafka.acks: %w", err)
	}
	if _, err := backoff.ParsePolicy(k.BackoffPolicy); err != nil {
		return fmt.Errorf("kafka.backoff_policy: %w", err)
	}
	switch strings.ToLower(k.Compression) {
	case "none", "gzip", "snappy", "lz4", "zstd":
	default:
		return fmt.Errorf("kafka.compression must be one of [none, gzip, snappy, lz4, zstd]")
	}
	switch strings.ToLower(k.InitialOffset) {
	case "earliest", "latest":
	default:
		return fmt.Errorf("kafka.initial_offset must be one of [earliest, latest]")
	}
	if k.Partitions <= 0 {
		return fmt.Errorf("kafka.partitions must be > 0")
	}
	// acks/idempotence/retry и poll_timeout/max_poll_interval проверяют
	// publisher.Config и subscriber.Config.
	return nil
}

func validateHTTP(h *HTTPConfig) error {
	if h.Port <= 0 || h.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535")
	}
	durations := map[string]time.Duration{
		"http.read_timeout":     h.ReadTimeout,
		"http.write_timeout":    h.WriteTimeout,
		"http.idle_timeout":     h.IdleTimeout,
		"http.shutdown_timeout": h.ShutdownTimeout,
	}
	for k, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", k)
		}
	}
	paths := map[string]string{
		"http.metrics_path": h.MetricsPath,
		"http.healthz_path": h.HealthzPath,
		"http.readyz_path":  h.ReadyzPath,
	}
	for k, p := range paths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s must start with '/'", k)
		}
	}
	return nil
}
