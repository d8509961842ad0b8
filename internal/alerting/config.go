package alerting

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/correlator-io/sentinel/internal/config"
)

// Sink selects the notification sink.
type Sink string

// Supported sinks.
const (
	SinkLog   Sink = "log"
	SinkSlack Sink = "slack"
	SinkKafka Sink = "kafka"
)

const (
	defaultQueueSize       = 1024
	defaultWorkers         = 2
	defaultRatePerSecond   = 1.0
	defaultBurst           = 5
	defaultMaxAttempts     = 5
	defaultRetryInitial    = time.Second
	defaultRetryMax        = 30 * time.Second
	defaultDeliveryTimeout = 10 * time.Second
	defaultStoreTimeout    = 5 * time.Second
	defaultSweepInterval   = 5 * time.Minute
	defaultSweepBatch      = 500
	defaultKafkaTopic      = "sentinel.alerts"
)

var (
	ErrUnknownSink        = errors.New("unknown notification sink")
	ErrSlackWebhookEmpty  = errors.New("slack webhook URL cannot be empty")
	ErrKafkaBrokersEmpty  = errors.New("kafka brokers cannot be empty")
	ErrKafkaTopicEmpty    = errors.New("kafka topic cannot be empty")
	ErrInvalidQueueSize   = errors.New("alert queue size must be positive")
	ErrInvalidWorkers     = errors.New("alert workers must be positive")
	ErrInvalidRate        = errors.New("alert rate must be positive")
	ErrInvalidMaxAttempts = errors.New("alert max attempts must be at least 1")
	ErrInvalidTimeout     = errors.New("alert timeouts must be positive")
)

// Config holds alerter and sink settings.
type Config struct {
	Sink            Sink
	SlackWebhookURL string
	KafkaBrokers    []string
	KafkaTopic      string

	QueueSize       int
	Workers         int
	RatePerSecond   float64
	Burst           int
	MaxAttempts     int
	RetryInitial    time.Duration
	RetryMax        time.Duration
	DeliveryTimeout time.Duration
	StoreTimeout    time.Duration

	// SweepInterval re-enqueues pending records periodically. Zero disables the sweep.
	SweepInterval time.Duration
	SweepBatch    int
}

// LoadConfig reads alerting configuration from the environment.
func LoadConfig() *Config {
	return &Config{
		Sink:            Sink(strings.ToLower(config.GetEnvStr("SENTINEL_NOTIFIER", string(SinkLog)))),
		SlackWebhookURL: config.GetEnvStr("SENTINEL_SLACK_WEBHOOK_URL", ""),
		KafkaBrokers:    config.ParseCommaSeparatedList(config.GetEnvStr("SENTINEL_KAFKA_BROKERS", "")),
		KafkaTopic:      config.GetEnvStr("SENTINEL_KAFKA_TOPIC", defaultKafkaTopic),
		QueueSize:       config.GetEnvInt("SENTINEL_ALERT_QUEUE_SIZE", defaultQueueSize),
		Workers:         config.GetEnvInt("SENTINEL_ALERT_WORKERS", defaultWorkers),
		RatePerSecond:   config.GetEnvFloat("SENTINEL_ALERT_RPS", defaultRatePerSecond),
		Burst:           config.GetEnvInt("SENTINEL_ALERT_BURST", defaultBurst),
		MaxAttempts:     config.GetEnvInt("SENTINEL_ALERT_MAX_ATTEMPTS", defaultMaxAttempts),
		RetryInitial:    config.GetEnvDuration("SENTINEL_ALERT_RETRY_INITIAL", defaultRetryInitial),
		RetryMax:        config.GetEnvDuration("SENTINEL_ALERT_RETRY_MAX", defaultRetryMax),
		DeliveryTimeout: config.GetEnvDuration("SENTINEL_ALERT_DELIVERY_TIMEOUT", defaultDeliveryTimeout),
		StoreTimeout:    config.GetEnvDuration("SENTINEL_ALERT_STORE_TIMEOUT", defaultStoreTimeout),
		SweepInterval:   config.GetEnvDuration("SENTINEL_ALERT_SWEEP_INTERVAL", defaultSweepInterval),
		SweepBatch:      config.GetEnvInt("SENTINEL_ALERT_SWEEP_BATCH", defaultSweepBatch),
	}
}

// Validate checks the alerting configuration.
func (c *Config) Validate() error {
	switch c.Sink {
	case SinkLog:
	case SinkSlack:
		if strings.TrimSpace(c.SlackWebhookURL) == "" {
			return ErrSlackWebhookEmpty
		}
	case SinkKafka:
		if len(c.KafkaBrokers) == 0 {
			return ErrKafkaBrokersEmpty
		}

		if c.KafkaTopic == "" {
			return ErrKafkaTopicEmpty
		}
	default:
		return fmt.Errorf("%w: %q (valid: log, slack, kafka)", ErrUnknownSink, c.Sink)
	}

	if c.QueueSize <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidQueueSize, c.QueueSize)
	}

	if c.Workers <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidWorkers, c.Workers)
	}

	if c.RatePerSecond <= 0 || c.Burst <= 0 {
		return fmt.Errorf("%w: got %.2f/s burst %d", ErrInvalidRate, c.RatePerSecond, c.Burst)
	}

	if c.MaxAttempts < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidMaxAttempts, c.MaxAttempts)
	}

	if c.DeliveryTimeout <= 0 || c.StoreTimeout <= 0 {
		return ErrInvalidTimeout
	}

	return nil
}

// NewNotifier builds the sink selected by cfg.
func NewNotifier(cfg *Config, logger *slog.Logger) (Notifier, error) {
	switch cfg.Sink {
	case SinkSlack:
		slack, err := NewSlackNotifier(cfg.SlackWebhookURL, nil)
		if err != nil {
			return nil, err
		}

		return slack, nil
	case SinkKafka:
		kafka, err := NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, err
		}

		return kafka, nil
	case SinkLog:
		return NewLogNotifier(logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSink, cfg.Sink)
	}
}
