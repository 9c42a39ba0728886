package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"sensmed/internal/config"
	"sensmed/internal/logger"
	"sensmed/internal/metrics"
	"sensmed/internal/models"
)

// Producer errors
var (
	ErrProducerClosed  = errors.New("producer is closed")
	ErrSerializeFailed = errors.New("failed to serialize message")
)

// MessageWriter is the subset of *kafka.Writer the producer uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// AlertNotification is the message published for every new alert
type AlertNotification struct {
	Alert       *models.Alert `json:"alert"`
	DeviceID    string        `json:"deviceId"`
	DeviceName  string        `json:"deviceName"`
	Patient     string        `json:"patient,omitempty"`
	Room        string        `json:"room,omitempty"`
	PublishedAt time.Time     `json:"publishedAt"`
}

// AlertProducer publishes alert notifications with a pool of writers and
// retries with exponential backoff.
type AlertProducer struct {
	cfg     config.ProducerConfig
	brokers []string
	topic   string
	writers []MessageWriter
	pool    chan MessageWriter
	closed  atomic.Bool

	// Metrics
	messagesSent   atomic.Uint64
	messagesFailed atomic.Uint64
	bytesWritten   atomic.Uint64
}

// ProducerStats holds producer counters
type ProducerStats struct {
	MessagesSent   uint64 `json:"messages_sent"`
	MessagesFailed uint64 `json:"messages_failed"`
	BytesWritten   uint64 `json:"bytes_written"`
}

// NewAlertProducer creates a producer writing to topic
func NewAlertProducer(brokers []string, topic string, cfg config.ProducerConfig) (*AlertProducer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 2
	}

	compression := getCompression(cfg.Compression)
	writers := make([]MessageWriter, cfg.PoolSize)
	for i := range writers {
		writers[i] = &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{}, // partition by device
			BatchSize:    cfg.BatchSize,
			BatchTimeout: cfg.BatchTimeout,
			WriteTimeout: cfg.WriteTimeout,
			RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
			Compression:  compression,
			MaxAttempts:  1, // retries are handled here
		}
	}

	p, err := NewAlertProducerWithWriters(topic, cfg, writers...)
	if err != nil {
		return nil, err
	}
	p.brokers = brokers
	return p, nil
}

// NewAlertProducerWithWriters builds a producer over existing writers
func NewAlertProducerWithWriters(topic string, cfg config.ProducerConfig, writers ...MessageWriter) (*AlertProducer, error) {
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if len(writers) == 0 {
		return nil, errors.New("at least one writer is required")
	}

	p := &AlertProducer{
		cfg:     cfg,
		topic:   topic,
		writers: writers,
		pool:    make(chan MessageWriter, len(writers)),
	}
	for _, w := range writers {
		p.pool <- w
	}
	return p, nil
}

// getCompression returns the kafka compression codec
func getCompression(name string) compress.Compression {
	switch name {
	case "gzip":
		return compress.Gzip
	case "snappy":
		return compress.Snappy
	case "lz4":
		return compress.Lz4
	case "zstd":
		return compress.Zstd
	default:
		return compress.None
	}
}

// PublishAlert implements the alert engine's Notifier
func (p *AlertProducer) PublishAlert(ctx context.Context, alert *models.Alert, device *models.Device) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	notification := AlertNotification{
		Alert:       alert,
		DeviceID:    device.ExternalID,
		DeviceName:  device.Name,
		Patient:     device.Patient,
		Room:        device.Room,
		PublishedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(notification)
	if err != nil {
		p.messagesFailed.Add(1)
		return fmt.Errorf("%w: %v", ErrSerializeFailed, err)
	}

	msg := kafka.Message{
		Key:   []byte(device.ExternalID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "alert_id", Value: []byte(strconv.FormatInt(alert.ID, 10))},
			{Key: "level", Value: []byte(alert.Level)},
			{Key: "sensor_type", Value: []byte(alert.SensorType)},
		},
		Time: alert.CreatedAt,
	}

	var writer MessageWriter
	select {
	case writer = <-p.pool:
		defer func() { p.pool <- writer }()
	case <-ctx.Done():
		p.messagesFailed.Add(1)
		metrics.KafkaPublishTotal.WithLabelValues("failed").Inc()
		return ctx.Err()
	}

	start := time.Now()
	err = p.publishWithRetry(ctx, writer, msg)
	metrics.KafkaPublishDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		p.messagesFailed.Add(1)
		metrics.KafkaPublishTotal.WithLabelValues("failed").Inc()
		return err
	}

	p.messagesSent.Add(1)
	p.bytesWritten.Add(uint64(len(data)))
	metrics.KafkaPublishTotal.WithLabelValues("success").Inc()
	return nil
}

// publishWithRetry publishes a single message with exponential backoff retry
func (p *AlertProducer) publishWithRetry(ctx context.Context, writer MessageWriter, msg kafka.Message) error {
	log := logger.WithComponent("kafka_producer")
	var lastErr error
	backoff := p.cfg.RetryBackoff

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("retrying kafka publish")

			metrics.KafkaPublishRetries.Inc()

			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := writer.WriteMessages(ctx, msg)
		if err == nil {
			return nil
		}

		lastErr = err
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Msg("kafka publish attempt failed")

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", p.cfg.MaxRetries+1, lastErr)
}

// Close closes all writers in the pool
func (p *AlertProducer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	var errs []error
	for _, writer := range p.writers {
		if err := writer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns producer statistics
func (p *AlertProducer) Stats() ProducerStats {
	return ProducerStats{
		MessagesSent:   p.messagesSent.Load(),
		MessagesFailed: p.messagesFailed.Load(),
		BytesWritten:   p.bytesWritten.Load(),
	}
}

// HealthCheck verifies the producer is open and a broker is reachable
func (p *AlertProducer) HealthCheck(ctx context.Context) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	if len(p.brokers) == 0 {
		return nil
	}

	conn, err := kafka.DialContext(ctx, "tcp", p.brokers[0])
	if err != nil {
		return fmt.Errorf("kafka broker unreachable: %w", err)
	}
	return conn.Close()
}
