package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"sensmed/internal/logger"
	"sensmed/internal/metrics"
	"sensmed/internal/models"
)

// MessageReader is the subset of *kafka.Reader the consumer uses
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReadingConsumer feeds readings published on a Kafka topic into the
// inbound queue. Messages are keyed by device id; the key is used when the
// payload does not name a device.
type ReadingConsumer struct {
	reader       MessageReader
	envelopeChan chan<- *models.Envelope
	topic        string

	// enqueueTimeout bounds how long a message waits for queue space
	// before it is dropped and committed.
	enqueueTimeout time.Duration

	consumed atomic.Uint64
	dropped  atomic.Uint64
}

// NewReadingConsumer joins the consumer group on the readings topic
func NewReadingConsumer(brokers []string, topic, groupID string, envelopeChan chan<- *models.Envelope) (*ReadingConsumer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
	})
	return NewReadingConsumerWithReader(reader, topic, envelopeChan), nil
}

// NewReadingConsumerWithReader wraps an existing reader
func NewReadingConsumerWithReader(reader MessageReader, topic string, envelopeChan chan<- *models.Envelope) *ReadingConsumer {
	return &ReadingConsumer{
		reader:         reader,
		envelopeChan:   envelopeChan,
		topic:          topic,
		enqueueTimeout: time.Second,
	}
}

// Run consumes until ctx is cancelled or the reader is closed
func (c *ReadingConsumer) Run(ctx context.Context) error {
	log := logger.WithComponent("kafka_consumer").With().Str("topic", c.topic).Logger()
	log.Info().Msg("reading consumer started")
	defer log.Info().Msg("reading consumer stopped")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		c.handle(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Int64("offset", msg.Offset).Msg("failed to commit offset")
		}
	}
}

// handle decodes one message and queues it, waiting briefly for space
func (c *ReadingConsumer) handle(ctx context.Context, msg kafka.Message) bool {
	log := logger.WithComponent("kafka_consumer")

	reading, err := models.DecodeReading(msg.Value)
	if err != nil {
		c.reject("invalid")
		log.Warn().Err(err).Int64("offset", msg.Offset).Msg("invalid reading message")
		return false
	}
	if reading.DeviceID == "" {
		reading.DeviceID = string(msg.Key)
	}
	if reading.Empty() {
		c.reject("empty")
		return false
	}

	receivedAt := msg.Time
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	if reading.Normalize(receivedAt.UTC()) {
		metrics.ReadingsClamped.WithLabelValues(models.SourceKafka).Inc()
		log.Warn().
			Str("device_id", reading.DeviceID).
			Int64("offset", msg.Offset).
			Msg("device clock ahead, timestamp replaced by receive time")
	}
	if err := reading.Validate(); err != nil {
		c.reject("invalid")
		log.Warn().Err(err).Int64("offset", msg.Offset).Msg("reading rejected")
		return false
	}

	envelope := models.NewEnvelope(reading, models.SourceKafka).WithTopic(msg.Topic)

	timer := time.NewTimer(c.enqueueTimeout)
	defer timer.Stop()
	select {
	case c.envelopeChan <- envelope:
		c.consumed.Add(1)
		metrics.ReadingsReceived.WithLabelValues(models.SourceKafka).Inc()
		return true
	case <-timer.C:
		c.reject("queue_full")
		log.Warn().Str("device_id", reading.DeviceID).Msg("inbound queue full, reading dropped")
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *ReadingConsumer) reject(reason string) {
	c.dropped.Add(1)
	metrics.ReadingsRejected.WithLabelValues(models.SourceKafka, reason).Inc()
}

// Stats returns consumed and dropped message counts
func (c *ReadingConsumer) Stats() (consumed, dropped uint64) {
	return c.consumed.Load(), c.dropped.Load()
}

// Close closes the underlying reader
func (c *ReadingConsumer) Close() error {
	return c.reader.Close()
}
