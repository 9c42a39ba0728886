package models

import (
	"time"
)

// Reading sources
const (
	SourceHTTP  = "http"
	SourceMQTT  = "mqtt"
	SourceKafka = "kafka"
)

// Envelope wraps a Reading with internal metadata for processing
type Envelope struct {
	// Decoded reading; Reading.DeviceID is the external device identifier
	Reading *Reading `json:"reading"`

	// Internal processing metadata
	ReceivedAt   time.Time `json:"received_at"`
	Source       string    `json:"source"`
	Topic        string    `json:"topic,omitempty"`
	BatchID      string    `json:"batch_id,omitempty"`
	BatchIndex   int       `json:"batch_index,omitempty"`
	PartitionKey string    `json:"partition_key"`
}

// NewEnvelope creates a new envelope wrapping a reading
func NewEnvelope(reading *Reading, source string) *Envelope {
	return &Envelope{
		Reading:      reading,
		ReceivedAt:   time.Now().UTC(),
		Source:       source,
		PartitionKey: reading.DeviceID, // shard by device for ordering
	}
}

// WithBatch sets batch metadata on the envelope
func (e *Envelope) WithBatch(batchID string, index int) *Envelope {
	e.BatchID = batchID
	e.BatchIndex = index
	return e
}

// WithTopic records the transport topic the reading arrived on
func (e *Envelope) WithTopic(topic string) *Envelope {
	e.Topic = topic
	return e
}
