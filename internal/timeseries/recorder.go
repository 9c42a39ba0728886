package timeseries

import (
	"context"

	"sensmed/internal/models"
)

// Recorder persists sensor samples as time-series points
type Recorder interface {
	Record(ctx context.Context, samples []models.SensorReading) error
	Close() error
}

// Noop discards every sample and finds none. Used when no time-series store
// is configured.
type Noop struct{}

// Record implements Recorder
func (Noop) Record(ctx context.Context, samples []models.SensorReading) error { return nil }

// Close implements Recorder
func (Noop) Close() error { return nil }

// Latest implements Reader
func (Noop) Latest(ctx context.Context, deviceID string) ([]models.SensorReading, error) {
	return []models.SensorReading{}, nil
}

// Range implements Reader
func (Noop) Range(ctx context.Context, deviceID string, sensor models.SensorType, start, stop string) ([]models.SensorReading, error) {
	return []models.SensorReading{}, nil
}
