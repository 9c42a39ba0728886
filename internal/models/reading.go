package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"time"
)

// Validation errors
var (
	ErrEmptyDeviceID     = errors.New("device ID cannot be empty")
	ErrInvalidSensorType = errors.New("invalid sensor type")
	ErrInvalidTimestamp  = errors.New("invalid timestamp format")
	ErrMalformedReading  = errors.New("reading must be a JSON object")
)

// Reading is one decoded transport message. Every sensor field is optional;
// a nil field means the sensor was silent or its value was unusable.
type Reading struct {
	DeviceID    string    `json:"deviceId,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	Pulse       *float64  `json:"pulse,omitempty"`
	Creatinine  *float64  `json:"creatinine,omitempty"`
	ObservedAt  time.Time `json:"timestamp"`
}

// SensorReading is a single (device, sensor, value) sample.
type SensorReading struct {
	DeviceID   string     `json:"deviceId"`
	SensorType SensorType `json:"sensorType"`
	Value      float64    `json:"value"`
	ObservedAt time.Time  `json:"observedAt"`
}

// Value returns the value reported for a sensor, or nil when absent
func (r *Reading) Value(sensor SensorType) *float64 {
	switch sensor {
	case SensorTemperature:
		return r.Temperature
	case SensorPulse:
		return r.Pulse
	case SensorCreatinine:
		return r.Creatinine
	default:
		return nil
	}
}

// Set stores a value for a sensor
func (r *Reading) Set(sensor SensorType, v float64) {
	switch sensor {
	case SensorTemperature:
		r.Temperature = &v
	case SensorPulse:
		r.Pulse = &v
	case SensorCreatinine:
		r.Creatinine = &v
	}
}

// Samples flattens the reading into one SensorReading per present sensor
func (r *Reading) Samples() []SensorReading {
	samples := make([]SensorReading, 0, len(SensorTypes))
	for _, sensor := range SensorTypes {
		if v := r.Value(sensor); v != nil {
			samples = append(samples, SensorReading{
				DeviceID:   r.DeviceID,
				SensorType: sensor,
				Value:      *v,
				ObservedAt: r.ObservedAt,
			})
		}
	}
	return samples
}

// Empty reports whether the reading carries no usable sensor value
func (r *Reading) Empty() bool {
	return r.Temperature == nil && r.Pulse == nil && r.Creatinine == nil
}

// DecodeReading decodes a JSON object into a Reading. Sensor fields that are
// missing, null, non-numeric or non-finite are skipped rather than rejected,
// so a payload with no usable field decodes to an empty reading.
func DecodeReading(payload []byte) (*Reading, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil || raw == nil {
		return nil, ErrMalformedReading
	}

	reading := &Reading{}
	for _, sensor := range SensorTypes {
		field, ok := raw[string(sensor)]
		if !ok || bytes.Equal(bytes.TrimSpace(field), []byte("null")) {
			continue
		}
		var v float64
		if err := json.Unmarshal(field, &v); err != nil {
			continue
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		reading.Set(sensor, v)
	}

	for _, key := range []string{"deviceId", "device_id"} {
		if field, ok := raw[key]; ok {
			var id string
			if err := json.Unmarshal(field, &id); err == nil && id != "" {
				reading.DeviceID = id
				break
			}
		}
	}

	if field, ok := raw["timestamp"]; ok {
		var ts string
		if err := json.Unmarshal(field, &ts); err == nil && ts != "" {
			if t, err := ParseTimestamp(ts); err == nil {
				reading.ObservedAt = t
			}
		}
	}

	return reading, nil
}
