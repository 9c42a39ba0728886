package models

import (
	"fmt"
	"strings"
)

// SensorType identifies one of the monitored vital-sign channels
type SensorType string

const (
	SensorTemperature SensorType = "temperature"
	SensorPulse       SensorType = "pulse"
	SensorCreatinine  SensorType = "creatinine"
)

// SensorTypes lists every known sensor type in evaluation order.
var SensorTypes = []SensorType{
	SensorTemperature,
	SensorPulse,
	SensorCreatinine,
}

// IsValid checks if the sensor type is one of the known channels
func (s SensorType) IsValid() bool {
	switch s {
	case SensorTemperature, SensorPulse, SensorCreatinine:
		return true
	default:
		return false
	}
}

// Rank orders sensor types for stable listings.
func (s SensorType) Rank() int {
	for i, t := range SensorTypes {
		if t == s {
			return i
		}
	}
	return len(SensorTypes)
}

// ParseSensorType converts a loosely formatted name into a SensorType
func ParseSensorType(name string) (SensorType, error) {
	s := SensorType(strings.ToLower(strings.TrimSpace(name)))
	if !s.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidSensorType, name)
	}
	return s, nil
}
