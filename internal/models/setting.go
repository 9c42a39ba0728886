package models

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrEmptyDeviceName     = errors.New("device name cannot be empty")
	ErrInvalidDeviceStatus = errors.New("device status must be active or inactive")
	ErrEmptyUpdate         = errors.New("update contains no fields")
)

// ThresholdSetting is the alarm configuration of one sensor on one device.
// A nil threshold means "no floor" or "no ceiling".
type ThresholdSetting struct {
	ID           int64      `json:"id"`
	DeviceID     int64      `json:"deviceId"`
	SensorType   SensorType `json:"sensorType"`
	MinThreshold *float64   `json:"minThreshold"`
	MaxThreshold *float64   `json:"maxThreshold"`
	Unit         string     `json:"unit"`
	AlarmEnabled bool       `json:"alarmEnabled"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// DefaultSettings returns the factory thresholds synthesized for a new device
func DefaultSettings(deviceID int64) []ThresholdSetting {
	return []ThresholdSetting{
		{DeviceID: deviceID, SensorType: SensorTemperature, MinThreshold: Float(35), MaxThreshold: Float(38.5), Unit: "°C", AlarmEnabled: true},
		{DeviceID: deviceID, SensorType: SensorPulse, MinThreshold: Float(50), MaxThreshold: Float(120), Unit: "BPM", AlarmEnabled: true},
		{DeviceID: deviceID, SensorType: SensorCreatinine, MinThreshold: Float(0.5), MaxThreshold: Float(1.5), Unit: "mg/dL", AlarmEnabled: true},
	}
}

// OptionalFloat tells an absent JSON field apart from an explicit null,
// so a partial update can clear a threshold.
type OptionalFloat struct {
	Set   bool
	Value *float64
}

// UnmarshalJSON implements json.Unmarshaler
func (o *OptionalFloat) UnmarshalJSON(b []byte) error {
	o.Set = true
	if string(b) == "null" {
		o.Value = nil
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	o.Value = &v
	return nil
}

// SetTo returns an OptionalFloat holding v
func SetTo(v float64) OptionalFloat {
	return OptionalFloat{Set: true, Value: &v}
}

// SettingUpdate is a partial threshold update. The (device, sensor) identity
// of a setting is never part of an update.
type SettingUpdate struct {
	MinThreshold OptionalFloat `json:"minThreshold"`
	MaxThreshold OptionalFloat `json:"maxThreshold"`
	Unit         *string       `json:"unit,omitempty"`
	AlarmEnabled *bool         `json:"alarmEnabled,omitempty"`
}

// Empty reports whether the update sets nothing
func (u *SettingUpdate) Empty() bool {
	return !u.MinThreshold.Set && !u.MaxThreshold.Set && u.Unit == nil && u.AlarmEnabled == nil
}

// Apply copies the set fields onto s and stamps UpdatedAt
func (u *SettingUpdate) Apply(s *ThresholdSetting, now time.Time) {
	if u.MinThreshold.Set {
		s.MinThreshold = u.MinThreshold.Value
	}
	if u.MaxThreshold.Set {
		s.MaxThreshold = u.MaxThreshold.Value
	}
	if u.Unit != nil {
		s.Unit = *u.Unit
	}
	if u.AlarmEnabled != nil {
		s.AlarmEnabled = *u.AlarmEnabled
	}
	s.UpdatedAt = now
}

// Float returns a pointer to v
func Float(v float64) *float64 {
	return &v
}
