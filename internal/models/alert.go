package models

import (
	"time"
)

// AlertLevel is the severity of a persisted alert
type AlertLevel string

const (
	LevelWarning AlertLevel = "warning"
	LevelDanger  AlertLevel = "danger"
)

// Alert is a persisted record of a single threshold breach
type Alert struct {
	ID         int64      `json:"id"`
	DeviceID   int64      `json:"deviceId"`
	SensorType SensorType `json:"sensorType"`
	Level      AlertLevel `json:"level"`
	Message    string     `json:"message"`
	Value      float64    `json:"value"`
	Threshold  float64    `json:"threshold"`
	Resolved   bool       `json:"resolved"`
	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt"`
}

// AlertInsert is an alert-creation request produced by the lifecycle manager
type AlertInsert struct {
	DeviceID   int64      `json:"deviceId"`
	SensorType SensorType `json:"sensorType"`
	Level      AlertLevel `json:"level"`
	Message    string     `json:"message"`
	Value      float64    `json:"value"`
	Threshold  float64    `json:"threshold"`
}

// AlertFilter selects alerts. Nil fields match everything.
type AlertFilter struct {
	Resolved *bool
	DeviceID *int64
	Limit    int
}

// Matches reports whether an alert passes the filter (ignoring Limit)
func (f AlertFilter) Matches(a *Alert) bool {
	if f.Resolved != nil && a.Resolved != *f.Resolved {
		return false
	}
	if f.DeviceID != nil && a.DeviceID != *f.DeviceID {
		return false
	}
	return true
}

// Bool returns a pointer to b
func Bool(b bool) *bool {
	return &b
}

// Int64 returns a pointer to v
func Int64(v int64) *int64 {
	return &v
}
