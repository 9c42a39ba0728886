package models

import (
	"fmt"
	"strings"
	"time"
)

// Device statuses
const (
	DeviceActive   = "active"
	DeviceInactive = "inactive"
)

// Device is a registered bedside sensor unit
type Device struct {
	ID         int64     `json:"id"`
	ExternalID string    `json:"deviceId"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Patient    string    `json:"patient,omitempty"`
	Room       string    `json:"room,omitempty"`
	MQTTTopic  string    `json:"mqttTopic,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// DeviceInsert holds the operator supplied fields of a new device
type DeviceInsert struct {
	ExternalID string `json:"deviceId"`
	Name       string `json:"name"`
	Status     string `json:"status,omitempty"`
	Patient    string `json:"patient,omitempty"`
	Room       string `json:"room,omitempty"`
	MQTTTopic  string `json:"mqttTopic,omitempty"`
}

// DeviceUpdate is a partial device update; nil fields are left unchanged
type DeviceUpdate struct {
	Name      *string `json:"name,omitempty"`
	Status    *string `json:"status,omitempty"`
	Patient   *string `json:"patient,omitempty"`
	Room      *string `json:"room,omitempty"`
	MQTTTopic *string `json:"mqttTopic,omitempty"`
}

// DefaultTopic is the MQTT topic a device publishes on unless configured otherwise
func DefaultTopic(externalID string) string {
	return fmt.Sprintf("patient/%s/data", externalID)
}

// Normalize trims fields and fills defaults
func (d *DeviceInsert) Normalize() {
	d.ExternalID = strings.TrimSpace(d.ExternalID)
	d.Name = strings.TrimSpace(d.Name)
	d.Status = normalizeStatus(d.Status)
	if d.Status == "" {
		d.Status = DeviceInactive
	}
	d.MQTTTopic = strings.TrimSpace(d.MQTTTopic)
	if d.MQTTTopic == "" && d.ExternalID != "" {
		d.MQTTTopic = DefaultTopic(d.ExternalID)
	}
}

// Validate checks required device fields
func (d *DeviceInsert) Validate() error {
	if d.ExternalID == "" {
		return ErrEmptyDeviceID
	}
	if d.Name == "" {
		return ErrEmptyDeviceName
	}
	if !validDeviceStatus(d.Status) {
		return ErrInvalidDeviceStatus
	}
	return nil
}

// Validate checks the fields present in the update
func (u *DeviceUpdate) Validate() error {
	if u.Name != nil && strings.TrimSpace(*u.Name) == "" {
		return ErrEmptyDeviceName
	}
	if u.Status != nil && !validDeviceStatus(normalizeStatus(*u.Status)) {
		return ErrInvalidDeviceStatus
	}
	return nil
}

// Apply copies the set fields of the update onto the device
func (u *DeviceUpdate) Apply(d *Device) {
	if u.Name != nil {
		d.Name = strings.TrimSpace(*u.Name)
	}
	if u.Status != nil {
		d.Status = normalizeStatus(*u.Status)
	}
	if u.Patient != nil {
		d.Patient = *u.Patient
	}
	if u.Room != nil {
		d.Room = *u.Room
	}
	if u.MQTTTopic != nil {
		d.MQTTTopic = strings.TrimSpace(*u.MQTTTopic)
	}
}

func normalizeStatus(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func validDeviceStatus(s string) bool {
	return s == DeviceActive || s == DeviceInactive
}
