package storage

import (
	"context"
	"errors"

	"sensmed/internal/models"
)

// Storage errors
var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicateDevice = errors.New("device already exists")
)

// Registry is the source of truth for devices and their per-sensor thresholds.
// It guarantees exactly one setting per (device, sensor type) pair.
type Registry interface {
	// CreateDevice stores the device together with its default settings.
	// Readers never observe the device without all of its defaults.
	CreateDevice(ctx context.Context, in models.DeviceInsert) (*models.Device, error)
	GetDevice(ctx context.Context, id int64) (*models.Device, error)
	GetDeviceByExternalID(ctx context.Context, externalID string) (*models.Device, error)
	ListDevices(ctx context.Context) ([]*models.Device, error)
	UpdateDevice(ctx context.Context, id int64, update models.DeviceUpdate) (*models.Device, error)
	// DeleteDevice removes the device and its settings. Alerts are kept.
	DeleteDevice(ctx context.Context, id int64) error

	GetSettings(ctx context.Context, deviceID int64) ([]*models.ThresholdSetting, error)
	// GetSetting returns ErrNotFound when the pair has no setting.
	GetSetting(ctx context.Context, deviceID int64, sensor models.SensorType) (*models.ThresholdSetting, error)
	// UpsertDefaultSettings inserts the factory defaults that are missing
	// for the device and leaves existing settings untouched.
	UpsertDefaultSettings(ctx context.Context, deviceID int64) error
	UpdateSetting(ctx context.Context, id int64, update models.SettingUpdate) (*models.ThresholdSetting, error)
}

// AlertStore is the append-mostly collection of alert records. The only
// mutation after creation is resolution.
type AlertStore interface {
	CreateAlert(ctx context.Context, in models.AlertInsert) (*models.Alert, error)
	// ResolveAlert marks the alert resolved and stamps ResolvedAt. Resolving
	// an already resolved alert re-stamps ResolvedAt. wasOpen reports whether
	// this call moved the alert from open to resolved.
	ResolveAlert(ctx context.Context, id int64) (alert *models.Alert, wasOpen bool, err error)
	// GetAlerts lists alerts newest first.
	GetAlerts(ctx context.Context, filter models.AlertFilter) ([]*models.Alert, error)
}

// Store is a complete storage backend.
type Store interface {
	Registry
	AlertStore
	Ping(ctx context.Context) error
	Close() error
}
