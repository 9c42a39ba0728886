package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"sensmed/internal/models"
)

type settingKey struct {
	deviceID int64
	sensor   models.SensorType
}

// Memory is an in-process Store. Identifiers are assigned per instance.
type Memory struct {
	mu sync.RWMutex

	devices    map[int64]*models.Device
	byExternal map[string]int64
	settings   map[int64]*models.ThresholdSetting
	bySensor   map[settingKey]int64
	alerts     map[int64]*models.Alert

	nextDeviceID  int64
	nextSettingID int64
	nextAlertID   int64

	now func() time.Time
}

// NewMemory returns an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		devices:    make(map[int64]*models.Device),
		byExternal: make(map[string]int64),
		settings:   make(map[int64]*models.ThresholdSetting),
		bySensor:   make(map[settingKey]int64),
		alerts:     make(map[int64]*models.Alert),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CreateDevice implements Registry
func (m *Memory) CreateDevice(ctx context.Context, in models.DeviceInsert) (*models.Device, error) {
	in.Normalize()
	if err := in.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byExternal[in.ExternalID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateDevice, in.ExternalID)
	}

	m.nextDeviceID++
	now := m.now()
	d := &models.Device{
		ID:         m.nextDeviceID,
		ExternalID: in.ExternalID,
		Name:       in.Name,
		Status:     in.Status,
		Patient:    in.Patient,
		Room:       in.Room,
		MQTTTopic:  in.MQTTTopic,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.devices[d.ID] = d
	m.byExternal[d.ExternalID] = d.ID
	m.upsertDefaultsLocked(d.ID, now)

	cp := *d
	return &cp, nil
}

// GetDevice implements Registry
func (m *Memory) GetDevice(ctx context.Context, id int64) (*models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.devices[id]
	if !ok {
		return nil, fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

// GetDeviceByExternalID implements Registry
func (m *Memory) GetDeviceByExternalID(ctx context.Context, externalID string) (*models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byExternal[externalID]
	if !ok {
		return nil, fmt.Errorf("device %q: %w", externalID, ErrNotFound)
	}
	cp := *m.devices[id]
	return &cp, nil
}

// ListDevices implements Registry
func (m *Memory) ListDevices(ctx context.Context) ([]*models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Device, 0, len(m.devices))
	for _, d := range m.devices {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateDevice implements Registry
func (m *Memory) UpdateDevice(ctx context.Context, id int64, update models.DeviceUpdate) (*models.Device, error) {
	if err := update.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[id]
	if !ok {
		return nil, fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	update.Apply(d)
	d.UpdatedAt = m.now()

	cp := *d
	return &cp, nil
}

// DeleteDevice implements Registry
func (m *Memory) DeleteDevice(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[id]
	if !ok {
		return fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	for _, sensor := range models.SensorTypes {
		key := settingKey{deviceID: id, sensor: sensor}
		if sid, ok := m.bySensor[key]; ok {
			delete(m.settings, sid)
			delete(m.bySensor, key)
		}
	}
	delete(m.byExternal, d.ExternalID)
	delete(m.devices, id)
	return nil
}

// GetSettings implements Registry
func (m *Memory) GetSettings(ctx context.Context, deviceID int64) ([]*models.ThresholdSetting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.ThresholdSetting, 0, len(models.SensorTypes))
	for _, sensor := range models.SensorTypes {
		if sid, ok := m.bySensor[settingKey{deviceID: deviceID, sensor: sensor}]; ok {
			out = append(out, copySetting(m.settings[sid]))
		}
	}
	return out, nil
}

// GetSetting implements Registry
func (m *Memory) GetSetting(ctx context.Context, deviceID int64, sensor models.SensorType) (*models.ThresholdSetting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sid, ok := m.bySensor[settingKey{deviceID: deviceID, sensor: sensor}]
	if !ok {
		return nil, fmt.Errorf("setting %d/%s: %w", deviceID, sensor, ErrNotFound)
	}
	return copySetting(m.settings[sid]), nil
}

// UpsertDefaultSettings implements Registry
func (m *Memory) UpsertDefaultSettings(ctx context.Context, deviceID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[deviceID]; !ok {
		return fmt.Errorf("device %d: %w", deviceID, ErrNotFound)
	}
	m.upsertDefaultsLocked(deviceID, m.now())
	return nil
}

func (m *Memory) upsertDefaultsLocked(deviceID int64, now time.Time) {
	for _, def := range models.DefaultSettings(deviceID) {
		key := settingKey{deviceID: deviceID, sensor: def.SensorType}
		if _, exists := m.bySensor[key]; exists {
			continue
		}
		m.nextSettingID++
		s := def
		s.ID = m.nextSettingID
		s.CreatedAt = now
		s.UpdatedAt = now
		m.settings[s.ID] = &s
		m.bySensor[key] = s.ID
	}
}

// UpdateSetting implements Registry
func (m *Memory) UpdateSetting(ctx context.Context, id int64, update models.SettingUpdate) (*models.ThresholdSetting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.settings[id]
	if !ok {
		return nil, fmt.Errorf("setting %d: %w", id, ErrNotFound)
	}
	update.Apply(s, m.now())
	return copySetting(s), nil
}

// CreateAlert implements AlertStore
func (m *Memory) CreateAlert(ctx context.Context, in models.AlertInsert) (*models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextAlertID++
	a := &models.Alert{
		ID:         m.nextAlertID,
		DeviceID:   in.DeviceID,
		SensorType: in.SensorType,
		Level:      in.Level,
		Message:    in.Message,
		Value:      in.Value,
		Threshold:  in.Threshold,
		CreatedAt:  m.now(),
	}
	m.alerts[a.ID] = a

	cp := *a
	return &cp, nil
}

// ResolveAlert implements AlertStore
func (m *Memory) ResolveAlert(ctx context.Context, id int64) (*models.Alert, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return nil, false, fmt.Errorf("alert %d: %w", id, ErrNotFound)
	}
	wasOpen := !a.Resolved
	now := m.now()
	a.Resolved = true
	a.ResolvedAt = &now

	return copyAlert(a), wasOpen, nil
}

// GetAlerts implements AlertStore
func (m *Memory) GetAlerts(ctx context.Context, filter models.AlertFilter) ([]*models.Alert, error) {
	m.mu.RLock()
	out := make([]*models.Alert, 0)
	for _, a := range m.alerts {
		if filter.Matches(a) {
			out = append(out, copyAlert(a))
		}
	}
	m.mu.RUnlock()

	sortNewestFirst(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Ping implements Store
func (m *Memory) Ping(ctx context.Context) error { return nil }

// Close implements Store
func (m *Memory) Close() error { return nil }

func sortNewestFirst(alerts []*models.Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].CreatedAt.Equal(alerts[j].CreatedAt) {
			return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
		}
		return alerts[i].ID > alerts[j].ID
	})
}

func copySetting(s *models.ThresholdSetting) *models.ThresholdSetting {
	cp := *s
	if s.MinThreshold != nil {
		cp.MinThreshold = models.Float(*s.MinThreshold)
	}
	if s.MaxThreshold != nil {
		cp.MaxThreshold = models.Float(*s.MaxThreshold)
	}
	return &cp
}

func copyAlert(a *models.Alert) *models.Alert {
	cp := *a
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
