package storage_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensmed/internal/models"
	"sensmed/internal/storage"
)

func TestMemory_CreateDeviceSynthesizesDefaults(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()

	d, err := store.CreateDevice(ctx, models.DeviceInsert{ExternalID: "  esp32-c40a24 ", Name: "Smart mattress"})
	require.NoError(t, err)
	assert.Equal(t, "esp32-c40a24", d.ExternalID)
	assert.Equal(t, models.DeviceInactive, d.Status)
	assert.Equal(t, "patient/esp32-c40a24/data", d.MQTTTopic)

	settings, err := store.GetSettings(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, settings, 3)

	want := models.DefaultSettings(d.ID)
	for i, s := range settings {
		assert.Equal(t, want[i].SensorType, s.SensorType)
		assert.Equal(t, *want[i].MinThreshold, *s.MinThreshold)
		assert.Equal(t, *want[i].MaxThreshold, *s.MaxThreshold)
		assert.Equal(t, want[i].Unit, s.Unit)
		assert.True(t, s.AlarmEnabled)
		assert.NotZero(t, s.ID)
	}
}

func TestMemory_CreateDeviceValidation(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()

	_, err := store.CreateDevice(ctx, models.DeviceInsert{Name: "no id"})
	assert.ErrorIs(t, err, models.ErrEmptyDeviceID)

	_, err = store.CreateDevice(ctx, models.DeviceInsert{ExternalID: "a", Name: "x", Status: "broken"})
	assert.ErrorIs(t, err, models.ErrInvalidDeviceStatus)

	_, err = store.CreateDevice(ctx, models.DeviceInsert{ExternalID: "a", Name: "x"})
	require.NoError(t, err)
	_, err = store.CreateDevice(ctx, models.DeviceInsert{ExternalID: "a", Name: "y"})
	assert.ErrorIs(t, err, storage.ErrDuplicateDevice)
}

func TestMemory_ConcurrentReadersSeeAllOrNoSettings(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	partial := make(chan int, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for id := int64(1); id <= 50; id++ {
				settings, _ := store.GetSettings(ctx, id)
				if n := len(settings); n != 0 && n != 3 {
					select {
					case partial <- n:
					default:
					}
				}
			}
		}
	}()

	for i := 0; i < 50; i++ {
		_, err := store.CreateDevice(ctx, models.DeviceInsert{ExternalID: string(rune('A'+i%26)) + string(rune('a'+i/26)), Name: "bed"})
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()

	select {
	case n := <-partial:
		t.Fatalf("reader observed %d settings", n)
	default:
	}
}

func TestMemory_UpdateSetting(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	d, err := store.CreateDevice(ctx, models.DeviceInsert{ExternalID: "bed-1", Name: "Bed 1"})
	require.NoError(t, err)

	temp, err := store.GetSetting(ctx, d.ID, models.SensorTemperature)
	require.NoError(t, err)

	updated, err := store.UpdateSetting(ctx, temp.ID, models.SettingUpdate{
		MinThreshold: models.OptionalFloat{Set: true},
		MaxThreshold: models.SetTo(39),
	})
	require.NoError(t, err)
	assert.Nil(t, updated.MinThreshold)
	assert.Equal(t, 39.0, *updated.MaxThreshold)
	assert.Equal(t, "°C", updated.Unit)
	assert.Equal(t, d.ID, updated.DeviceID)
	assert.Equal(t, models.SensorTemperature, updated.SensorType)
	assert.False(t, updated.UpdatedAt.Before(temp.UpdatedAt))

	// callers get copies
	*updated.MaxThreshold = 1
	again, err := store.GetSetting(ctx, d.ID, models.SensorTemperature)
	require.NoError(t, err)
	assert.Equal(t, 39.0, *again.MaxThreshold)

	_, err = store.UpdateSetting(ctx, 999, models.SettingUpdate{Unit: new(string)})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMemory_UpsertDefaultSettingsKeepsExisting(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	d, err := store.CreateDevice(ctx, models.DeviceInsert{ExternalID: "bed-1", Name: "Bed 1"})
	require.NoError(t, err)

	pulse, err := store.GetSetting(ctx, d.ID, models.SensorPulse)
	require.NoError(t, err)
	_, err = store.UpdateSetting(ctx, pulse.ID, models.SettingUpdate{MaxThreshold: models.SetTo(140)})
	require.NoError(t, err)

	require.NoError(t, store.UpsertDefaultSettings(ctx, d.ID))

	settings, err := store.GetSettings(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, settings, 3)
	assert.Equal(t, 140.0, *settings[1].MaxThreshold)

	assert.ErrorIs(t, store.UpsertDefaultSettings(ctx, 42), storage.ErrNotFound)
}

func TestMemory_DeleteDeviceKeepsAlerts(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	d, err := store.CreateDevice(ctx, models.DeviceInsert{ExternalID: "bed-1", Name: "Bed 1"})
	require.NoError(t, err)

	_, err = store.CreateAlert(ctx, models.AlertInsert{DeviceID: d.ID, SensorType: models.SensorPulse, Level: models.LevelWarning})
	require.NoError(t, err)

	require.NoError(t, store.DeleteDevice(ctx, d.ID))
	assert.ErrorIs(t, store.DeleteDevice(ctx, d.ID), storage.ErrNotFound)

	_, err = store.GetDeviceByExternalID(ctx, "bed-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	settings, err := store.GetSettings(ctx, d.ID)
	require.NoError(t, err)
	assert.Empty(t, settings)

	alerts, err := store.GetAlerts(ctx, models.AlertFilter{DeviceID: models.Int64(d.ID)})
	require.NoError(t, err)
	assert.Len(t, alerts, 1)

	// the external id can be registered again
	_, err = store.CreateDevice(ctx, models.DeviceInsert{ExternalID: "bed-1", Name: "Bed 1"})
	assert.NoError(t, err)
}

func TestMemory_UpdateDevice(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	d, err := store.CreateDevice(ctx, models.DeviceInsert{ExternalID: "bed-1", Name: "Bed 1"})
	require.NoError(t, err)

	status := models.DeviceActive
	room := "ICU-3"
	updated, err := store.UpdateDevice(ctx, d.ID, models.DeviceUpdate{Status: &status, Room: &room})
	require.NoError(t, err)
	assert.Equal(t, models.DeviceActive, updated.Status)
	assert.Equal(t, "ICU-3", updated.Room)
	assert.Equal(t, "Bed 1", updated.Name)

	blank := "  "
	_, err = store.UpdateDevice(ctx, d.ID, models.DeviceUpdate{Name: &blank})
	assert.ErrorIs(t, err, models.ErrEmptyDeviceName)

	_, err = store.UpdateDevice(ctx, 7, models.DeviceUpdate{Room: &room})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMemory_AlertsNewestFirstAndFiltered(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()

	var ids []int64
	for i := 0; i < 4; i++ {
		a, err := store.CreateAlert(ctx, models.AlertInsert{
			DeviceID:   int64(1 + i%2),
			SensorType: models.SensorTemperature,
			Level:      models.LevelWarning,
			Value:      float64(39 + i),
			Threshold:  38.5,
		})
		require.NoError(t, err)
		assert.False(t, a.Resolved)
		ids = append(ids, a.ID)
	}

	all, err := store.GetAlerts(ctx, models.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i := range all {
		assert.Equal(t, ids[len(ids)-1-i], all[i].ID)
	}

	_, _, err = store.ResolveAlert(ctx, ids[0])
	require.NoError(t, err)

	open, err := store.GetAlerts(ctx, models.AlertFilter{Resolved: models.Bool(false)})
	require.NoError(t, err)
	assert.Len(t, open, 3)

	resolved, err := store.GetAlerts(ctx, models.AlertFilter{Resolved: models.Bool(true)})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, ids[0], resolved[0].ID)

	device2, err := store.GetAlerts(ctx, models.AlertFilter{DeviceID: models.Int64(2), Limit: 1})
	require.NoError(t, err)
	require.Len(t, device2, 1)
	assert.Equal(t, ids[3], device2[0].ID)
}

func TestMemory_ResolveAlertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()

	a, err := store.CreateAlert(ctx, models.AlertInsert{DeviceID: 1, SensorType: models.SensorPulse, Level: models.LevelDanger})
	require.NoError(t, err)

	first, wasOpen, err := store.ResolveAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, wasOpen)
	require.NotNil(t, first.ResolvedAt)

	second, wasOpen, err := store.ResolveAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, wasOpen)
	assert.True(t, second.Resolved)
	require.NotNil(t, second.ResolvedAt)
	assert.False(t, second.ResolvedAt.Before(*first.ResolvedAt))

	_, _, err = store.ResolveAlert(ctx, 404)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
