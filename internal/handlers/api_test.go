package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensmed/internal/alerts"
	"sensmed/internal/handlers"
	"sensmed/internal/models"
	"sensmed/internal/mqtt"
	"sensmed/internal/storage"
)

type fakeSubscriber struct {
	mu     sync.Mutex
	topics map[string]string
}

func (f *fakeSubscriber) Subscribe(topic, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics[topic] = deviceID
	return nil
}

func (f *fakeSubscriber) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.topics, topic)
	return nil
}

func (f *fakeSubscriber) Status() mqtt.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	topics := make([]string, 0, len(f.topics))
	for topic := range f.topics {
		topics = append(topics, topic)
	}
	return mqtt.Status{Connected: true, Broker: "tcp://broker:1883", Topics: topics}
}

type rangeCall struct {
	deviceID    string
	sensor      models.SensorType
	start, stop string
}

type fakeHistory struct {
	latest []models.SensorReading
	series []models.SensorReading
	err    error
	calls  []rangeCall
}

func (f *fakeHistory) Latest(ctx context.Context, deviceID string) ([]models.SensorReading, error) {
	return f.latest, f.err
}

func (f *fakeHistory) Range(ctx context.Context, deviceID string, sensor models.SensorType, start, stop string) ([]models.SensorReading, error) {
	f.calls = append(f.calls, rangeCall{deviceID, sensor, start, stop})
	return f.series, f.err
}

type apiFixture struct {
	router     *mux.Router
	store      *storage.Memory
	engine     *alerts.Engine
	subscriber *fakeSubscriber
	history    *fakeHistory
}

func newAPIFixture() *apiFixture {
	store := storage.NewMemory()
	engine := alerts.NewEngine(alerts.Config{Registry: store, Alerts: store})
	sub := &fakeSubscriber{topics: make(map[string]string)}
	history := &fakeHistory{}

	router := mux.NewRouter()
	handlers.NewAPI(handlers.APIConfig{
		Registry:   store,
		Alerts:     engine,
		History:    history,
		Subscriber: sub,
		Broker:     sub,
	}).Register(router)
	return &apiFixture{router: router, store: store, engine: engine, subscriber: sub, history: history}
}

func (f *apiFixture) do(t *testing.T, method, path, body string, out interface{}) int {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if out != nil && w.Code < 300 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
	}
	return w.Code
}

func (f *apiFixture) createDevice(t *testing.T, externalID, status string) *models.Device {
	t.Helper()
	var d models.Device
	code := f.do(t, http.MethodPost, "/api/devices",
		fmt.Sprintf(`{"deviceId": %q, "name": "Bed", "status": %q, "room": "ICU-1"}`, externalID, status), &d)
	require.Equal(t, http.StatusCreated, code)
	return &d
}

func TestAPI_CreateDevice(t *testing.T) {
	f := newAPIFixture()

	d := f.createDevice(t, "esp32-c40a24", models.DeviceActive)
	assert.NotZero(t, d.ID)
	assert.Equal(t, "esp32-c40a24", d.ExternalID)
	assert.Equal(t, "patient/esp32-c40a24/data", d.MQTTTopic)
	assert.Equal(t, "esp32-c40a24", f.subscriber.topics["patient/esp32-c40a24/data"])

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/devices", `{"deviceId": "esp32-c40a24", "name": "again"}`, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/devices", `{"deviceId": "x"}`, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/devices", `{`, nil))

	inactive := f.createDevice(t, "bed-2", "")
	assert.Equal(t, models.DeviceInactive, inactive.Status)
	_, followed := f.subscriber.topics[inactive.MQTTTopic]
	assert.False(t, followed)
}

func TestAPI_GetAndListDevices(t *testing.T) {
	f := newAPIFixture()
	d := f.createDevice(t, "bed-1", models.DeviceActive)
	f.createDevice(t, "bed-2", models.DeviceActive)

	var byID, byExternal models.Device
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, fmt.Sprintf("/api/devices/%d", d.ID), "", &byID))
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/devices/bed-1", "", &byExternal))
	assert.Equal(t, d.ID, byID.ID)
	assert.Equal(t, d.ID, byExternal.ID)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/devices/nope", "", nil))

	var list []models.Device
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/devices", "", &list))
	require.Len(t, list, 2)
	assert.Equal(t, "bed-1", list[0].ExternalID)
}

func TestAPI_UpdateDeviceRefollowsTopic(t *testing.T) {
	f := newAPIFixture()
	d := f.createDevice(t, "bed-1", models.DeviceActive)

	var updated models.Device
	code := f.do(t, http.MethodPut, fmt.Sprintf("/api/devices/%d", d.ID), `{"mqttTopic": "ward/7/bed-1"}`, &updated)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ward/7/bed-1", updated.MQTTTopic)
	assert.Equal(t, map[string]string{"ward/7/bed-1": "bed-1"}, f.subscriber.topics)

	code = f.do(t, http.MethodPut, fmt.Sprintf("/api/devices/%d", d.ID), `{"status": "inactive"}`, &updated)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, f.subscriber.topics)

	code = f.do(t, http.MethodPut, fmt.Sprintf("/api/devices/%d", d.ID), `{"status": " ACTIVE "}`, &updated)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.DeviceActive, updated.Status)
	assert.Equal(t, map[string]string{"ward/7/bed-1": "bed-1"}, f.subscriber.topics)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, fmt.Sprintf("/api/devices/%d", d.ID), `{"status": "asleep"}`, nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPut, "/api/devices/99", `{"room": "x"}`, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/api/devices/abc", `{"room": "x"}`, nil))
}

func TestAPI_DeleteDeviceKeepsAlerts(t *testing.T) {
	f := newAPIFixture()
	d := f.createDevice(t, "bed-1", models.DeviceActive)

	_, err := f.engine.OnReading(context.Background(), "bed-1", &models.Reading{Pulse: models.Float(200)})
	require.NoError(t, err)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, fmt.Sprintf("/api/devices/%d", d.ID), "", nil))
	assert.Empty(t, f.subscriber.topics)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, fmt.Sprintf("/api/devices/%d", d.ID), "", nil))

	var list []models.Alert
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/alerts", "", &list))
	assert.Len(t, list, 1)
}

func TestAPI_SensorSettings(t *testing.T) {
	f := newAPIFixture()
	d := f.createDevice(t, "bed-1", models.DeviceActive)

	var settings []models.ThresholdSetting
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, fmt.Sprintf("/api/devices/%d/sensor-settings", d.ID), "", &settings))
	require.Len(t, settings, 3)
	assert.Equal(t, models.SensorTemperature, settings[0].SensorType)

	pulse := settings[1]
	var updated models.ThresholdSetting
	code := f.do(t, http.MethodPut, fmt.Sprintf("/api/sensor-settings/%d", pulse.ID),
		`{"maxThreshold": 140, "minThreshold": null, "alarmEnabled": false, "sensorType": "creatinine"}`, &updated)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 140.0, *updated.MaxThreshold)
	assert.Nil(t, updated.MinThreshold)
	assert.False(t, updated.AlarmEnabled)
	assert.Equal(t, models.SensorPulse, updated.SensorType)
	assert.Equal(t, d.ID, updated.DeviceID)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, fmt.Sprintf("/api/sensor-settings/%d", pulse.ID), `{}`, nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPut, "/api/sensor-settings/999", `{"unit": "bpm"}`, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, fmt.Sprintf("/api/sensor-settings/%d", pulse.ID), `{"maxThreshold": "high"}`, nil))
}

func TestAPI_AlertsLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture()
	d := f.createDevice(t, "bed-1", models.DeviceActive)
	other := f.createDevice(t, "bed-2", models.DeviceActive)

	first, err := f.engine.OnReading(ctx, "bed-1", &models.Reading{Temperature: models.Float(39.5)})
	require.NoError(t, err)
	_, err = f.engine.OnReading(ctx, "bed-1", &models.Reading{Temperature: models.Float(47)})
	require.NoError(t, err)
	_, err = f.engine.OnReading(ctx, "bed-2", &models.Reading{Pulse: models.Float(30)})
	require.NoError(t, err)

	var resolved models.Alert
	code := f.do(t, http.MethodPut, fmt.Sprintf("/api/alerts/%d/resolve", first[0].ID), "", &resolved)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, resolved.Resolved)
	assert.NotNil(t, resolved.ResolvedAt)

	// resolving twice keeps it resolved
	code = f.do(t, http.MethodPut, fmt.Sprintf("/api/alerts/%d/resolve", first[0].ID), "", &resolved)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, resolved.Resolved)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPut, "/api/alerts/999/resolve", "", nil))

	var open []models.Alert
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/alerts?resolved=false", "", &open))
	require.Len(t, open, 2)
	assert.Equal(t, other.ID, open[0].DeviceID)
	assert.Equal(t, models.LevelDanger, open[1].Level)

	var forDevice []models.Alert
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, fmt.Sprintf("/api/devices/%d/alerts", d.ID), "", &forDevice))
	assert.Len(t, forDevice, 2)

	var limited []models.Alert
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/alerts?limit=1", "", &limited))
	assert.Len(t, limited, 1)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/alerts?resolved=maybe", "", nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/alerts?limit=-1", "", nil))
}

func TestAPI_DeviceStatus(t *testing.T) {
	f := newAPIFixture()
	d := f.createDevice(t, "bed-1", models.DeviceActive)

	var status struct {
		DeviceID int64  `json:"deviceId"`
		Status   string `json:"status"`
		Sensors  []struct {
			SensorType string `json:"sensorType"`
			Status     string `json:"status"`
		} `json:"sensors"`
	}
	code := f.do(t, http.MethodGet, fmt.Sprintf("/api/devices/%d/status?temperature=36.6&pulse=30", d.ID), "", &status)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, d.ID, status.DeviceID)
	assert.Equal(t, "danger", status.Status)
	require.Len(t, status.Sensors, 3)
	assert.Equal(t, "normal", status.Sensors[0].Status)
	assert.Equal(t, "danger", status.Sensors[1].Status)
	assert.Equal(t, "unknown", status.Sensors[2].Status)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, fmt.Sprintf("/api/devices/%d/status?pulse=fast", d.ID), "", nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/devices/ghost/status", "", nil))
}

func TestAPI_LatestData(t *testing.T) {
	f := newAPIFixture()
	d := f.createDevice(t, "bed-1", models.DeviceInactive)

	older := time.Date(2024, 1, 15, 10, 28, 0, 0, time.UTC)
	newer := older.Add(time.Minute)
	f.history.latest = []models.SensorReading{
		{DeviceID: "bed-1", SensorType: models.SensorTemperature, Value: 39.5, ObservedAt: older},
		{DeviceID: "bed-1", SensorType: models.SensorPulse, Value: 88, ObservedAt: newer},
	}

	var latest handlers.LatestData
	code := f.do(t, http.MethodGet, fmt.Sprintf("/api/devices/%d/latest-data", d.ID), "", &latest)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "bed-1", latest.DeviceID)
	assert.Equal(t, 39.5, *latest.Temperature)
	assert.Equal(t, 88.0, *latest.Pulse)
	assert.Nil(t, latest.Creatinine)
	require.NotNil(t, latest.Timestamp)
	assert.Equal(t, newer, *latest.Timestamp)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/devices/ghost/latest-data", "", nil))
}

func TestAPI_SensorAndHistoricalData(t *testing.T) {
	f := newAPIFixture()
	f.createDevice(t, "bed-1", models.DeviceInactive)
	f.history.series = []models.SensorReading{
		{DeviceID: "bed-1", SensorType: models.SensorPulse, Value: 80},
		{DeviceID: "bed-1", SensorType: models.SensorPulse, Value: 95},
	}

	var series []models.SensorReading
	code := f.do(t, http.MethodGet, "/api/devices/bed-1/sensor-data?sensorType=Pulse", "", &series)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, series, 2)

	code = f.do(t, http.MethodGet, "/api/devices/bed-1/historical-data?sensorType=pulse&startTime=-7d", "", &series)
	require.Equal(t, http.StatusOK, code)

	assert.Equal(t, []rangeCall{
		{"bed-1", models.SensorPulse, "-1h", "now()"},
		{"bed-1", models.SensorPulse, "-7d", "now()"},
	}, f.history.calls)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/devices/bed-1/sensor-data", "", nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/devices/bed-1/sensor-data?sensorType=glucose", "", nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/devices/bed-1/historical-data?sensorType=pulse&endTime=tomorrow", "", nil))
	assert.Len(t, f.history.calls, 2)

	f.history.err = errors.New("influx unreachable")
	assert.Equal(t, http.StatusInternalServerError, f.do(t, http.MethodGet, "/api/devices/bed-1/sensor-data?sensorType=pulse", "", nil))
}

func TestAPI_MQTTStatus(t *testing.T) {
	f := newAPIFixture()
	f.createDevice(t, "bed-1", models.DeviceActive)

	var status mqtt.Status
	code := f.do(t, http.MethodGet, "/api/mqtt/status", "", &status)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, status.Connected)
	assert.Equal(t, "tcp://broker:1883", status.Broker)
	assert.Equal(t, []string{"patient/bed-1/data"}, status.Topics)

	store := storage.NewMemory()
	router := mux.NewRouter()
	handlers.NewAPI(handlers.APIConfig{Registry: store, Alerts: alerts.NewEngine(alerts.Config{Registry: store, Alerts: store})}).Register(router)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/mqtt/status", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"connected": false, "broker": "", "topics": []}`, w.Body.String())
}
