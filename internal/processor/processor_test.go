package processor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensmed/internal/config"
	"sensmed/internal/models"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Queue.Capacity = 16
	cfg.Queue.Workers = 2
	cfg.Queue.BatchTimeout = 10 * time.Millisecond
	cfg.Bootstrap.DeviceID = "esp32-c40a24"
	cfg.Bootstrap.DeviceName = "Bed 3"
	return cfg
}

func TestProcessorRun(t *testing.T) {
	p := New(testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	require.NoError(t, p.Run(ctx))
}

func TestProcessor_IngestCreatesAlert(t *testing.T) {
	ctx := context.Background()
	p := New(testConfig())
	require.NoError(t, p.init(ctx))
	defer p.closeResources()

	p.workerPool.Start()
	h := p.httpServer.Handler

	req := httptest.NewRequest(http.MethodPost, "/ingest",
		strings.NewReader(`{"deviceId": "esp32-c40a24", "temperature": 47, "pulse": 80}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	close(p.envelopeChan)
	p.workerPool.Wait()

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/alerts?resolved=false", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var list []models.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, models.SensorTemperature, list[0].SensorType)
	assert.Equal(t, models.LevelDanger, list[0].Level)
	assert.Equal(t, 38.5, list[0].Threshold)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Worker.Processed)
	assert.Equal(t, uint64(1), stats.Worker.Alerts)
	assert.Equal(t, 16, stats.Queue.Capacity)
	assert.Nil(t, stats.Producer)
	assert.Nil(t, stats.MQTT)
}

func TestProcessor_BootstrapIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p := New(testConfig())
	require.NoError(t, p.init(ctx))
	defer p.closeResources()

	require.NoError(t, p.bootstrap(ctx))

	devices, err := p.store.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, models.DeviceActive, devices[0].Status)
	assert.Equal(t, "patient/esp32-c40a24/data", devices[0].MQTTTopic)
}

func TestProcessor_HealthAndStats(t *testing.T) {
	p := New(testConfig())
	require.NoError(t, p.init(context.Background()))
	defer p.closeResources()

	h := p.httpServer.Handler

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var health struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, map[string]string{"store": "ok"}, health.Checks)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"capacity":16`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/mqtt/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"connected": false, "broker": "", "topics": []}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/devices/esp32-c40a24/latest-data", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deviceId": "esp32-c40a24"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sensmed_")
}

func TestProcessor_InitFailsOnUnreachablePostgres(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Backend = config.BackendPostgres
	cfg.Storage.Postgres.Host = "127.0.0.1"
	cfg.Storage.Postgres.Port = 1

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p := New(cfg)
	assert.Error(t, p.Run(ctx))
}
