package timeseries

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensmed/internal/models"
)

func TestPoint(t *testing.T) {
	observed := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	p := Point("sensor_data", models.SensorReading{
		DeviceID:   "esp32-c40a24",
		SensorType: models.SensorPulse,
		Value:      88,
		ObservedAt: observed,
	})

	assert.Equal(t, "sensor_data", p.Name())
	assert.Equal(t, observed, p.Time())

	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, map[string]string{"deviceId": "esp32-c40a24", "sensorType": "pulse"}, tags)

	require.Len(t, p.FieldList(), 1)
	assert.Equal(t, "value", p.FieldList()[0].Key)
	assert.Equal(t, 88.0, p.FieldList()[0].Value)
}

func TestPoint_StampsMissingTime(t *testing.T) {
	p := Point("sensor_data", models.SensorReading{DeviceID: "d", SensorType: models.SensorPulse, Value: 1})
	assert.WithinDuration(t, time.Now(), p.Time(), time.Minute)
}

type writeServer struct {
	mu     sync.Mutex
	bodies []string
	status int
}

func (s *writeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.bodies = append(s.bodies, string(body))
	s.mu.Unlock()
	if s.status != 0 {
		w.WriteHeader(s.status)
		_, _ = w.Write([]byte(`{"code":"invalid","message":"bad point"}`))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func TestInflux_Record(t *testing.T) {
	ws := &writeServer{}
	srv := httptest.NewServer(ws)
	defer srv.Close()

	rec := NewInfluxWithClient(influxdb2.NewClient(srv.URL, "token"), "sensmed", "sensor_data", "sensor_data")
	defer rec.Close()

	observed := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	err := rec.Record(context.Background(), []models.SensorReading{
		{DeviceID: "bed-1", SensorType: models.SensorTemperature, Value: 39.5, ObservedAt: observed},
		{DeviceID: "bed-1", SensorType: models.SensorPulse, Value: 80, ObservedAt: observed},
	})
	require.NoError(t, err)

	require.Len(t, ws.bodies, 1)
	lines := strings.Split(strings.TrimSpace(ws.bodies[0]), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "sensor_data,deviceId=bed-1,sensorType=temperature value=39.5")
	assert.Contains(t, lines[1], "sensorType=pulse")
}

func TestInflux_RecordEmptyBatch(t *testing.T) {
	ws := &writeServer{}
	srv := httptest.NewServer(ws)
	defer srv.Close()

	rec := NewInfluxWithClient(influxdb2.NewClient(srv.URL, "token"), "sensmed", "sensor_data", "sensor_data")
	defer rec.Close()

	require.NoError(t, rec.Record(context.Background(), nil))
	assert.Empty(t, ws.bodies)
}

func TestInflux_RecordError(t *testing.T) {
	ws := &writeServer{status: http.StatusBadRequest}
	srv := httptest.NewServer(ws)
	defer srv.Close()

	rec := NewInfluxWithClient(influxdb2.NewClient(srv.URL, "token"), "sensmed", "sensor_data", "sensor_data")
	defer rec.Close()

	err := rec.Record(context.Background(), []models.SensorReading{
		{DeviceID: "bed-1", SensorType: models.SensorTemperature, Value: 39.5},
	})
	assert.Error(t, err)
}
