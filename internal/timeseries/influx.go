package timeseries

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"sensmed/internal/config"
	"sensmed/internal/metrics"
	"sensmed/internal/models"
)

// Tag and field names of a sensor point
const (
	tagDevice = "deviceId"
	tagSensor = "sensorType"
	fieldName = "value"
)

// Influx writes one point per sample to an InfluxDB v2 bucket and reads
// them back through the query API
type Influx struct {
	client      influxdb2.Client
	writer      api.WriteAPIBlocking
	querier     api.QueryAPI
	bucket      string
	measurement string
}

// NewInflux connects to InfluxDB and checks that the server is reachable
func NewInflux(ctx context.Context, cfg config.InfluxConfig) (*Influx, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ok, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach influxdb: %w", err)
	}
	if !ok {
		client.Close()
		return nil, fmt.Errorf("influxdb at %s is not ready", cfg.URL)
	}

	return NewInfluxWithClient(client, cfg.Org, cfg.Bucket, cfg.Measurement), nil
}

// NewInfluxWithClient wraps an existing client
func NewInfluxWithClient(client influxdb2.Client, org, bucket, measurement string) *Influx {
	return &Influx{
		client:      client,
		writer:      client.WriteAPIBlocking(org, bucket),
		querier:     client.QueryAPI(org),
		bucket:      bucket,
		measurement: measurement,
	}
}

// Point converts a sample to an InfluxDB point
func Point(measurement string, s models.SensorReading) *write.Point {
	ts := s.ObservedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return influxdb2.NewPoint(
		measurement,
		map[string]string{tagDevice: s.DeviceID, tagSensor: string(s.SensorType)},
		map[string]interface{}{fieldName: s.Value},
		ts,
	)
}

// Record implements Recorder
func (i *Influx) Record(ctx context.Context, samples []models.SensorReading) error {
	if len(samples) == 0 {
		return nil
	}

	points := make([]*write.Point, 0, len(samples))
	for _, s := range samples {
		points = append(points, Point(i.measurement, s))
	}

	start := time.Now()
	err := i.writer.WritePoint(ctx, points...)
	metrics.TimeseriesWriteDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TimeseriesWrites.WithLabelValues("failed").Add(float64(len(points)))
		return fmt.Errorf("error writing to influxdb: %w", err)
	}

	metrics.TimeseriesWrites.WithLabelValues("success").Add(float64(len(points)))
	return nil
}

// Close implements Recorder
func (i *Influx) Close() error {
	i.client.Close()
	return nil
}
