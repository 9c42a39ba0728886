package timeseries

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"sensmed/internal/models"
)

// Reader queries stored samples
type Reader interface {
	// Latest returns the newest sample of every sensor reported by the
	// device within the last LatestWindow.
	Latest(ctx context.Context, deviceID string) ([]models.SensorReading, error)
	// Range returns the samples of one sensor between start and stop,
	// oldest first. Bounds are Flux times: "now()", a relative duration
	// such as "-1h", or an RFC3339 timestamp.
	Range(ctx context.Context, deviceID string, sensor models.SensorType, start, stop string) ([]models.SensorReading, error)
}

// LatestWindow bounds how far back Latest looks
const LatestWindow = "-1h"

// ErrInvalidRange is returned for a range bound that is not a Flux time
var ErrInvalidRange = errors.New("invalid time range bound")

var relativeBound = regexp.MustCompile(`^-?\d+(ns|us|ms|s|m|h|d|w|mo|y)$`)

// ParseBound validates a range bound and returns its Flux form
func ParseBound(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "now()":
		return raw, nil
	case relativeBound.MatchString(raw):
		return raw, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC().Format(time.RFC3339Nano), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRange, raw)
}

var fluxString = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func quote(s string) string {
	return `"` + fluxString.Replace(s) + `"`
}

func (i *Influx) latestQuery(deviceID string) string {
	return fmt.Sprintf(`from(bucket: %s)
  |> range(start: %s)
  |> filter(fn: (r) => r._measurement == %s)
  |> filter(fn: (r) => r.%s == %s)
  |> filter(fn: (r) => r._field == %s)
  |> last()`,
		quote(i.bucket), LatestWindow, quote(i.measurement),
		tagDevice, quote(deviceID), quote(fieldName))
}

func (i *Influx) rangeQuery(deviceID string, sensor models.SensorType, start, stop string) string {
	return fmt.Sprintf(`from(bucket: %s)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == %s)
  |> filter(fn: (r) => r.%s == %s)
  |> filter(fn: (r) => r.%s == %s)
  |> filter(fn: (r) => r._field == %s)
  |> sort(columns: ["_time"])`,
		quote(i.bucket), start, stop, quote(i.measurement),
		tagDevice, quote(deviceID), tagSensor, quote(string(sensor)), quote(fieldName))
}

// Latest implements Reader
func (i *Influx) Latest(ctx context.Context, deviceID string) ([]models.SensorReading, error) {
	samples, err := i.query(ctx, i.latestQuery(deviceID))
	if err != nil {
		return nil, err
	}
	sort.Slice(samples, func(a, b int) bool { return samples[a].SensorType.Rank() < samples[b].SensorType.Rank() })
	return samples, nil
}

// Range implements Reader
func (i *Influx) Range(ctx context.Context, deviceID string, sensor models.SensorType, start, stop string) ([]models.SensorReading, error) {
	if !sensor.IsValid() {
		return nil, models.ErrInvalidSensorType
	}
	start, err := ParseBound(start)
	if err != nil {
		return nil, err
	}
	stop, err = ParseBound(stop)
	if err != nil {
		return nil, err
	}
	return i.query(ctx, i.rangeQuery(deviceID, sensor, start, stop))
}

func (i *Influx) query(ctx context.Context, flux string) ([]models.SensorReading, error) {
	result, err := i.querier.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("error querying influxdb: %w", err)
	}
	defer result.Close()

	samples := make([]models.SensorReading, 0)
	for result.Next() {
		record := result.Record()

		var value float64
		switch v := record.Value().(type) {
		case float64:
			value = v
		case int64:
			value = float64(v)
		default:
			continue
		}

		deviceID, _ := record.ValueByKey(tagDevice).(string)
		sensor, _ := record.ValueByKey(tagSensor).(string)
		samples = append(samples, models.SensorReading{
			DeviceID:   deviceID,
			SensorType: models.SensorType(sensor),
			Value:      value,
			ObservedAt: record.Time().UTC(),
		})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("error reading influxdb result: %w", err)
	}
	return samples, nil
}
