package alerts

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"sensmed/internal/logger"
	"sensmed/internal/metrics"
	"sensmed/internal/models"
	"sensmed/internal/state"
	"sensmed/internal/storage"
)

// Notifier receives every alert the engine persists
type Notifier interface {
	PublishAlert(ctx context.Context, alert *models.Alert, device *models.Device) error
}

// Config wires an Engine
type Config struct {
	Registry storage.Registry
	Alerts   storage.AlertStore
	// Episodes enables one alert per breach episode. Nil creates an alert
	// for every breaching reading.
	Episodes state.EpisodeStore
	// Notifier is optional. It runs on its own goroutine, fed by a queue of
	// NotifyQueue alerts, and each publish gets NotifyTimeout.
	Notifier      Notifier
	NotifyQueue   int
	NotifyTimeout time.Duration
}

const (
	defaultNotifyQueue   = 256
	defaultNotifyTimeout = 15 * time.Second
)

type notification struct {
	alert  *models.Alert
	device *models.Device
}

// Engine turns readings into persisted alerts and serves alert queries.
// It is safe for concurrent use.
type Engine struct {
	registry storage.Registry
	alerts   storage.AlertStore
	episodes state.EpisodeStore

	notifier      Notifier
	notifyTimeout time.Duration
	notifications chan notification
	notifyDone    chan struct{}

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// NewEngine creates an alert engine. Call Close to flush pending
// notifications when a notifier is configured.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		registry: cfg.Registry,
		alerts:   cfg.Alerts,
		episodes: cfg.Episodes,
		notifier: cfg.Notifier,
	}
	if e.notifier == nil {
		return e
	}

	queue := cfg.NotifyQueue
	if queue <= 0 {
		queue = defaultNotifyQueue
	}
	e.notifyTimeout = cfg.NotifyTimeout
	if e.notifyTimeout <= 0 {
		e.notifyTimeout = defaultNotifyTimeout
	}
	e.notifications = make(chan notification, queue)
	e.notifyDone = make(chan struct{})
	go e.dispatchNotifications()

	return e
}

// Close stops accepting notifications and waits for queued ones to be
// published. It is safe to call more than once.
func (e *Engine) Close() {
	if e.notifications == nil {
		return
	}
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		close(e.notifications)
		e.mu.Unlock()

		<-e.notifyDone
	})
}

// SensorStatus is the classification of one sensor in a status view
type SensorStatus struct {
	SensorType   models.SensorType `json:"sensorType"`
	Value        *float64          `json:"value"`
	Status       Status            `json:"status"`
	MinThreshold *float64          `json:"minThreshold"`
	MaxThreshold *float64          `json:"maxThreshold"`
	Unit         string            `json:"unit,omitempty"`
}

// DeviceStatus is the worst-of-all-sensors view of one device
type DeviceStatus struct {
	DeviceID int64          `json:"deviceId"`
	Status   Status         `json:"status"`
	Sensors  []SensorStatus `json:"sensors"`
}

// OnReading evaluates every sensor present in the reading against the
// device's settings and persists an alert for each breach.
//
// A reading for an unknown device yields no alerts and no error. A storage
// failure on one sensor does not stop the others; the returned error joins
// every failure and is meant for logging only.
func (e *Engine) OnReading(ctx context.Context, externalID string, reading *models.Reading) ([]*models.Alert, error) {
	log := logger.WithDevice("alert_engine", externalID)

	device, err := e.registry.GetDeviceByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Debug().Msg("reading for unregistered device ignored")
			return nil, nil
		}
		metrics.StorageFailures.WithLabelValues("get_device").Inc()
		return nil, fmt.Errorf("lookup device %s: %w", externalID, err)
	}

	var (
		created []*models.Alert
		errs    []error
	)

	for _, sensor := range models.SensorTypes {
		value := reading.Value(sensor)
		if value == nil {
			continue
		}

		alert, err := e.evaluateSensor(ctx, device, sensor, *value)
		if err != nil {
			log.Error().
				Err(err).
				Str("sensor_type", string(sensor)).
				Float64("value", *value).
				Msg("sensor evaluation failed")
			errs = append(errs, err)
			continue
		}
		if alert != nil {
			created = append(created, alert)
		}
	}

	return created, errors.Join(errs...)
}

func (e *Engine) evaluateSensor(ctx context.Context, device *models.Device, sensor models.SensorType, value float64) (*models.Alert, error) {
	log := logger.WithDevice("alert_engine", device.ExternalID)

	setting, err := e.registry.GetSetting(ctx, device.ID, sensor)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		metrics.StorageFailures.WithLabelValues("get_setting").Inc()
		return nil, fmt.Errorf("lookup %s setting: %w", sensor, err)
	}
	if !setting.AlarmEnabled {
		return nil, nil
	}

	verdict := Evaluate(&value, setting.MinThreshold, setting.MaxThreshold)
	metrics.Evaluations.WithLabelValues(string(sensor), verdict.Status.String()).Inc()
	if !verdict.Breach() {
		return nil, nil
	}

	episode := state.EpisodeKey(device.ID, sensor)
	armed := false
	if e.episodes != nil {
		opened, err := e.episodes.Arm(ctx, episode)
		switch {
		case err != nil:
			// fail open
			log.Warn().
				Err(err).
				Str("sensor_type", string(sensor)).
				Msg("episode store unavailable, alerting without dedup")
		case !opened:
			metrics.AlertsSuppressed.WithLabelValues(string(sensor)).Inc()
			return nil, nil
		default:
			armed = true
		}
	}

	alert, err := e.alerts.CreateAlert(ctx, buildAlert(device.ID, sensor, value, verdict, setting.Unit))
	if err != nil {
		if armed {
			if derr := e.episodes.Disarm(ctx, episode); derr != nil {
				err = errors.Join(err, derr)
			}
		}
		metrics.StorageFailures.WithLabelValues("create_alert").Inc()
		return nil, fmt.Errorf("create %s alert: %w", sensor, err)
	}

	metrics.AlertsCreated.WithLabelValues(string(sensor), string(alert.Level)).Inc()
	log.Warn().
		Int64("alert_id", alert.ID).
		Str("sensor_type", string(sensor)).
		Str("level", string(alert.Level)).
		Float64("value", value).
		Float64("threshold", alert.Threshold).
		Msg(alert.Message)

	if e.notifier != nil {
		e.enqueueNotification(alert, device)
	}

	return alert, nil
}

// enqueueNotification never blocks evaluation; a full queue drops the
// notification.
func (e *Engine) enqueueNotification(alert *models.Alert, device *models.Device) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.closed {
		select {
		case e.notifications <- notification{alert: alert, device: device}:
			return
		default:
		}
	}

	metrics.AlertNotifications.WithLabelValues("dropped").Inc()
	log := logger.WithDevice("alert_engine", device.ExternalID)
	log.Warn().
		Int64("alert_id", alert.ID).
		Bool("closed", e.closed).
		Msg("alert notification dropped")
}

func (e *Engine) dispatchNotifications() {
	defer close(e.notifyDone)

	for n := range e.notifications {
		e.publish(n)
	}
}

func (e *Engine) publish(n notification) {
	log := logger.WithDevice("alert_notifier", n.device.ExternalID)

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Int64("alert_id", n.alert.ID).
				Msg("panic while publishing alert notification")
			metrics.PanicsRecovered.WithLabelValues("notifier").Inc()
			metrics.AlertNotifications.WithLabelValues("failed").Inc()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), e.notifyTimeout)
	defer cancel()

	if err := e.notifier.PublishAlert(ctx, n.alert, n.device); err != nil {
		metrics.AlertNotifications.WithLabelValues("failed").Inc()
		log.Error().
			Err(err).
			Int64("alert_id", n.alert.ID).
			Msg("failed to publish alert notification")
		return
	}
	metrics.AlertNotifications.WithLabelValues("sent").Inc()
}

func buildAlert(deviceID int64, sensor models.SensorType, value float64, verdict Verdict, unit string) models.AlertInsert {
	level := models.LevelWarning
	if verdict.Status == StatusDanger {
		level = models.LevelDanger
	}

	direction := "high"
	if verdict.Side == SideLow {
		direction = "low"
	}

	return models.AlertInsert{
		DeviceID:   deviceID,
		SensorType: sensor,
		Level:      level,
		Message:    strings.TrimSpace(fmt.Sprintf("%s too %s: %g %s", sensor, direction, value, unit)),
		Value:      value,
		Threshold:  verdict.Threshold,
	}
}

// Resolve marks an alert resolved. The breach episode is closed only when
// this call moved the alert from open to resolved; re-resolving an old
// alert leaves a newer episode armed.
func (e *Engine) Resolve(ctx context.Context, id int64) (*models.Alert, error) {
	alert, wasOpen, err := e.alerts.ResolveAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if !wasOpen {
		return alert, nil
	}
	metrics.AlertsResolved.Inc()

	if e.episodes != nil {
		if err := e.episodes.Disarm(ctx, state.EpisodeKey(alert.DeviceID, alert.SensorType)); err != nil {
			log := logger.WithComponent("alert_engine")
			log.Warn().
				Err(err).
				Int64("alert_id", id).
				Msg("failed to close breach episode")
		}
	}
	return alert, nil
}

// Alerts lists alerts newest first
func (e *Engine) Alerts(ctx context.Context, filter models.AlertFilter) ([]*models.Alert, error) {
	return e.alerts.GetAlerts(ctx, filter)
}

// DeviceStatus classifies a reading against the device's thresholds without
// persisting anything. The alarm flag is ignored and a sensor without a
// setting is judged against no thresholds.
func (e *Engine) DeviceStatus(ctx context.Context, deviceID int64, reading *models.Reading) (*DeviceStatus, error) {
	if _, err := e.registry.GetDevice(ctx, deviceID); err != nil {
		return nil, err
	}
	settings, err := e.registry.GetSettings(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	bySensor := make(map[models.SensorType]*models.ThresholdSetting, len(settings))
	for _, s := range settings {
		bySensor[s.SensorType] = s
	}

	out := &DeviceStatus{DeviceID: deviceID, Sensors: make([]SensorStatus, 0, len(models.SensorTypes))}
	statuses := make([]Status, 0, len(models.SensorTypes))
	for _, sensor := range models.SensorTypes {
		ss := SensorStatus{SensorType: sensor, Value: reading.Value(sensor)}
		if s, ok := bySensor[sensor]; ok {
			ss.MinThreshold = s.MinThreshold
			ss.MaxThreshold = s.MaxThreshold
			ss.Unit = s.Unit
		}
		ss.Status = Evaluate(ss.Value, ss.MinThreshold, ss.MaxThreshold).Status
		statuses = append(statuses, ss.Status)
		out.Sensors = append(out.Sensors, ss)
	}
	out.Status = Worst(statuses...)
	return out, nil
}
