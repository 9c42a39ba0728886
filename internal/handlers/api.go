package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"sensmed/internal/alerts"
	"sensmed/internal/logger"
	"sensmed/internal/models"
	"sensmed/internal/mqtt"
	"sensmed/internal/storage"
	"sensmed/internal/timeseries"
)

// AlertService is the part of the alert engine the API exposes
type AlertService interface {
	Resolve(ctx context.Context, id int64) (*models.Alert, error)
	Alerts(ctx context.Context, filter models.AlertFilter) ([]*models.Alert, error)
	DeviceStatus(ctx context.Context, deviceID int64, reading *models.Reading) (*alerts.DeviceStatus, error)
}

// TopicSubscriber follows device topics on the device transport
type TopicSubscriber interface {
	Subscribe(topic, deviceID string) error
	Unsubscribe(topic string) error
}

// BrokerStatus reports the device transport connection
type BrokerStatus interface {
	Status() mqtt.Status
}

// API serves the operator REST endpoints
type API struct {
	registry   storage.Registry
	alerts     AlertService
	history    timeseries.Reader
	subscriber TopicSubscriber
	broker     BrokerStatus
}

// APIConfig wires an API
type APIConfig struct {
	Registry storage.Registry
	Alerts   AlertService
	// History defaults to an empty reader.
	History timeseries.Reader

	// Subscriber and Broker are optional; nil when no MQTT transport runs.
	Subscriber TopicSubscriber
	Broker     BrokerStatus
}

// NewAPI creates the operator API
func NewAPI(cfg APIConfig) *API {
	history := cfg.History
	if history == nil {
		history = timeseries.Noop{}
	}
	return &API{
		registry:   cfg.Registry,
		alerts:     cfg.Alerts,
		history:    history,
		subscriber: cfg.Subscriber,
		broker:     cfg.Broker,
	}
}

// Register mounts the API routes under /api
func (a *API) Register(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/devices", a.listDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices", a.createDevice).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id}", a.getDevice).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}", a.updateDevice).Methods(http.MethodPut)
	api.HandleFunc("/devices/{id}", a.deleteDevice).Methods(http.MethodDelete)
	api.HandleFunc("/devices/{id}/sensor-settings", a.deviceSettings).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/alerts", a.deviceAlerts).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/status", a.deviceStatus).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/latest-data", a.latestData).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/sensor-data", a.sensorData).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/historical-data", a.historicalData).Methods(http.MethodGet)

	api.HandleFunc("/sensor-settings/{id}", a.updateSetting).Methods(http.MethodPut)

	api.HandleFunc("/alerts", a.listAlerts).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}/resolve", a.resolveAlert).Methods(http.MethodPut)

	api.HandleFunc("/mqtt/status", a.mqttStatus).Methods(http.MethodGet)
}

func pathID(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

// lookupDevice accepts either the numeric id or the external device id
func (a *API) lookupDevice(ctx context.Context, raw string) (*models.Device, error) {
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
		d, err := a.registry.GetDevice(ctx, id)
		if !errors.Is(err, storage.ErrNotFound) {
			return d, err
		}
	}
	return a.registry.GetDeviceByExternalID(ctx, raw)
}

func (a *API) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := a.registry.ListDevices(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (a *API) createDevice(w http.ResponseWriter, r *http.Request) {
	var in models.DeviceInsert
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	device, err := a.registry.CreateDevice(r.Context(), in)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	log := logger.WithDevice("api", device.ExternalID)
	log.Info().
		Int64("id", device.ID).
		Str("topic", device.MQTTTopic).
		Msg("device registered")

	if device.Status == models.DeviceActive {
		a.follow(device)
	}
	writeJSON(w, http.StatusCreated, device)
}

func (a *API) getDevice(w http.ResponseWriter, r *http.Request) {
	device, err := a.lookupDevice(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

func (a *API) updateDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var update models.DeviceUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	before, err := a.registry.GetDevice(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	device, err := a.registry.UpdateDevice(r.Context(), id, update)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	if before.MQTTTopic != device.MQTTTopic || before.Status != device.Status {
		if before.Status == models.DeviceActive {
			a.unfollow(before)
		}
		if device.Status == models.DeviceActive {
			a.follow(device)
		}
	}
	writeJSON(w, http.StatusOK, device)
}

func (a *API) deleteDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	device, err := a.registry.GetDevice(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if err := a.registry.DeleteDevice(r.Context(), id); err != nil {
		writeStoreError(w, r, err)
		return
	}

	a.unfollow(device)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) deviceSettings(w http.ResponseWriter, r *http.Request) {
	device, err := a.lookupDevice(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	settings, err := a.registry.GetSettings(r.Context(), device.ID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (a *API) updateSetting(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var update models.SettingUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if update.Empty() {
		writeError(w, http.StatusBadRequest, models.ErrEmptyUpdate.Error())
		return
	}

	setting, err := a.registry.UpdateSetting(r.Context(), id, update)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, setting)
}

// alertFilter reads ?resolved= and ?limit=
func alertFilter(r *http.Request) (models.AlertFilter, error) {
	var filter models.AlertFilter
	q := r.URL.Query()

	if raw := q.Get("resolved"); raw != "" {
		resolved, err := strconv.ParseBool(raw)
		if err != nil {
			return filter, fmt.Errorf("invalid resolved %q", raw)
		}
		filter.Resolved = models.Bool(resolved)
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return filter, fmt.Errorf("invalid limit %q", raw)
		}
		filter.Limit = limit
	}
	return filter, nil
}

func (a *API) listAlerts(w http.ResponseWriter, r *http.Request) {
	filter, err := alertFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	list, err := a.alerts.Alerts(r.Context(), filter)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) deviceAlerts(w http.ResponseWriter, r *http.Request) {
	filter, err := alertFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	device, err := a.lookupDevice(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	filter.DeviceID = models.Int64(device.ID)

	list, err := a.alerts.Alerts(r.Context(), filter)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) resolveAlert(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	alert, err := a.alerts.Resolve(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// deviceStatus classifies the values given as query parameters
func (a *API) deviceStatus(w http.ResponseWriter, r *http.Request) {
	device, err := a.lookupDevice(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	reading := &models.Reading{DeviceID: device.ExternalID}
	q := r.URL.Query()
	for _, sensor := range models.SensorTypes {
		raw := q.Get(string(sensor))
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s %q", sensor, raw))
			return
		}
		reading.Set(sensor, v)
	}

	status, err := a.alerts.DeviceStatus(r.Context(), device.ID, reading)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *API) follow(d *models.Device) {
	if a.subscriber == nil || d.MQTTTopic == "" {
		return
	}
	if err := a.subscriber.Subscribe(d.MQTTTopic, d.ExternalID); err != nil {
		log := logger.WithDevice("api", d.ExternalID)
		log.Error().
			Err(err).
			Str("topic", d.MQTTTopic).
			Msg("failed to subscribe device topic")
	}
}

func (a *API) unfollow(d *models.Device) {
	if a.subscriber == nil || d.MQTTTopic == "" {
		return
	}
	if err := a.subscriber.Unsubscribe(d.MQTTTopic); err != nil {
		log := logger.WithDevice("api", d.ExternalID)
		log.Error().
			Err(err).
			Str("topic", d.MQTTTopic).
			Msg("failed to unsubscribe device topic")
	}
}
