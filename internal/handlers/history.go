package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"sensmed/internal/models"
	"sensmed/internal/mqtt"
	"sensmed/internal/timeseries"
)

// Default windows of the history endpoints
const (
	defaultRecentWindow = "-1h"
	defaultHistoryStart = "-24h"
	defaultHistoryStop  = "now()"
)

// LatestData is the newest stored value of every sensor of a device
type LatestData struct {
	DeviceID    string     `json:"deviceId"`
	Temperature *float64   `json:"temperature,omitempty"`
	Pulse       *float64   `json:"pulse,omitempty"`
	Creatinine  *float64   `json:"creatinine,omitempty"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
}

func (a *API) latestData(w http.ResponseWriter, r *http.Request) {
	device, err := a.lookupDevice(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	samples, err := a.history.Latest(r.Context(), device.ExternalID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	var reading models.Reading
	out := LatestData{DeviceID: device.ExternalID}
	for _, s := range samples {
		reading.Set(s.SensorType, s.Value)
		if out.Timestamp == nil || s.ObservedAt.After(*out.Timestamp) {
			ts := s.ObservedAt
			out.Timestamp = &ts
		}
	}
	out.Temperature = reading.Temperature
	out.Pulse = reading.Pulse
	out.Creatinine = reading.Creatinine

	writeJSON(w, http.StatusOK, out)
}

// sensorData serves ?sensorType= over the last ?duration=
func (a *API) sensorData(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	a.sensorRange(w, r, queryOr(q.Get("duration"), defaultRecentWindow), defaultHistoryStop)
}

// historicalData serves ?sensorType= between ?startTime= and ?endTime=
func (a *API) historicalData(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	a.sensorRange(w, r, queryOr(q.Get("startTime"), defaultHistoryStart), queryOr(q.Get("endTime"), defaultHistoryStop))
}

func (a *API) sensorRange(w http.ResponseWriter, r *http.Request, start, stop string) {
	raw := r.URL.Query().Get("sensorType")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "sensorType is required")
		return
	}
	sensor, err := models.ParseSensorType(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, bound := range []string{start, stop} {
		if _, err := timeseries.ParseBound(bound); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	device, err := a.lookupDevice(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	samples, err := a.history.Range(r.Context(), device.ExternalID, sensor, start, stop)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func (a *API) mqttStatus(w http.ResponseWriter, r *http.Request) {
	if a.broker == nil {
		writeJSON(w, http.StatusOK, mqtt.Status{Topics: []string{}})
		return
	}
	writeJSON(w, http.StatusOK, a.broker.Status())
}

func queryOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
