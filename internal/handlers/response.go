package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"sensmed/internal/logger"
	"sensmed/internal/models"
	"sensmed/internal/storage"
	"sensmed/internal/timeseries"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log := logger.WithComponent("http")
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// isValidation reports whether err was caused by bad client input
func isValidation(err error) bool {
	for _, target := range []error{
		models.ErrEmptyDeviceID,
		models.ErrEmptyDeviceName,
		models.ErrInvalidDeviceStatus,
		models.ErrInvalidSensorType,
		models.ErrEmptyUpdate,
		timeseries.ErrInvalidRange,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// writeStoreError maps storage and validation errors onto HTTP statuses
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrDuplicateDevice):
		writeError(w, http.StatusConflict, err.Error())
	case isValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log := logger.WithRequestID(r.Header.Get("X-Request-ID"))
		log.Error().
			Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
