package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"sensmed/internal/logger"
	"sensmed/internal/metrics"
	"sensmed/internal/models"
)

// Ingest errors
var (
	ErrNoReadings    = errors.New("no readings provided")
	ErrTooManyItems  = errors.New("too many readings in one request")
	ErrNoSensorValue = errors.New("reading carries no sensor value")
	ErrQueueFull     = errors.New("internal queue full, try again later")
)

// IngestHandler accepts sensor readings over HTTP and queues them for evaluation
type IngestHandler struct {
	// Inbound queue shared with the other transports
	envelopeChan chan<- *models.Envelope

	// Node identifier used in batch ids
	nodeID string

	batchCounter atomic.Uint64

	maxBodySize  int64
	maxBatchSize int
}

// IngestConfig holds configuration for the ingest handler
type IngestConfig struct {
	EnvelopeChan chan<- *models.Envelope
	NodeID       string
	MaxBodySize  int64
	MaxBatchSize int
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(cfg IngestConfig) *IngestHandler {
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID, _ = os.Hostname()
		if nodeID == "" {
			nodeID = "unknown"
		}
	}

	maxBodySize := cfg.MaxBodySize
	if maxBodySize <= 0 {
		maxBodySize = 1 << 20
	}
	maxBatchSize := cfg.MaxBatchSize
	if maxBatchSize <= 0 {
		maxBatchSize = 500
	}

	return &IngestHandler{
		envelopeChan: cfg.EnvelopeChan,
		nodeID:       nodeID,
		maxBodySize:  maxBodySize,
		maxBatchSize: maxBatchSize,
	}
}

// IngestResponse is the response returned to clients
type IngestResponse struct {
	Success  bool          `json:"success"`
	BatchID  string        `json:"batchId"`
	Accepted int           `json:"accepted"`
	Rejected int           `json:"rejected"`
	Errors   []IngestError `json:"errors,omitempty"`
}

// IngestError describes why one reading of the request was rejected
type IngestError struct {
	Index    int    `json:"index"`
	DeviceID string `json:"deviceId,omitempty"`
	Error    string `json:"error"`
}

// ServeHTTP handles the ingest HTTP request
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	items, err := splitBody(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(items) == 0 {
		writeError(w, http.StatusBadRequest, ErrNoReadings.Error())
		return
	}
	if len(items) > h.maxBatchSize {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("%v: max %d", ErrTooManyItems, h.maxBatchSize))
		return
	}

	metrics.IngestBatchSize.Observe(float64(len(items)))

	response := h.enqueue(items, h.generateBatchID())

	status := http.StatusAccepted
	if response.Accepted == 0 {
		status = http.StatusBadRequest
		if allQueueFull(response.Errors) {
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, response)
}

// splitBody accepts {"readings":[...]}, a bare array, or a single reading object
func splitBody(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, ErrNoReadings
	}

	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("invalid JSON array: %w", err)
		}
		return items, nil
	}

	var wrapper struct {
		Readings []json.RawMessage `json:"readings"`
	}
	if err := json.Unmarshal(trimmed, &wrapper); err != nil {
		return nil, fmt.Errorf("invalid JSON format: expected reading object or array of readings")
	}
	if wrapper.Readings != nil {
		return wrapper.Readings, nil
	}
	return []json.RawMessage{trimmed}, nil
}

// enqueue decodes, validates and queues every reading. A full queue rejects
// the reading instead of blocking the request.
func (h *IngestHandler) enqueue(items []json.RawMessage, batchID string) IngestResponse {
	response := IngestResponse{BatchID: batchID}
	receivedAt := time.Now().UTC()

	reject := func(i int, deviceID string, reason string, err error) {
		response.Errors = append(response.Errors, IngestError{Index: i, DeviceID: deviceID, Error: err.Error()})
		response.Rejected++
		metrics.ReadingsRejected.WithLabelValues(models.SourceHTTP, reason).Inc()
	}

	for i, item := range items {
		reading, err := models.DecodeReading(item)
		if err != nil {
			reject(i, "", "invalid", err)
			continue
		}

		if reading.Normalize(receivedAt) {
			metrics.ReadingsClamped.WithLabelValues(models.SourceHTTP).Inc()
			log := logger.WithDevice("ingest_handler", reading.DeviceID)
			log.Warn().
				Int("index", i).
				Msg("device clock ahead, timestamp replaced by receive time")
		}
		if err := reading.Validate(); err != nil {
			reject(i, reading.DeviceID, "invalid", err)
			continue
		}
		if reading.Empty() {
			reject(i, reading.DeviceID, "empty", ErrNoSensorValue)
			continue
		}

		envelope := models.NewEnvelope(reading, models.SourceHTTP).WithBatch(batchID, i)
		select {
		case h.envelopeChan <- envelope:
			response.Accepted++
			metrics.ReadingsReceived.WithLabelValues(models.SourceHTTP).Inc()
		default:
			reject(i, reading.DeviceID, "queue_full", ErrQueueFull)
		}
	}

	response.Success = response.Rejected == 0
	return response
}

func allQueueFull(errs []IngestError) bool {
	if len(errs) == 0 {
		return false
	}
	for _, e := range errs {
		if e.Error != ErrQueueFull.Error() {
			return false
		}
	}
	return true
}

// generateBatchID generates a unique batch ID
func (h *IngestHandler) generateBatchID() string {
	counter := h.batchCounter.Add(1)
	return fmt.Sprintf("%s-%d-%d", h.nodeID, time.Now().UnixNano(), counter)
}
