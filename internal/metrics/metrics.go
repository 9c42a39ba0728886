package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensmed_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sensmed_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "endpoint"},
	)

	// Ingest metrics
	ReadingsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensmed_readings_received_total",
			Help: "Readings accepted onto the inbound queue",
		},
		[]string{"source"}, // http, mqtt, kafka
	)

	ReadingsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensmed_readings_rejected_total",
			Help: "Readings dropped before evaluation",
		},
		[]string{"source", "reason"}, // reason: invalid, empty, queue_full
	)

	ReadingsClamped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensmed_readings_clock_clamped_total",
			Help: "Readings whose future device timestamp was replaced by the receive time",
		},
		[]string{"source"},
	)

	IngestBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sensmed_ingest_batch_size",
			Help:    "Number of readings per HTTP ingest request",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	// Evaluation and alert metrics
	Evaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensmed_evaluations_total",
			Help: "Sensor values evaluated against thresholds",
		},
		[]string{"sensor", "status"},
	)

	AlertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensmed_alerts_created_total",
			Help: "Alerts persisted",
		},
		[]string{"sensor", "level"},
	)

	AlertsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensmed_alerts_suppressed_total",
			Help: "Breaches not persisted because an episode was already open",
		},
		[]string{"sensor"},
	)

	AlertsResolved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensmed_alerts_resolved_total",
			Help: "Alert resolutions",
		},
	)

	AlertNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensmed_alert_notifications_total",
			Help: "Alert notifications handed to the notifier",
		},
		[]string{"result"}, // sent, failed, dropped
	)

	StorageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensmed_storage_failures_total",
			Help: "Failed storage operations during evaluation",
		},
		[]string{"operation"},
	)

	// Worker metrics
	QueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sensmed_queue_size",
			Help: "Current number of readings waiting on the inbound queue",
		},
	)

	QueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sensmed_queue_capacity",
			Help: "Capacity of the inbound queue",
		},
	)

	WorkerProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensmed_worker_processed_total",
			Help: "Readings evaluated by workers",
		},
	)

	WorkerFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensmed_worker_failed_total",
			Help: "Readings whose evaluation reported an error",
		},
	)

	// Time-series metrics
	TimeseriesWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensmed_timeseries_points_total",
			Help: "Points written to the time-series store",
		},
		[]string{"status"}, // success, failed
	)

	TimeseriesWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sensmed_timeseries_write_duration_seconds",
			Help:    "Time taken to write a batch of points",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// Kafka producer metrics
	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensmed_kafka_publish_total",
			Help: "Alert notifications published to Kafka",
		},
		[]string{"status"}, // success, failed
	)

	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sensmed_kafka_publish_duration_seconds",
			Help:    "Time taken to publish to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	KafkaPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensmed_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensmed_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
