package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config holds runtime configuration for the monitor.
type Config struct {
	HTTP      HTTPConfig
	Log       LogConfig
	Queue     QueueConfig
	Alerting  AlertingConfig
	Storage   StorageConfig
	Redis     RedisConfig
	MQTT      MQTTConfig
	Kafka     KafkaConfig
	Influx    InfluxConfig
	Slack     SlackConfig
	Bootstrap BootstrapConfig
}

// HTTPConfig configures the API listener
type HTTPConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
	MaxBatchSize    int
	AllowedOrigins  []string
}

// LogConfig configures the global logger
type LogConfig struct {
	Level  string
	Pretty bool
}

// QueueConfig sizes the inbound queue and the evaluation pool
type QueueConfig struct {
	Capacity      int
	Workers       int
	BatchSize     int
	BatchTimeout  time.Duration
	DrainTimeout  time.Duration
	StatsInterval time.Duration
}

// AlertingConfig controls alert creation
type AlertingConfig struct {
	// DedupEpisodes suppresses repeat alerts for a (device, sensor) pair
	// until the open alert is resolved.
	DedupEpisodes bool
	EpisodeTTL    time.Duration
	// NotifyQueue bounds the alerts waiting for the notifier
	NotifyQueue   int
	NotifyTimeout time.Duration
}

// StorageConfig selects the registry and alert store backend
type StorageConfig struct {
	Backend  string
	Postgres PostgresConfig
}

// PostgresConfig holds connection settings for the Postgres store
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// DSN renders the lib/pq connection string
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig configures the episode store. An empty Addr keeps episodes in memory.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// MQTTConfig configures the device subscriber
type MQTTConfig struct {
	Enabled      bool
	Broker       string
	ClientID     string
	Username     string
	Password     string
	QoS          byte
	DefaultTopic string
}

// KafkaConfig configures the reading consumer and the alert producer
type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	ReadingsTopic string
	GroupID       string
	AlertsTopic   string
	Producer      ProducerConfig
}

// ProducerConfig tunes the alert producer writers
type ProducerConfig struct {
	PoolSize     int
	BatchSize    int
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	RequiredAcks int
	Compression  string
	MaxRetries   int
	RetryBackoff time.Duration
}

// InfluxConfig configures the time-series recorder
type InfluxConfig struct {
	Enabled     bool
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
}

// SlackConfig configures the webhook notifier. An empty WebhookURL disables it.
type SlackConfig struct {
	WebhookURL string
	Channel    string
}

// BootstrapConfig optionally seeds one device at startup
type BootstrapConfig struct {
	DeviceID   string
	DeviceName string
}

// Default returns a sensible default config for local dev.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    1 << 20,
			MaxBatchSize:    500,
			AllowedOrigins:  []string{"*"},
		},
		Log: LogConfig{
			Level: "info",
		},
		Queue: QueueConfig{
			Capacity:      10000,
			Workers:       8,
			BatchSize:     100,
			BatchTimeout:  time.Second,
			DrainTimeout:  10 * time.Second,
			StatsInterval: 30 * time.Second,
		},
		Alerting: AlertingConfig{
			EpisodeTTL:    24 * time.Hour,
			NotifyQueue:   256,
			NotifyTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				User:     "postgres",
				Password: "postgres",
				Database: "sensmed",
				SSLMode:  "disable",
				MaxConns: 20,
				MaxIdle:  5,
			},
		},
		Redis: RedisConfig{
			KeyPrefix: "sensmed:episode:",
		},
		MQTT: MQTTConfig{
			Broker:       "tcp://localhost:1883",
			ClientID:     "sensmed-monitor",
			QoS:          1,
			DefaultTopic: "patient/+/data",
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ReadingsTopic: "sensor-readings",
			GroupID:       "sensmed-monitor",
			AlertsTopic:   "sensor-alerts",
			Producer: ProducerConfig{
				PoolSize:     2,
				BatchSize:    100,
				BatchTimeout: 10 * time.Millisecond,
				WriteTimeout: 10 * time.Second,
				RequiredAcks: -1,
				Compression:  "snappy",
				MaxRetries:   3,
				RetryBackoff: 100 * time.Millisecond,
			},
		},
		Influx: InfluxConfig{
			URL:         "http://localhost:8086",
			Org:         "sensmed",
			Bucket:      "sensor_data",
			Measurement: "sensor_data",
		},
		Slack: SlackConfig{
			Channel: "#alerts",
		},
	}
}

// Load reads an optional .env file and overlays environment variables on Default.
func Load() (*Config, error) {
	// a missing .env is normal outside development
	_ = godotenv.Load()

	cfg := Default()

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", cfg.HTTP.Addr)
	cfg.HTTP.ReadTimeout = getEnvAsDuration("HTTP_READ_TIMEOUT", cfg.HTTP.ReadTimeout)
	cfg.HTTP.WriteTimeout = getEnvAsDuration("HTTP_WRITE_TIMEOUT", cfg.HTTP.WriteTimeout)
	cfg.HTTP.ShutdownTimeout = getEnvAsDuration("HTTP_SHUTDOWN_TIMEOUT", cfg.HTTP.ShutdownTimeout)
	cfg.HTTP.MaxBodyBytes = int64(getEnvAsInt("HTTP_MAX_BODY_BYTES", int(cfg.HTTP.MaxBodyBytes)))
	cfg.HTTP.MaxBatchSize = getEnvAsInt("HTTP_MAX_BATCH_SIZE", cfg.HTTP.MaxBatchSize)
	cfg.HTTP.AllowedOrigins = getEnvAsList("CORS_ALLOWED_ORIGINS", cfg.HTTP.AllowedOrigins)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Pretty = getEnvAsBool("LOG_PRETTY", cfg.Log.Pretty)

	cfg.Queue.Capacity = getEnvAsInt("QUEUE_CAPACITY", cfg.Queue.Capacity)
	cfg.Queue.Workers = getEnvAsInt("WORKER_COUNT", cfg.Queue.Workers)
	cfg.Queue.BatchSize = getEnvAsInt("WORKER_BATCH_SIZE", cfg.Queue.BatchSize)
	cfg.Queue.BatchTimeout = getEnvAsDuration("WORKER_BATCH_TIMEOUT", cfg.Queue.BatchTimeout)
	cfg.Queue.DrainTimeout = getEnvAsDuration("QUEUE_DRAIN_TIMEOUT", cfg.Queue.DrainTimeout)
	cfg.Queue.StatsInterval = getEnvAsDuration("STATS_INTERVAL", cfg.Queue.StatsInterval)

	cfg.Alerting.DedupEpisodes = getEnvAsBool("ALERT_DEDUP_EPISODES", cfg.Alerting.DedupEpisodes)
	cfg.Alerting.EpisodeTTL = getEnvAsDuration("ALERT_EPISODE_TTL", cfg.Alerting.EpisodeTTL)
	cfg.Alerting.NotifyQueue = getEnvAsInt("ALERT_NOTIFY_QUEUE", cfg.Alerting.NotifyQueue)
	cfg.Alerting.NotifyTimeout = getEnvAsDuration("ALERT_NOTIFY_TIMEOUT", cfg.Alerting.NotifyTimeout)

	cfg.Storage.Backend = strings.ToLower(getEnv("STORAGE_BACKEND", cfg.Storage.Backend))
	pg := &cfg.Storage.Postgres
	pg.Host = getEnv("DB_HOST", pg.Host)
	pg.Port = getEnvAsInt("DB_PORT", pg.Port)
	pg.User = getEnv("DB_USER", pg.User)
	pg.Password = getEnv("DB_PASSWORD", pg.Password)
	pg.Database = getEnv("DB_NAME", pg.Database)
	pg.SSLMode = getEnv("DB_SSLMODE", pg.SSLMode)
	pg.MaxConns = getEnvAsInt("DB_MAX_CONNS", pg.MaxConns)
	pg.MaxIdle = getEnvAsInt("DB_MAX_IDLE", pg.MaxIdle)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvAsInt("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.KeyPrefix = getEnv("REDIS_KEY_PREFIX", cfg.Redis.KeyPrefix)

	cfg.MQTT.Enabled = getEnvAsBool("MQTT_ENABLED", cfg.MQTT.Enabled)
	cfg.MQTT.Broker = getEnv("MQTT_BROKER", cfg.MQTT.Broker)
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", cfg.MQTT.ClientID)
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", cfg.MQTT.Username)
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", cfg.MQTT.Password)
	cfg.MQTT.QoS = byte(getEnvAsInt("MQTT_QOS", int(cfg.MQTT.QoS)))
	cfg.MQTT.DefaultTopic = getEnv("MQTT_TOPIC", cfg.MQTT.DefaultTopic)

	cfg.Kafka.Enabled = getEnvAsBool("KAFKA_ENABLED", cfg.Kafka.Enabled)
	cfg.Kafka.Brokers = getEnvAsList("KAFKA_BROKERS", cfg.Kafka.Brokers)
	cfg.Kafka.ReadingsTopic = getEnv("KAFKA_READINGS_TOPIC", cfg.Kafka.ReadingsTopic)
	cfg.Kafka.GroupID = getEnv("KAFKA_GROUP_ID", cfg.Kafka.GroupID)
	cfg.Kafka.AlertsTopic = getEnv("KAFKA_ALERTS_TOPIC", cfg.Kafka.AlertsTopic)
	prod := &cfg.Kafka.Producer
	prod.PoolSize = getEnvAsInt("KAFKA_PRODUCER_POOL_SIZE", prod.PoolSize)
	prod.BatchSize = getEnvAsInt("KAFKA_PRODUCER_BATCH_SIZE", prod.BatchSize)
	prod.BatchTimeout = getEnvAsDuration("KAFKA_PRODUCER_BATCH_TIMEOUT", prod.BatchTimeout)
	prod.WriteTimeout = getEnvAsDuration("KAFKA_PRODUCER_WRITE_TIMEOUT", prod.WriteTimeout)
	prod.RequiredAcks = getEnvAsInt("KAFKA_PRODUCER_REQUIRED_ACKS", prod.RequiredAcks)
	prod.Compression = getEnv("KAFKA_PRODUCER_COMPRESSION", prod.Compression)
	prod.MaxRetries = getEnvAsInt("KAFKA_PRODUCER_MAX_RETRIES", prod.MaxRetries)
	prod.RetryBackoff = getEnvAsDuration("KAFKA_PRODUCER_RETRY_BACKOFF", prod.RetryBackoff)

	cfg.Influx.Enabled = getEnvAsBool("INFLUXDB_ENABLED", cfg.Influx.Enabled)
	cfg.Influx.URL = getEnv("INFLUXDB_URL", cfg.Influx.URL)
	cfg.Influx.Token = getEnv("INFLUXDB_TOKEN", cfg.Influx.Token)
	cfg.Influx.Org = getEnv("INFLUXDB_ORG", cfg.Influx.Org)
	cfg.Influx.Bucket = getEnv("INFLUXDB_BUCKET", cfg.Influx.Bucket)
	cfg.Influx.Measurement = getEnv("INFLUXDB_MEASUREMENT", cfg.Influx.Measurement)

	cfg.Slack.WebhookURL = getEnv("SLACK_WEBHOOK_URL", cfg.Slack.WebhookURL)
	cfg.Slack.Channel = getEnv("SLACK_CHANNEL", cfg.Slack.Channel)

	cfg.Bootstrap.DeviceID = getEnv("BOOTSTRAP_DEVICE_ID", cfg.Bootstrap.DeviceID)
	cfg.Bootstrap.DeviceName = getEnv("BOOTSTRAP_DEVICE_NAME", cfg.Bootstrap.DeviceName)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the monitor cannot start with
func (c *Config) Validate() error {
	var errs []error

	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("HTTP_ADDR must not be empty"))
	}
	if c.Queue.Capacity <= 0 {
		errs = append(errs, errors.New("QUEUE_CAPACITY must be greater than 0"))
	}
	if c.Queue.Workers <= 0 {
		errs = append(errs, errors.New("WORKER_COUNT must be greater than 0"))
	}
	if c.Queue.BatchSize <= 0 {
		errs = append(errs, errors.New("WORKER_BATCH_SIZE must be greater than 0"))
	}
	if c.Queue.StatsInterval <= 0 {
		errs = append(errs, errors.New("STATS_INTERVAL must be positive"))
	}
	if c.Alerting.NotifyQueue <= 0 || c.Alerting.NotifyTimeout <= 0 {
		errs = append(errs, errors.New("ALERT_NOTIFY_QUEUE and ALERT_NOTIFY_TIMEOUT must be positive"))
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.Postgres.Host == "" || c.Storage.Postgres.Database == "" {
			errs = append(errs, errors.New("postgres backend requires DB_HOST and DB_NAME"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", c.Storage.Backend))
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("MQTT_BROKER is required when MQTT is enabled"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, errors.New("MQTT_QOS must be 0, 1 or 2"))
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS is required when Kafka is enabled"))
		}
		if c.Kafka.ReadingsTopic == "" && c.Kafka.AlertsTopic == "" {
			errs = append(errs, errors.New("at least one of KAFKA_READINGS_TOPIC and KAFKA_ALERTS_TOPIC is required"))
		}
	}

	if c.Influx.Enabled && (c.Influx.URL == "" || c.Influx.Token == "" || c.Influx.Org == "") {
		errs = append(errs, errors.New("InfluxDB requires INFLUXDB_URL, INFLUXDB_TOKEN and INFLUXDB_ORG"))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
