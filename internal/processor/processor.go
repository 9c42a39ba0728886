package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sensmed/internal/alerts"
	"sensmed/internal/config"
	"sensmed/internal/handlers"
	"sensmed/internal/kafka"
	"sensmed/internal/logger"
	"sensmed/internal/metrics"
	"sensmed/internal/middleware"
	"sensmed/internal/models"
	"sensmed/internal/mqtt"
	"sensmed/internal/notify"
	"sensmed/internal/state"
	"sensmed/internal/storage"
	"sensmed/internal/timeseries"
	"sensmed/internal/worker"
)

// Processor is the high-level coordinator for ingesting, evaluating, and alerting.
type Processor struct {
	cfg *config.Config

	store      storage.Store
	episodes   state.EpisodeStore
	recorder   timeseries.Recorder
	producer   *kafka.AlertProducer
	consumer   *kafka.ReadingConsumer
	subscriber *mqtt.Subscriber
	engine     *alerts.Engine
	workerPool *worker.Pool
	httpServer *http.Server

	envelopeChan chan *models.Envelope
	transports   sync.WaitGroup
	wg           sync.WaitGroup
	started      time.Time
}

// New constructs a Processor with given config.
func New(cfg *config.Config) *Processor {
	return &Processor{
		cfg:          cfg,
		envelopeChan: make(chan *models.Envelope, cfg.Queue.Capacity),
	}
}

// Run builds every component, starts them and blocks until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	log := logger.WithComponent("processor")
	log.Info().Msg("processor starting")

	if err := p.init(ctx); err != nil {
		log.Error().Err(err).Msg("failed to initialize processor")
		p.closeResources()
		return err
	}

	p.started = time.Now()
	p.workerPool.Start()

	transportCtx, stopTransports := context.WithCancel(context.Background())
	defer stopTransports()
	if err := p.startTransports(ctx, transportCtx); err != nil {
		stopTransports()
		p.shutdown(stopTransports)
		return err
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		log.Info().Str("addr", p.cfg.HTTP.Addr).Msg("starting HTTP server")
		if err := p.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reportStats(ctx)
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	p.shutdown(stopTransports)
	return nil
}

// init builds the stores, transports, engine, worker pool and HTTP server
func (p *Processor) init(ctx context.Context) error {
	if err := p.initStore(ctx); err != nil {
		return err
	}
	if err := p.initEpisodes(ctx); err != nil {
		return err
	}
	if err := p.initRecorder(ctx); err != nil {
		return err
	}

	notifier, err := p.initNotifiers()
	if err != nil {
		return err
	}

	p.engine = alerts.NewEngine(alerts.Config{
		Registry:      p.store,
		Alerts:        p.store,
		Episodes:      p.episodes,
		Notifier:      notifier,
		NotifyQueue:   p.cfg.Alerting.NotifyQueue,
		NotifyTimeout: p.cfg.Alerting.NotifyTimeout,
	})

	if err := p.bootstrap(ctx); err != nil {
		return err
	}

	if p.cfg.MQTT.Enabled {
		p.subscriber = mqtt.NewSubscriber(p.cfg.MQTT, p.envelopeChan)
	}
	if p.cfg.Kafka.Enabled && p.cfg.Kafka.ReadingsTopic != "" {
		consumer, err := kafka.NewReadingConsumer(p.cfg.Kafka.Brokers, p.cfg.Kafka.ReadingsTopic, p.cfg.Kafka.GroupID, p.envelopeChan)
		if err != nil {
			return fmt.Errorf("failed to initialize kafka consumer: %w", err)
		}
		p.consumer = consumer
	}

	p.workerPool = worker.NewPool(worker.Config{
		Handler:      p.engine,
		Recorder:     p.recorder,
		EnvelopeChan: p.envelopeChan,
		Workers:      p.cfg.Queue.Workers,
		BatchSize:    p.cfg.Queue.BatchSize,
		BatchTimeout: p.cfg.Queue.BatchTimeout,
	})

	p.httpServer = &http.Server{
		Addr:         p.cfg.HTTP.Addr,
		Handler:      p.Handler(),
		ReadTimeout:  p.cfg.HTTP.ReadTimeout,
		WriteTimeout: p.cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return nil
}

func (p *Processor) initStore(ctx context.Context) error {
	log := logger.WithComponent("processor")

	switch p.cfg.Storage.Backend {
	case config.BackendPostgres:
		store, err := storage.OpenPostgres(ctx, p.cfg.Storage.Postgres)
		if err != nil {
			return fmt.Errorf("failed to open postgres store: %w", err)
		}
		p.store = store
	default:
		p.store = storage.NewMemory()
	}

	log.Info().Str("backend", p.cfg.Storage.Backend).Msg("store initialized")
	return nil
}

func (p *Processor) initEpisodes(ctx context.Context) error {
	if !p.cfg.Alerting.DedupEpisodes {
		return nil
	}
	log := logger.WithComponent("processor")

	if p.cfg.Redis.Addr == "" {
		p.episodes = state.NewMemoryEpisodes(p.cfg.Alerting.EpisodeTTL)
		log.Info().Msg("alert episodes kept in memory")
		return nil
	}

	episodes, err := state.NewRedisEpisodes(ctx, p.cfg.Redis, p.cfg.Alerting.EpisodeTTL)
	if err != nil {
		return fmt.Errorf("failed to connect episode store: %w", err)
	}
	p.episodes = episodes
	log.Info().Str("addr", p.cfg.Redis.Addr).Msg("alert episodes kept in redis")
	return nil
}

func (p *Processor) initRecorder(ctx context.Context) error {
	if !p.cfg.Influx.Enabled {
		p.recorder = timeseries.Noop{}
		return nil
	}

	influx, err := timeseries.NewInflux(ctx, p.cfg.Influx)
	if err != nil {
		return fmt.Errorf("failed to connect influxdb: %w", err)
	}
	p.recorder = influx
	log := logger.WithComponent("processor")
	log.Info().
		Str("url", p.cfg.Influx.URL).
		Str("bucket", p.cfg.Influx.Bucket).
		Msg("time-series recorder initialized")
	return nil
}

// initNotifiers returns nil when no notifier is configured
func (p *Processor) initNotifiers() (alerts.Notifier, error) {
	log := logger.WithComponent("processor")
	var notifiers notify.Multi

	if p.cfg.Kafka.Enabled && p.cfg.Kafka.AlertsTopic != "" {
		producer, err := kafka.NewAlertProducer(p.cfg.Kafka.Brokers, p.cfg.Kafka.AlertsTopic, p.cfg.Kafka.Producer)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize producer: %w", err)
		}
		p.producer = producer
		notifiers = append(notifiers, producer)
		log.Info().
			Strs("brokers", p.cfg.Kafka.Brokers).
			Str("topic", p.cfg.Kafka.AlertsTopic).
			Msg("kafka alert producer initialized")
	}

	if p.cfg.Slack.WebhookURL != "" {
		slack, err := notify.NewSlack(p.cfg.Slack)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, slack)
		log.Info().Str("channel", p.cfg.Slack.Channel).Msg("slack notifier initialized")
	}

	switch len(notifiers) {
	case 0:
		return nil, nil
	case 1:
		return notifiers[0], nil
	default:
		return notifiers, nil
	}
}

// bootstrap registers the configured seed device once
func (p *Processor) bootstrap(ctx context.Context) error {
	id := p.cfg.Bootstrap.DeviceID
	if id == "" {
		return nil
	}
	name := p.cfg.Bootstrap.DeviceName
	if name == "" {
		name = id
	}

	device, err := p.store.CreateDevice(ctx, models.DeviceInsert{
		ExternalID: id,
		Name:       name,
		Status:     models.DeviceActive,
	})
	switch {
	case errors.Is(err, storage.ErrDuplicateDevice):
		return nil
	case err != nil:
		return fmt.Errorf("failed to bootstrap device %s: %w", id, err)
	}

	log := logger.WithDevice("processor", device.ExternalID)
	log.Info().
		Int64("id", device.ID).
		Msg("bootstrap device registered")
	return nil
}

// Handler returns the HTTP routes of the monitor
func (p *Processor) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(middleware.Logging)

	ingest := handlers.NewIngestHandler(handlers.IngestConfig{
		EnvelopeChan: p.envelopeChan,
		MaxBodySize:  p.cfg.HTTP.MaxBodyBytes,
		MaxBatchSize: p.cfg.HTTP.MaxBatchSize,
	})
	router.Handle("/ingest", ingest).Methods(http.MethodPost)

	apiCfg := handlers.APIConfig{
		Registry: p.store,
		Alerts:   p.engine,
	}
	if reader, ok := p.recorder.(timeseries.Reader); ok {
		apiCfg.History = reader
	}
	if p.subscriber != nil {
		apiCfg.Subscriber = p.subscriber
		apiCfg.Broker = p.subscriber
	}
	handlers.NewAPI(apiCfg).Register(router)

	router.HandleFunc("/health", p.healthHandler).Methods(http.MethodGet)
	router.HandleFunc("/stats", p.statsHandler).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler())

	metrics.QueueCapacity.Set(float64(cap(p.envelopeChan)))

	return middleware.Chain(router, middleware.Recovery, middleware.CORS(p.cfg.HTTP.AllowedOrigins))
}

// startTransports connects MQTT and starts the Kafka consumer. runCtx bounds
// the connection attempt; transportCtx lives until shutdown.
func (p *Processor) startTransports(runCtx, transportCtx context.Context) error {
	log := logger.WithComponent("processor")

	if p.subscriber != nil {
		devices, err := p.store.ListDevices(runCtx)
		if err != nil {
			return fmt.Errorf("failed to list devices: %w", err)
		}
		for _, d := range devices {
			if d.Status != models.DeviceActive || d.MQTTTopic == "" {
				continue
			}
			if err := p.subscriber.Subscribe(d.MQTTTopic, d.ExternalID); err != nil {
				log.Warn().Err(err).Str("topic", d.MQTTTopic).Msg("failed to follow device topic")
			}
		}

		if err := p.subscriber.Connect(runCtx); err != nil {
			return fmt.Errorf("failed to connect mqtt broker: %w", err)
		}
		log.Info().Strs("topics", p.subscriber.Topics()).Msg("mqtt subscriber connected")
	}

	if p.consumer != nil {
		p.transports.Add(1)
		go func() {
			defer p.transports.Done()
			if err := p.consumer.Run(transportCtx); err != nil {
				log.Error().Err(err).Msg("kafka consumer stopped with error")
			}
		}()
	}
	return nil
}

// shutdown performs graceful shutdown
func (p *Processor) shutdown(stopTransports context.CancelFunc) {
	log := logger.WithComponent("processor")
	log.Info().Msg("initiating graceful shutdown")

	// 1. Stop accepting new HTTP requests
	shutdownCtx, cancel := context.WithTimeout(context.Background(), p.cfg.HTTP.ShutdownTimeout)
	defer cancel()

	log.Info().Msg("stopping HTTP server")
	if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop the device transports so nothing else writes to the queue
	if p.subscriber != nil {
		p.subscriber.Close()
	}
	stopTransports()
	p.transports.Wait()
	if p.consumer != nil {
		if err := p.consumer.Close(); err != nil {
			log.Error().Err(err).Msg("kafka consumer close error")
		}
	}

	// 3. Close the queue and let workers drain it
	log.Info().Int("queued", len(p.envelopeChan)).Msg("closing envelope channel")
	close(p.envelopeChan)

	done := make(chan struct{})
	go func() {
		p.workerPool.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("workers drained queue")
	case <-time.After(p.cfg.Queue.DrainTimeout):
		log.Warn().Int("queued", len(p.envelopeChan)).Msg("drain timeout, abandoning queued readings")
	}
	p.workerPool.Stop()

	// 4. Close producers and stores
	p.closeResources()

	p.wg.Wait()
	log.Info().Msg("processor stopped gracefully")
}

func (p *Processor) closeResources() {
	log := logger.WithComponent("processor")

	// flush queued notifications before their transports go away
	if p.engine != nil {
		p.engine.Close()
	}
	if p.producer != nil {
		if err := p.producer.Close(); err != nil {
			log.Error().Err(err).Msg("producer close error")
		}
	}
	if p.recorder != nil {
		if err := p.recorder.Close(); err != nil {
			log.Error().Err(err).Msg("recorder close error")
		}
	}
	if p.episodes != nil {
		if err := p.episodes.Close(); err != nil {
			log.Error().Err(err).Msg("episode store close error")
		}
	}
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			log.Error().Err(err).Msg("store close error")
		}
	}
}

// reportStats periodically logs statistics
func (p *Processor) reportStats(ctx context.Context) {
	log := logger.WithComponent("processor")
	ticker := time.NewTicker(p.cfg.Queue.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := p.Stats()
			metrics.QueueSize.Set(float64(stats.Queue.Buffered))

			event := log.Info().
				Uint64("worker_processed", stats.Worker.Processed).
				Uint64("worker_failed", stats.Worker.Failed).
				Uint64("alerts_created", stats.Worker.Alerts).
				Uint64("samples_recorded", stats.Worker.Recorded).
				Int("queue_size", stats.Queue.Buffered)
			if stats.Producer != nil {
				event = event.
					Uint64("producer_sent", stats.Producer.MessagesSent).
					Uint64("producer_failed", stats.Producer.MessagesFailed)
			}
			event.Msg("stats")
		}
	}
}

// QueueStats describes the inbound channel
type QueueStats struct {
	Buffered int `json:"buffered"`
	Capacity int `json:"capacity"`
}

// TransportStats counts readings taken and dropped by one transport
type TransportStats struct {
	Received uint64 `json:"received"`
	Dropped  uint64 `json:"dropped"`
}

// Stats is the payload of /stats
type Stats struct {
	UptimeSeconds float64              `json:"uptime_seconds"`
	Worker        worker.Stats         `json:"worker"`
	Queue         QueueStats           `json:"queue"`
	Producer      *kafka.ProducerStats `json:"producer,omitempty"`
	MQTT          *TransportStats      `json:"mqtt,omitempty"`
	Kafka         *TransportStats      `json:"kafka,omitempty"`
}

// Stats snapshots the pipeline counters
func (p *Processor) Stats() Stats {
	stats := Stats{
		Queue: QueueStats{
			Buffered: len(p.envelopeChan),
			Capacity: cap(p.envelopeChan),
		},
	}
	if !p.started.IsZero() {
		stats.UptimeSeconds = time.Since(p.started).Seconds()
	}
	if p.workerPool != nil {
		stats.Worker = p.workerPool.Stats()
	}
	if p.producer != nil {
		ps := p.producer.Stats()
		stats.Producer = &ps
	}
	if p.subscriber != nil {
		received, dropped := p.subscriber.Stats()
		stats.MQTT = &TransportStats{Received: received, Dropped: dropped}
	}
	if p.consumer != nil {
		consumed, dropped := p.consumer.Stats()
		stats.Kafka = &TransportStats{Received: consumed, Dropped: dropped}
	}
	return stats
}

// healthHandler checks the store and, when configured, the broker connections
func (p *Processor) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	check := func(name string, err error) {
		if err != nil {
			checks[name] = err.Error()
			healthy = false
			return
		}
		checks[name] = "ok"
	}

	check("store", p.store.Ping(ctx))
	if p.producer != nil {
		check("kafka", p.producer.HealthCheck(ctx))
	}
	if p.subscriber != nil {
		var err error
		if !p.subscriber.IsConnected() {
			err = errors.New("not connected")
		}
		check("mqtt", err)
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// statsHandler returns current statistics
func (p *Processor) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(p.Stats())
}
