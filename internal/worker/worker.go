package worker

import (
	"context"
	"hash/fnv"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"sensmed/internal/logger"
	"sensmed/internal/metrics"
	"sensmed/internal/models"
	"sensmed/internal/timeseries"
)

// Handler evaluates one reading for one device
type Handler interface {
	OnReading(ctx context.Context, externalID string, reading *models.Reading) ([]*models.Alert, error)
}

// Pool drains the inbound envelope channel into per-device shards. Readings
// of one device always land on the same worker and are handled in arrival
// order; different devices are handled in parallel.
type Pool struct {
	handler        Handler
	recorder       timeseries.Recorder
	envelopeChan   <-chan *models.Envelope
	shards         []chan *models.Envelope
	workers        int
	batchSize      int
	batchTimeout   time.Duration
	handlerTimeout time.Duration

	wg       sync.WaitGroup
	dispatch sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once

	// Metrics
	processed    atomic.Uint64
	failed       atomic.Uint64
	alerts       atomic.Uint64
	panics       atomic.Uint64
	recorded     atomic.Uint64
	recordFailed atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Handler      Handler
	Recorder     timeseries.Recorder
	EnvelopeChan <-chan *models.Envelope
	Workers      int

	// BatchSize and BatchTimeout bound how many samples a worker buffers
	// before writing them to the recorder.
	BatchSize    int
	BatchTimeout time.Duration

	// HandlerTimeout bounds a single evaluation.
	HandlerTimeout time.Duration
}

// Stats is a snapshot of pool counters
type Stats struct {
	Processed    uint64 `json:"processed"`
	Failed       uint64 `json:"failed"`
	Alerts       uint64 `json:"alerts"`
	Panics       uint64 `json:"panics"`
	Recorded     uint64 `json:"recorded"`
	RecordFailed uint64 `json:"record_failed"`
}

// NewPool creates a new worker pool
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = time.Second
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 10 * time.Second
	}
	if cfg.Recorder == nil {
		cfg.Recorder = timeseries.Noop{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	shards := make([]chan *models.Envelope, cfg.Workers)
	for i := range shards {
		shards[i] = make(chan *models.Envelope, cfg.BatchSize)
	}

	return &Pool{
		handler:        cfg.Handler,
		recorder:       cfg.Recorder,
		envelopeChan:   cfg.EnvelopeChan,
		shards:         shards,
		workers:        cfg.Workers,
		batchSize:      cfg.BatchSize,
		batchTimeout:   cfg.BatchTimeout,
		handlerTimeout: cfg.HandlerTimeout,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start begins processing envelopes
func (p *Pool) Start() {
	log := logger.WithComponent("worker_pool")
	log.Info().
		Int("workers", p.workers).
		Int("batch_size", p.batchSize).
		Dur("batch_timeout", p.batchTimeout).
		Msg("starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i, p.shards[i])
	}

	p.dispatch.Add(1)
	go p.dispatcher()
}

// Wait blocks until the inbound channel has been closed and every queued
// envelope has been handled.
func (p *Pool) Wait() {
	p.dispatch.Wait()
	p.wg.Wait()
}

// Stop abandons queued envelopes and stops all workers after they flush
// their buffered samples.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		log := logger.WithComponent("worker_pool")
		log.Info().Msg("stopping worker pool")
		p.cancel()
		p.Wait()
		log.Info().Msg("worker pool stopped")
	})
}

// Shard returns the worker index for a device
func Shard(deviceID string, workers int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return int(h.Sum32() % uint32(workers))
}

func (p *Pool) dispatcher() {
	defer p.dispatch.Done()
	defer func() {
		for _, shard := range p.shards {
			close(shard)
		}
	}()

	for {
		select {
		case <-p.ctx.Done():
			return
		case envelope, ok := <-p.envelopeChan:
			if !ok {
				return
			}
			metrics.QueueSize.Set(float64(len(p.envelopeChan)))
			if envelope == nil || envelope.Reading == nil {
				continue
			}

			shard := p.shards[Shard(envelope.Reading.DeviceID, p.workers)]
			select {
			case shard <- envelope:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

// worker evaluates the envelopes of one shard
func (p *Pool) worker(id int, shard <-chan *models.Envelope) {
	defer p.wg.Done()

	log := logger.WithComponent("worker").With().Int("worker_id", id).Logger()
	log.Debug().Msg("worker started")
	defer log.Debug().Msg("worker stopped")

	batch := make([]models.SensorReading, 0, p.batchSize)
	timer := time.NewTimer(p.batchTimeout)
	defer timer.Stop()

	flush := func() {
		if len(batch) > 0 {
			p.record(batch)
			batch = batch[:0]
		}
	}

	for {
		select {
		case <-p.ctx.Done():
			flush()
			return

		case envelope, ok := <-shard:
			if !ok {
				flush()
				return
			}

			p.process(envelope)
			batch = append(batch, envelope.Reading.Samples()...)

			if len(batch) >= p.batchSize {
				flush()
				timer.Reset(p.batchTimeout)
			}

		case <-timer.C:
			flush()
			timer.Reset(p.batchTimeout)
		}
	}
}

// process hands one envelope to the handler. A panic is contained to the
// envelope that caused it.
func (p *Pool) process(envelope *models.Envelope) {
	deviceID := envelope.Reading.DeviceID
	log := logger.WithDevice("worker", deviceID)

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Str("source", envelope.Source).
				Msg("panic while evaluating reading")
			p.panics.Add(1)
			p.failed.Add(1)
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()
			metrics.WorkerFailedTotal.Inc()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), p.handlerTimeout)
	defer cancel()

	created, err := p.handler.OnReading(ctx, deviceID, envelope.Reading)
	p.processed.Add(1)
	metrics.WorkerProcessedTotal.Inc()
	p.alerts.Add(uint64(len(created)))

	if err != nil {
		p.failed.Add(1)
		metrics.WorkerFailedTotal.Inc()
		log.Error().
			Err(err).
			Str("source", envelope.Source).
			Int("alerts_created", len(created)).
			Msg("reading evaluated with errors")
	}
}

func (p *Pool) record(batch []models.SensorReading) {
	log := logger.WithComponent("worker")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.recorder.Record(ctx, batch); err != nil {
		p.recordFailed.Add(uint64(len(batch)))
		log.Error().
			Err(err).
			Int("batch_size", len(batch)).
			Msg("failed to record samples")
		return
	}
	p.recorded.Add(uint64(len(batch)))
}

// Stats returns worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Processed:    p.processed.Load(),
		Failed:       p.failed.Load(),
		Alerts:       p.alerts.Load(),
		Panics:       p.panics.Load(),
		Recorded:     p.recorded.Load(),
		RecordFailed: p.recordFailed.Load(),
	}
}
