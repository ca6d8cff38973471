// Package consumer runs the normalization worker pool between the ingest
// queue and the record sinks.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"refinery-siem/internal/logging"
	"refinery-siem/internal/normalize"
	"refinery-siem/internal/queue"
)

// Sink receives records that passed validation.
type Sink interface {
	Write(ctx context.Context, res normalize.Result) error
}

// Quarantine receives records that failed validation or were structurally
// rejected, together with the envelope they arrived in.
type Quarantine interface {
	Store(ctx context.Context, env *normalize.Envelope, res normalize.Result) error
}

// MultiSink fans each record out to every sink, attempting all of them
// before reporting the joined errors.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, res normalize.Result) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Config holds the worker pool configuration.
type Config struct {
	// Workers is the number of goroutines draining the queue.
	Workers int `yaml:"workers"`

	// PollInterval is how long an idle worker blocks on the queue
	// before rechecking its context, so it also bounds how quickly
	// the pool notices a shutdown.
	PollInterval time.Duration `yaml:"poll_interval"`

	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DefaultConfig returns the default worker pool configuration.
func DefaultConfig() Config {
	return Config{Workers: 4, PollInterval: 10 * time.Millisecond, ShutdownWait: 30 * time.Second}
}

// workerStats pairs a worker's private counters with the lock that lets
// Stats read them while the worker runs.
type workerStats struct {
	mu    sync.Mutex
	stats *normalize.RunStats
}

// Consumer drains envelopes from the queue, normalizes them, and routes
// results: valid records to the sink, everything else to quarantine.
// Each worker owns a stats instance; Stats merges them on demand.
type Consumer struct {
	queue      *queue.RingBuffer
	engine     *normalize.Engine
	sink       Sink
	quarantine Quarantine
	config     Config

	workers []*workerStats
	wg      sync.WaitGroup

	delivered   uint64
	quarantined uint64
	rejected    uint64
	sinkErrors  uint64
}

// New creates a worker pool. The quarantine may be nil, in which case
// failed records are logged and dropped.
func New(q *queue.RingBuffer, eng *normalize.Engine, sink Sink, quarantine Quarantine, cfg Config) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Consumer{
		queue:      q,
		engine:     eng,
		sink:       sink,
		quarantine: quarantine,
		config:     cfg,
	}
}

// Start launches the workers.
func (c *Consumer) Start(ctx context.Context) {
	c.workers = make([]*workerStats, c.config.Workers)
	for i := range c.workers {
		c.workers[i] = &workerStats{stats: normalize.NewRunStats()}
		c.wg.Add(1)
		go c.worker(ctx, i, c.workers[i])
	}

	slog.Info("normalization workers started", "workers", c.config.Workers)
}

func (c *Consumer) worker(ctx context.Context, id int, ws *workerStats) {
	defer c.wg.Done()

	slog.Debug("worker started", "worker_id", id)

	for {
		select {
		case <-ctx.Done():
			slog.Debug("worker stopping (context)", "worker_id", id)
			return
		default:
		}

		env, err := c.queue.PopWithTimeout(c.config.PollInterval)
		if err != nil {
			if err == queue.ErrEmpty {
				continue
			}
			// Closed and drained.
			slog.Debug("worker stopping (queue closed)", "worker_id", id)
			return
		}

		c.process(ctx, id, ws, env)
	}
}

// process normalizes one envelope and routes the result.
func (c *Consumer) process(ctx context.Context, id int, ws *workerStats, env *normalize.Envelope) {
	ws.mu.Lock()
	result, err := c.engine.Normalize(env.Record, env.Source, ws.stats)
	ws.mu.Unlock()

	if err != nil {
		atomic.AddUint64(&c.rejected, 1)
		c.toQuarantine(ctx, id, env, result)
		return
	}

	if !result.Valid {
		atomic.AddUint64(&c.quarantined, 1)
		c.toQuarantine(ctx, id, env, result)
		return
	}

	if err := c.sink.Write(ctx, result); err != nil {
		slog.Error("sink write failed", "worker_id", id, "record_id", result.Record.ID, "error", err)
		atomic.AddUint64(&c.sinkErrors, 1)
		return
	}

	atomic.AddUint64(&c.delivered, 1)
}

func (c *Consumer) toQuarantine(ctx context.Context, id int, env *normalize.Envelope, res normalize.Result) {
	if c.quarantine == nil {
		// The record is dropped here, so the masked payload is its only trace.
		slog.Warn("record failed validation, no quarantine configured",
			"worker_id", id,
			"source", env.Source,
			"violations", len(res.Violations),
			"record", logging.MaskFields(env.Record),
		)
		return
	}
	if err := c.quarantine.Store(ctx, env, res); err != nil {
		slog.Error("quarantine store failed", "worker_id", id, "error", err)
		atomic.AddUint64(&c.sinkErrors, 1)
	}
}

// Stop closes the queue, lets the workers drain what remains, and waits
// for them up to the configured shutdown timeout.
func (c *Consumer) Stop() {
	c.queue.Close()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("normalization workers stopped")
	case <-time.After(c.config.ShutdownWait):
		slog.Warn("worker shutdown timed out", "waited", c.config.ShutdownWait)
	}
}

// Stats merges the per-worker run statistics into one snapshot. Safe to
// call while workers run.
func (c *Consumer) Stats() normalize.StatsSnapshot {
	merged := normalize.NewRunStats()
	for _, ws := range c.workers {
		ws.mu.Lock()
		merged.Merge(ws.stats)
		ws.mu.Unlock()
	}
	return merged.Snapshot()
}

// Metrics returns the routing counters.
func (c *Consumer) Metrics() Metrics {
	return Metrics{
		Consumed:    atomic.LoadUint64(&c.delivered),
		Quarantined: atomic.LoadUint64(&c.quarantined),
		Rejected:    atomic.LoadUint64(&c.rejected),
		SinkErrors:  atomic.LoadUint64(&c.sinkErrors),
	}
}

// Metrics holds routing statistics for the pool.
type Metrics struct {
	Consumed    uint64 `json:"consumed"`
	Quarantined uint64 `json:"quarantined"`
	Rejected    uint64 `json:"rejected"`
	SinkErrors  uint64 `json:"sink_errors"`
}
