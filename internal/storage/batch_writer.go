package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"refinery-siem/internal/normalize"
	"refinery-siem/internal/schema"
)

// ErrWriterClosed is returned by Write after Close.
var ErrWriterClosed = errors.New("storage: batch writer is closed")

const insertEventsQuery = `
	INSERT INTO normalized_events (
		record_id, event_time, ingested_at, source,
		log_source, event_id, event_type, severity,
		fields, extra, fallbacks
	)
`

// BatchWriterConfig tunes batch sizing and insert retries.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultBatchWriterConfig returns defaults sized for a steady event flow.
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{BatchSize: 1000, FlushInterval: 5 * time.Second, MaxRetries: 3, RetryDelay: time.Second}
}

// BatchWriterMetrics is a point-in-time snapshot of the writer's counters.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}

// BatchWriter buffers validated records and inserts them into the
// normalized_events table in batches. A batch goes out when the buffer
// reaches BatchSize or when FlushInterval elapses, whichever comes first.
type BatchWriter struct {
	client *ClickHouseClient
	config BatchWriterConfig

	mu         sync.Mutex
	buffer     []normalize.Result
	flushTimer *time.Timer
	closed     bool

	totalWritten atomic.Uint64
	totalFailed  atomic.Uint64
	batchCount   atomic.Uint64
}

// NewBatchWriter creates a BatchWriter and starts its flush timer.
func NewBatchWriter(client *ClickHouseClient, cfg BatchWriterConfig) *BatchWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchWriterConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultBatchWriterConfig().FlushInterval
	}

	bw := &BatchWriter{client: client, config: cfg, buffer: make([]normalize.Result, 0, cfg.BatchSize)}
	bw.flushTimer = time.AfterFunc(cfg.FlushInterval, bw.onTimer)
	return bw
}

// Write buffers one result. Filling the buffer triggers a synchronous
// flush, so a storage failure surfaces on the Write that tipped it over.
func (bw *BatchWriter) Write(ctx context.Context, res normalize.Result) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return ErrWriterClosed
	}

	bw.buffer = append(bw.buffer, res)
	if len(bw.buffer) < bw.config.BatchSize {
		return nil
	}
	return bw.flushLocked()
}

// Flush forces a flush of the current buffer.
func (bw *BatchWriter) Flush() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked()
}

// Close stops the flush timer and flushes what remains.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return nil
	}
	bw.flushTimer.Stop()

	err := bw.flushLocked()
	bw.closed = true
	return err
}

// Metrics reports the writer's cumulative counters and current backlog.
func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	bw.mu.Lock()
	pending := len(bw.buffer)
	bw.mu.Unlock()

	return BatchWriterMetrics{
		Written: bw.totalWritten.Load(),
		Failed:  bw.totalFailed.Load(),
		Batches: bw.batchCount.Load(),
		Pending: pending,
	}
}

func (bw *BatchWriter) onTimer() {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return
	}
	if len(bw.buffer) > 0 {
		if err := bw.flushLocked(); err != nil {
			slog.Error("background flush failed", "error", err)
		}
	}
	bw.flushTimer.Reset(bw.config.FlushInterval)
}

// flushLocked swaps the buffer out and hands it to the insert path.
// Caller must hold the lock.
func (bw *BatchWriter) flushLocked() error {
	if len(bw.buffer) == 0 {
		return nil
	}

	results := bw.buffer
	bw.buffer = make([]normalize.Result, 0, bw.config.BatchSize)

	if err := bw.insertWithRetry(results); err != nil {
		bw.totalFailed.Add(uint64(len(results)))
		return err
	}
	bw.totalWritten.Add(uint64(len(results)))
	bw.batchCount.Add(1)
	return nil
}

// insertWithRetry inserts the batch, doubling the delay between attempts.
func (bw *BatchWriter) insertWithRetry(results []normalize.Result) error {
	backoff := bw.config.RetryDelay
	var lastErr error
	for attempt := 0; attempt <= bw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}

		if err := bw.insertBatch(results); err != nil {
			lastErr = err
			slog.Warn("batch insert failed", "attempt", attempt+1, "max_retries", bw.config.MaxRetries, "error", err)
			continue
		}
		return nil
	}

	return NewStorageErrorWithRetries("Insert", "normalized_events",
		fmt.Errorf("%w: %v", ErrBatchInsertFailed, lastErr), bw.config.MaxRetries)
}

// insertTimeout bounds a single batch INSERT round trip.
const insertTimeout = 30 * time.Second

func (bw *BatchWriter) insertBatch(results []normalize.Result) error {
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	batch, err := bw.client.PrepareBatch(ctx, insertEventsQuery)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, res := range results {
		if err := batch.Append(recordRow(res)...); err != nil {
			return fmt.Errorf("append record: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	slog.Debug("batch inserted", "count", len(results))
	return nil
}

// recordRow flattens a result into the normalized_events column order.
// Required fields map to typed columns; the rest of Fields is serialized
// into the fields JSON and unconsumed input keys into extra.
func recordRow(res normalize.Result) []any {
	rec := res.Record

	eventTime, ok := rec.Timestamp()
	if !ok {
		eventTime = time.Now().UTC()
	}
	ingestedAt := time.Now().UTC()
	if v, ok := rec.Get(schema.FieldIngestionTime); ok {
		if t, ok := v.(time.Time); ok {
			ingestedAt = t
		}
	}

	logSource, _ := rec.LogSource()
	eventID, _ := rec.EventID()
	eventType, _ := rec.EventType()
	severity, _ := rec.Severity()

	rest := make(map[string]any, len(rec.Fields))
	for name, value := range rec.Fields {
		switch name {
		case schema.FieldTimestamp, schema.FieldLogSource, schema.FieldEventID,
			schema.FieldEventType, schema.FieldSeverity, schema.FieldIngestionTime:
			continue
		}
		rest[name] = value
	}
	fields, _ := json.Marshal(rest)

	extra := []byte("{}")
	if len(rec.Extra) > 0 {
		extra, _ = json.Marshal(rec.Extra)
	}

	fallbacks := make([]string, 0, len(res.Violations))
	for _, v := range res.Violations {
		fallbacks = append(fallbacks, v.String())
	}

	return []any{
		rec.ID,
		eventTime,
		ingestedAt,
		rec.Source,
		logSource,
		eventID,
		eventType,
		string(severity),
		string(fields),
		string(extra),
		fallbacks,
	}
}
