package livestats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"refinery-siem/internal/normalize"
)

// Recorder accumulates per-source deltas in memory and flushes them to
// Redis periodically, so the hot path never waits on a round trip.
type Recorder struct {
	client        *Client
	flushInterval time.Duration

	mu      sync.Mutex
	pending map[string]*Update

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRecorder creates a recorder flushing at the given interval.
func NewRecorder(client *Client, flushInterval time.Duration) *Recorder {
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}
	return &Recorder{
		client:        client,
		flushInterval: flushInterval,
		pending:       make(map[string]*Update),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start launches the background flush loop.
func (r *Recorder) Start() {
	go func() {
		defer close(r.doneCh)
		ticker := time.NewTicker(r.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.flush()
			case <-r.stopCh:
				r.flush()
				return
			}
		}
	}()
}

// Stop flushes what remains and stops the loop.
func (r *Recorder) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// RecordResult accumulates one accepted record.
func (r *Recorder) RecordResult(res normalize.Result) {
	var fallbacks int64
	for _, v := range res.Violations {
		if v.Reason == normalize.ReasonFallbackUsed {
			fallbacks++
		}
	}

	r.add(res.Record.Source, Update{In: 1, Out: 1, Fallbacks: fallbacks})
}

// RecordFailure accumulates one quarantined or rejected record.
func (r *Recorder) RecordFailure(source string) {
	r.add(source, Update{In: 1, Failed: 1})
}

func (r *Recorder) add(source string, u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.pending[source]
	if !ok {
		existing = &Update{}
		r.pending[source] = existing
	}
	existing.merge(u)
}

// drain swaps out the pending map.
func (r *Recorder) drain() map[string]*Update {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := r.pending
	r.pending = make(map[string]*Update)
	return pending
}

func (r *Recorder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for source, u := range r.drain() {
		if err := r.client.Flush(ctx, source, *u); err != nil {
			slog.Warn("live stats flush failed", "source", source, "error", err)
		}
	}
}

// Sink adapts the recorder to the consumer sink contract.
type Sink struct {
	recorder *Recorder
}

// NewSink wraps a recorder as a record sink.
func NewSink(recorder *Recorder) *Sink {
	return &Sink{recorder: recorder}
}

// Write accumulates one normalized record. It never fails; counter loss
// on Redis outage must not block the pipeline.
func (s *Sink) Write(_ context.Context, res normalize.Result) error {
	s.recorder.RecordResult(res)
	return nil
}
