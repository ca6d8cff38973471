// Package ingest provides the listeners that feed the normalization
// pipeline: an HTTP batch endpoint and TCP, UDP, and DTLS line servers.
// Listeners decode bytes into raw records and enqueue envelopes; they
// never normalize.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"refinery-siem/internal/consumer"
	apperrors "refinery-siem/internal/errors"
	"refinery-siem/internal/normalize"
	"refinery-siem/internal/queue"
)

// Handler handles HTTP record ingestion and the operational endpoints.
type Handler struct {
	queue        *queue.RingBuffer
	pool         *consumer.Consumer
	maxPayload   int
	maxBatch     int
	startTime    time.Time
	ready        atomic.Bool
	recordsTotal atomic.Uint64
}

// NewHandler creates an ingest Handler. The pool may be nil; the stats
// endpoint then reports empty run statistics.
func NewHandler(q *queue.RingBuffer, pool *consumer.Consumer) *Handler {
	return &Handler{queue: q, pool: pool, maxPayload: 10 << 20, maxBatch: 1000, startTime: time.Now()}
}

// WithMaxPayload caps the request body in bytes.
func (h *Handler) WithMaxPayload(size int) *Handler {
	h.maxPayload = size
	return h
}

// WithMaxBatch caps the records accepted per request.
func (h *Handler) WithMaxBatch(size int) *Handler {
	h.maxBatch = size
	return h
}

// SetReady marks the pipeline as ready to accept traffic. Main flips this
// after the workers and sinks are up.
func (h *Handler) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *Handler) uptimeSeconds() int {
	return int(time.Since(h.startTime).Seconds())
}

// IngestRequest is the request body for record ingestion. Records stay
// raw JSON until indexed decoding, so one malformed element rejects that
// element, not the batch.
type IngestRequest struct {
	Source  string            `json:"source"`
	Records []json.RawMessage `json:"records"`
}

// IngestResponse is the response for record ingestion.
type IngestResponse struct {
	Success   bool     `json:"success"`
	Accepted  int      `json:"accepted"`
	Rejected  int      `json:"rejected"`
	Errors    []string `json:"errors,omitempty"`
	RequestID string   `json:"request_id"`
}

type errorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	RequestID string `json:"request_id"`
}

// HandleRecords handles POST /v1/records.
func (h *Handler) HandleRecords(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxPayload))

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "request body exceeds the payload limit", requestID)
			return
		}
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON payload: %v", err), requestID)
		return
	}

	if req.Source == "" {
		respondError(w, http.StatusBadRequest, "source is required", requestID)
		return
	}
	if len(req.Records) == 0 {
		respondError(w, http.StatusBadRequest, "no records provided", requestID)
		return
	}
	if len(req.Records) > h.maxBatch {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("batch size exceeds the limit of %d", h.maxBatch), requestID)
		return
	}

	receivedAt := time.Now().UTC()

	var accepted int
	var errs []string

	for i, raw := range req.Records {
		var record normalize.RawRecord
		if err := json.Unmarshal(raw, &record); err != nil || record == nil {
			errs = append(errs, fmt.Sprintf("records[%d]: not a JSON object", i))
			continue
		}

		env := &normalize.Envelope{
			Source:     req.Source,
			Record:     record,
			ReceivedAt: receivedAt,
			Remote:     r.RemoteAddr,
		}

		switch err := h.queue.Push(env); {
		case err == nil:
			accepted++
			h.recordsTotal.Add(1)
		case errors.Is(err, queue.ErrFull):
			errs = append(errs, fmt.Sprintf("records[%d]: queue full", i))
		default:
			errs = append(errs, fmt.Sprintf("records[%d]: %v", i, err))
		}
	}

	rejected := len(errs)

	status := http.StatusAccepted
	switch {
	case accepted == 0 && rejected > 0:
		status = http.StatusBadRequest
	case rejected > 0:
		status = http.StatusMultiStatus
	}

	respondJSON(w, status, IngestResponse{
		Success:   rejected == 0,
		Accepted:  accepted,
		Rejected:  rejected,
		Errors:    errs,
		RequestID: requestID,
	})
}

// StatsResponse is the body of GET /v1/stats: run statistics merged
// across workers plus the shell counters around them.
type StatsResponse struct {
	Stats         normalize.StatsSnapshot `json:"stats"`
	Queue         queue.Metrics           `json:"queue"`
	Pipeline      consumer.Metrics        `json:"pipeline"`
	UptimeSeconds int                     `json:"uptime_seconds"`
}

// HandleStats handles GET /v1/stats.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Queue:         h.queue.Metrics(),
		UptimeSeconds: h.uptimeSeconds(),
	}

	if h.pool != nil {
		resp.Stats = h.pool.Stats()
		resp.Pipeline = h.pool.Metrics()
	} else {
		resp.Stats = normalize.NewRunStats().Snapshot()
	}

	respondJSON(w, http.StatusOK, resp)
}

// Healthz handles GET /healthz. Reports degraded when the queue runs
// above 90% of capacity.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	m := h.queue.Metrics()

	status := "healthy"
	if m.Capacity > 0 && float64(m.Depth)/float64(m.Capacity) > 0.9 {
		status = "degraded"
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"queue_depth":    m.Depth,
		"queue_capacity": m.Capacity,
		"uptime_seconds": h.uptimeSeconds(),
	})
}

// Readyz handles GET /readyz. Returns 503 until main marks the pipeline
// ready.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	status, code := "ready", http.StatusOK
	if !h.ready.Load() {
		status, code = "starting", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{"status": status})
}

// Metrics handles GET /metrics (Prometheus text format).
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	m := h.queue.Metrics()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	promCounter(w, "refinery_records_total", "Total records accepted by the HTTP listener", h.recordsTotal.Load())
	promCounter(w, "refinery_queue_pushed_total", "Total envelopes pushed to the queue", m.Pushed)
	promCounter(w, "refinery_queue_popped_total", "Total envelopes popped from the queue", m.Popped)
	promCounter(w, "refinery_queue_dropped_total", "Total envelopes dropped because the queue was full", m.Dropped)
	promGauge(w, "refinery_queue_depth", "Current queue depth", m.Depth)
	promGauge(w, "refinery_queue_capacity", "Queue capacity", m.Capacity)

	if h.pool != nil {
		h.writePoolMetrics(w)
	}

	promGauge(w, "refinery_uptime_seconds", "Uptime in seconds", h.uptimeSeconds())
}

func (h *Handler) writePoolMetrics(w io.Writer) {
	stats := h.pool.Stats()
	pipeline := h.pool.Metrics()

	promCounter(w, "refinery_normalized_in_total", "Records entering normalization", stats.TotalIn)
	promCounter(w, "refinery_normalized_out_total", "Records emitted valid", stats.TotalOut)
	promCounter(w, "refinery_normalized_failed_total", "Records emitted with violations", stats.TotalFailed)
	promLabeled(w, "refinery_field_failures_total", "Per-field coercion and validation failures", "field", stats.FieldFailures)
	promLabeled(w, "refinery_field_fallbacks_total", "Per-field fallback substitutions", "field", stats.FieldFallbacks)
	promCounter(w, "refinery_sink_errors_total", "Sink and quarantine write failures", pipeline.SinkErrors)
	promCounter(w, "refinery_quarantined_total", "Records routed to quarantine", pipeline.Quarantined+pipeline.Rejected)
}

// promCounter writes one counter in the Prometheus text exposition.
func promCounter(w io.Writer, name, help string, value uint64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n\n", name, help, name, name, value)
}

// promGauge writes one gauge in the Prometheus text exposition.
func promGauge(w io.Writer, name, help string, value int) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n\n", name, help, name, name, value)
}

// promLabeled writes one labeled counter family, one sample per key.
func promLabeled(w io.Writer, name, help, label string, values map[string]uint64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n", name, help, name)
	for key, n := range values {
		fmt.Fprintf(w, "%s{%s=%q} %d\n", name, label, key, n)
	}
	io.WriteString(w, "\n")
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes a JSON error response. Messages pass through the
// sanitizer so production responses never leak internals.
func respondError(w http.ResponseWriter, status int, message, requestID string) {
	respondJSON(w, status, errorResponse{
		Error:     apperrors.SafeMessage(message),
		RequestID: requestID,
	})
}
