// Package api provides the HTTP client the TUI uses to talk to a running
// refinery instance.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client handles API communication with the refinery backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// HealthResponse mirrors GET /healthz.
type HealthResponse struct {
	Status        string `json:"status"`
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	UptimeSeconds int    `json:"uptime_seconds"`
}

// RunStats mirrors the "stats" block of GET /v1/stats.
type RunStats struct {
	TotalIn        uint64            `json:"total_in"`
	TotalOut       uint64            `json:"total_out"`
	TotalFailed    uint64            `json:"total_failed"`
	FieldFailures  map[string]uint64 `json:"per_field_failure_counts"`
	FieldFallbacks map[string]uint64 `json:"per_field_fallback_counts"`
	SourceCounts   map[string]uint64 `json:"per_source_counts"`
}

// QueueMetrics mirrors the "queue" block of GET /v1/stats.
type QueueMetrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}

// PipelineMetrics mirrors the "pipeline" block of GET /v1/stats.
type PipelineMetrics struct {
	Consumed    uint64 `json:"consumed"`
	Quarantined uint64 `json:"quarantined"`
	Rejected    uint64 `json:"rejected"`
	SinkErrors  uint64 `json:"sink_errors"`
}

// StatsResponse mirrors GET /v1/stats.
type StatsResponse struct {
	Stats         RunStats        `json:"stats"`
	Queue         QueueMetrics    `json:"queue"`
	Pipeline      PipelineMetrics `json:"pipeline"`
	UptimeSeconds float64         `json:"uptime_seconds"`
}

// Stats is the combined snapshot the scenes render. GetStats assembles it
// from the health and stats endpoints so a scene needs a single fetch.
type Stats struct {
	Healthy      bool
	HealthStatus string
	StatusReason string

	TotalIn          uint64
	TotalOut         uint64
	TotalFailed      uint64
	RecordsPerSecond float64

	QueueDepth    int
	QueueCapacity int
	QueueUsage    float64
	QueuePushed   uint64
	QueuePopped   uint64
	QueueDropped  uint64

	Consumed    uint64
	Quarantined uint64
	Rejected    uint64
	SinkErrors  uint64

	FieldFailures  map[string]uint64
	FieldFallbacks map[string]uint64
	SourceCounts   map[string]uint64

	Uptime        string
	UptimeSeconds float64
}

// NewClient creates a new API client.
func NewClient(baseURL string) *Client {
	return &Client{baseURL: baseURL, httpClient: &http.Client{Timeout: 5 * time.Second}}
}

// get fetches baseURL+path and decodes the JSON body into out.
func (c *Client) get(path string, out any) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// GetHealth fetches health status.
func (c *Client) GetHealth() (*HealthResponse, error) {
	var health HealthResponse
	if err := c.get("/healthz", &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// GetRunStats fetches the pipeline statistics snapshot.
func (c *Client) GetRunStats() (*StatsResponse, error) {
	var stats StatsResponse
	if err := c.get("/v1/stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// GetStats assembles the combined snapshot for the scenes. Connection
// failures are reported through the returned Stats rather than an error so
// the TUI keeps rendering while the backend is down.
func (c *Client) GetStats() (*Stats, error) {
	stats := &Stats{HealthStatus: "unknown", StatusReason: "unable to connect to backend"}

	health, err := c.GetHealth()
	if err != nil {
		stats.StatusReason = err.Error()
		return stats, nil
	}
	stats.applyHealth(health)

	run, err := c.GetRunStats()
	if err != nil {
		// Health answered but stats did not; render what we have.
		return stats, nil
	}
	stats.applyRun(run)

	return stats, nil
}

func (s *Stats) applyHealth(health *HealthResponse) {
	s.HealthStatus = health.Status
	s.Healthy = health.Status == "healthy"
	s.QueueDepth = health.QueueDepth
	s.QueueCapacity = health.QueueCapacity
	s.QueueUsage = usagePercent(health.QueueDepth, health.QueueCapacity)
	switch {
	case health.Status == "degraded":
		s.StatusReason = fmt.Sprintf("queue at %.0f%% capacity", s.QueueUsage)
	case s.Healthy:
		s.StatusReason = "all systems operational"
	}
}

func (s *Stats) applyRun(run *StatsResponse) {
	s.TotalIn = run.Stats.TotalIn
	s.TotalOut = run.Stats.TotalOut
	s.TotalFailed = run.Stats.TotalFailed
	s.FieldFailures = run.Stats.FieldFailures
	s.FieldFallbacks = run.Stats.FieldFallbacks
	s.SourceCounts = run.Stats.SourceCounts

	s.QueueDepth = run.Queue.Depth
	s.QueueCapacity = run.Queue.Capacity
	s.QueuePushed = run.Queue.Pushed
	s.QueuePopped = run.Queue.Popped
	s.QueueDropped = run.Queue.Dropped
	s.QueueUsage = usagePercent(run.Queue.Depth, run.Queue.Capacity)

	s.Consumed = run.Pipeline.Consumed
	s.Quarantined = run.Pipeline.Quarantined
	s.Rejected = run.Pipeline.Rejected
	s.SinkErrors = run.Pipeline.SinkErrors

	s.UptimeSeconds = run.UptimeSeconds
	s.Uptime = formatUptime(run.UptimeSeconds)
	if run.UptimeSeconds > 0 {
		s.RecordsPerSecond = float64(run.Stats.TotalIn) / run.UptimeSeconds
	}
}

func usagePercent(depth, capacity int) float64 {
	if capacity <= 0 {
		return 0
	}
	return float64(depth) / float64(capacity) * 100
}

func formatUptime(seconds float64) string {
	total := int(seconds)
	h, rem := total/3600, total%3600
	m, s := rem/60, rem%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
