// Package livestats publishes per-source normalization counters to Redis.
//
// Designed for multiple daemon instances writing concurrently. External
// dashboards read throughput without touching the daemon itself.
//
// Redis Key Structure:
//
//	refinery:stats:{source}             - Hash with running totals
//	refinery:hourly:{source}:{YYYYMMDDHH} - Accepted count for specific hour (expires 48h)
//	refinery:daily:{source}:{YYYYMMDD}  - Accepted count for specific day (expires 7d)
//	refinery:sources                    - Set of source categories seen (expires 7d, refreshed)
//	refinery:instances                  - Hash of daemon instance -> last seen timestamp
package livestats

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	hourlyExpiry   = 48 * time.Hour
	dailyExpiry    = 7 * 24 * time.Hour
	instanceExpiry = 24 * time.Hour
)

// Update is one flush worth of counter deltas for a source.
type Update struct {
	In        int64
	Out       int64
	Failed    int64
	Fallbacks int64
}

// merge adds another update into this one.
func (u *Update) merge(other Update) {
	u.In += other.In
	u.Out += other.Out
	u.Failed += other.Failed
	u.Fallbacks += other.Fallbacks
}

// empty reports whether the update carries no deltas.
func (u Update) empty() bool {
	return u.In == 0 && u.Out == 0 && u.Failed == 0 && u.Fallbacks == 0
}

// SourceStats is the read-side view of one source's counters.
type SourceStats struct {
	Source         string            `json:"source"`
	LastEventAt    *time.Time        `json:"last_event_at,omitempty"`
	TotalIn        int64             `json:"total_in"`
	TotalOut       int64             `json:"total_out"`
	TotalFailed    int64             `json:"total_failed"`
	TotalFallbacks int64             `json:"total_fallbacks"`
	EventsLastHour int64             `json:"events_last_hour"`
	EventsLast24h  int64             `json:"events_last_24h"`
	Instances      map[string]string `json:"instances,omitempty"` // instance_id -> last_seen
	RetrievedAt    time.Time         `json:"retrieved_at"`
}

// Client writes and reads the Redis counter keys.
type Client struct {
	redis      *redis.Client
	instanceID string
}

// NewClient creates a stats client from a Redis URL.
// instanceID should be unique per daemon instance (hostname, pod name, UUID).
func NewClient(redisURL, instanceID string) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("livestats: invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("livestats: redis connection failed: %w", err)
	}

	return &Client{
		redis:      client,
		instanceID: instanceID,
	}, nil
}

// NewClientFromRedis creates a client from an existing Redis connection.
func NewClientFromRedis(client *redis.Client, instanceID string) *Client {
	return &Client{
		redis:      client,
		instanceID: instanceID,
	}
}

func statsKey(source string) string {
	return "refinery:stats:" + source
}

func hourlyKey(source string, t time.Time) string {
	return fmt.Sprintf("refinery:hourly:%s:%s", source, t.Format("2006010215"))
}

func dailyKey(source string, t time.Time) string {
	return fmt.Sprintf("refinery:daily:%s:%s", source, t.Format("20060102"))
}

// Flush writes one source's accumulated deltas in a single pipeline.
func (c *Client) Flush(ctx context.Context, source string, u Update) error {
	if u.empty() {
		return nil
	}

	now := time.Now()
	nowUnix := strconv.FormatInt(now.Unix(), 10)

	pipe := c.redis.Pipeline()

	key := statsKey(source)
	pipe.HSet(ctx, key, "last_event_at", nowUnix)
	if u.In > 0 {
		pipe.HIncrBy(ctx, key, "total_in", u.In)
	}
	if u.Out > 0 {
		pipe.HIncrBy(ctx, key, "total_out", u.Out)
	}
	if u.Failed > 0 {
		pipe.HIncrBy(ctx, key, "total_failed", u.Failed)
	}
	if u.Fallbacks > 0 {
		pipe.HIncrBy(ctx, key, "total_fallbacks", u.Fallbacks)
	}

	// Rolling windows count accepted records only.
	if u.Out > 0 {
		hKey := hourlyKey(source, now)
		pipe.IncrBy(ctx, hKey, u.Out)
		pipe.Expire(ctx, hKey, hourlyExpiry)

		dKey := dailyKey(source, now)
		pipe.IncrBy(ctx, dKey, u.Out)
		pipe.Expire(ctx, dKey, dailyExpiry)
	}

	pipe.SAdd(ctx, "refinery:sources", source)
	pipe.Expire(ctx, "refinery:sources", dailyExpiry)

	pipe.HSet(ctx, "refinery:instances", c.instanceID, nowUnix)
	pipe.Expire(ctx, "refinery:instances", instanceExpiry)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("livestats: flush counters: %w", err)
	}

	return nil
}

// GetStats retrieves current counters for a source.
func (c *Client) GetStats(ctx context.Context, source string) (*SourceStats, error) {
	now := time.Now()

	pipe := c.redis.Pipeline()

	statsCmd := pipe.HGetAll(ctx, statsKey(source))
	currentHourCmd := pipe.Get(ctx, hourlyKey(source, now))

	// Last 24 hourly keys for the rolling window.
	hourlyCmds := make([]*redis.StringCmd, 24)
	for i := 0; i < 24; i++ {
		hourlyCmds[i] = pipe.Get(ctx, hourlyKey(source, now.Add(-time.Duration(i)*time.Hour)))
	}

	instancesCmd := pipe.HGetAll(ctx, "refinery:instances")

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("livestats: get stats for %s: %w", source, err)
	}

	stats := &SourceStats{
		Source:      source,
		RetrievedAt: now,
		Instances:   make(map[string]string),
	}

	if statsMap, err := statsCmd.Result(); err == nil {
		if lastStr, ok := statsMap["last_event_at"]; ok {
			if unix, err := strconv.ParseInt(lastStr, 10, 64); err == nil {
				t := time.Unix(unix, 0)
				stats.LastEventAt = &t
			}
		}
		stats.TotalIn, _ = strconv.ParseInt(statsMap["total_in"], 10, 64)
		stats.TotalOut, _ = strconv.ParseInt(statsMap["total_out"], 10, 64)
		stats.TotalFailed, _ = strconv.ParseInt(statsMap["total_failed"], 10, 64)
		stats.TotalFallbacks, _ = strconv.ParseInt(statsMap["total_fallbacks"], 10, 64)
	}

	if val, err := currentHourCmd.Int64(); err == nil {
		stats.EventsLastHour = val
	}

	for _, cmd := range hourlyCmds {
		if val, err := cmd.Int64(); err == nil {
			stats.EventsLast24h += val
		}
	}

	if instances, err := instancesCmd.Result(); err == nil {
		for instance, lastSeen := range instances {
			if unix, err := strconv.ParseInt(lastSeen, 10, 64); err == nil {
				stats.Instances[instance] = time.Unix(unix, 0).Format(time.RFC3339)
			}
		}
	}

	return stats, nil
}

// ListSources returns the source categories seen recently.
func (c *Client) ListSources(ctx context.Context) ([]string, error) {
	sources, err := c.redis.SMembers(ctx, "refinery:sources").Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("livestats: list sources: %w", err)
	}
	return sources, nil
}

// Ping verifies the Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.redis.Close()
}
