package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// RetentionConfig holds TTL settings for the storage tables.
type RetentionConfig struct {
	EventsTTL     time.Duration `yaml:"events_ttl"`
	QuarantineTTL time.Duration `yaml:"quarantine_ttl"`
}

// DefaultRetentionConfig keeps events for 90 days and quarantined records
// for 30.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		EventsTTL:     90 * 24 * time.Hour,
		QuarantineTTL: 30 * 24 * time.Hour,
	}
}

// ttlPolicy is one table's retention rule. ClickHouse TTLs are expressed
// against a time column, so each policy names the column the table is
// partitioned and aged by.
type ttlPolicy struct {
	table      string
	timeColumn string
	keep       time.Duration
}

// days rounds the retention window down to whole days, with a one-day floor
// so a sub-day window never produces a TTL that deletes everything.
func (p ttlPolicy) days() int {
	return max(1, int(p.keep/(24*time.Hour)))
}

func (p ttlPolicy) statement() string {
	return fmt.Sprintf("ALTER TABLE %s MODIFY TTL %s + toIntervalDay(%d) DELETE",
		p.table, p.timeColumn, p.days())
}

// RetentionManager applies TTL policies to the storage tables.
type RetentionManager struct {
	client *ClickHouseClient
	config RetentionConfig
}

// NewRetentionManager creates a retention manager.
func NewRetentionManager(client *ClickHouseClient, config RetentionConfig) *RetentionManager {
	return &RetentionManager{
		client: client,
		config: config,
	}
}

func (r *RetentionManager) policies() []ttlPolicy {
	return []ttlPolicy{
		{table: "normalized_events", timeColumn: "event_time", keep: r.config.EventsTTL},
		{table: "quarantine_records", timeColumn: "quarantined_at", keep: r.config.QuarantineTTL},
	}
}

// ApplyTTLs sets each table's TTL to its configured retention window. A
// zero or negative window leaves the table's TTL untouched. Failures are
// collected and returned together; the caller treats them as non-fatal
// since the tables keep working without a TTL, just without expiry.
func (r *RetentionManager) ApplyTTLs(ctx context.Context) error {
	var errs []error
	for _, p := range r.policies() {
		if p.keep <= 0 {
			continue
		}
		if err := r.client.Exec(ctx, p.statement()); err != nil {
			errs = append(errs, fmt.Errorf("apply TTL on %s: %w", p.table, err))
			continue
		}
		slog.Info("retention policy applied", "table", p.table, "keep_days", p.days())
	}
	return errors.Join(errs...)
}
