package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"refinery-siem/internal/normalize"
)

// QuarantineWriter stores records that failed validation in the
// quarantine_records table, keeping the raw form so a corrected mapping
// document can reprocess them later.
type QuarantineWriter struct {
	client *ClickHouseClient
}

// NewQuarantineWriter creates a QuarantineWriter.
func NewQuarantineWriter(client *ClickHouseClient) *QuarantineWriter {
	return &QuarantineWriter{client: client}
}

// Store quarantines one failed record. Structural rejects arrive with a
// nil normalized record and an empty violation list.
func (qw *QuarantineWriter) Store(ctx context.Context, env *normalize.Envelope, res normalize.Result) error {
	raw, err := json.Marshal(env.Record)
	if err != nil {
		raw = []byte("{}")
	}

	violations := make([]string, 0, len(res.Violations))
	for _, v := range res.Violations {
		violations = append(violations, v.String())
	}
	if res.Record == nil {
		violations = append(violations, "record: rejected: not a field mapping")
	}

	quarantinedAt := env.ReceivedAt
	if quarantinedAt.IsZero() {
		quarantinedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO quarantine_records (
			quarantine_id, quarantined_at, source, remote,
			raw_record, violations
		) VALUES (?, ?, ?, ?, ?, ?)
	`

	return qw.client.Exec(ctx, query,
		uuid.New(),
		quarantinedAt,
		env.Source,
		env.Remote,
		string(raw),
		violations,
	)
}

// QuarantinedRecord is a quarantine entry read back for reprocessing.
type QuarantinedRecord struct {
	QuarantineID  uuid.UUID
	QuarantinedAt time.Time
	Source        string
	Remote        string
	RawRecord     string
	Violations    []string

	// Reprocessing bookkeeping.
	ReprocessAttempts uint8
	Reprocessed       bool
}

// Envelope rebuilds the ingest envelope from the stored raw form, for
// pushing back through the pipeline.
func (qr *QuarantinedRecord) Envelope() (*normalize.Envelope, error) {
	var record normalize.RawRecord
	if err := json.Unmarshal([]byte(qr.RawRecord), &record); err != nil {
		return nil, fmt.Errorf("quarantined record %s: %w", qr.QuarantineID, err)
	}
	return &normalize.Envelope{
		Source:     qr.Source,
		Record:     record,
		ReceivedAt: time.Now().UTC(),
		Remote:     qr.Remote,
	}, nil
}

// GetPending returns quarantined records that have not been reprocessed
// and still have attempts left, oldest first.
func (qw *QuarantineWriter) GetPending(ctx context.Context, limit int) ([]QuarantinedRecord, error) {
	query := `
		SELECT quarantine_id, quarantined_at, source, remote,
		       raw_record, violations, reprocess_attempts, reprocessed
		FROM quarantine_records
		WHERE reprocessed = false
		  AND reprocess_attempts < 3
		ORDER BY quarantined_at
		LIMIT ?
	`

	rows, err := qw.client.Query(ctx, query, limit)
	if err != nil {
		return nil, WrapQueryError("GetPending", "quarantine_records", err)
	}
	defer rows.Close()

	var records []QuarantinedRecord
	for rows.Next() {
		var qr QuarantinedRecord
		if err := rows.Scan(
			&qr.QuarantineID,
			&qr.QuarantinedAt,
			&qr.Source,
			&qr.Remote,
			&qr.RawRecord,
			&qr.Violations,
			&qr.ReprocessAttempts,
			&qr.Reprocessed,
		); err != nil {
			return nil, WrapQueryError("Scan", "quarantine_records", err)
		}
		records = append(records, qr)
	}

	return records, nil
}

// MarkReprocessed marks an entry as reprocessed, linking the record it
// became.
func (qw *QuarantineWriter) MarkReprocessed(ctx context.Context, quarantineID, recordID uuid.UUID) error {
	query := `
		ALTER TABLE quarantine_records
		UPDATE reprocessed = true, reprocessed_record_id = ?, reprocessed_at = now64(6)
		WHERE quarantine_id = ?
	`
	return qw.client.Exec(ctx, query, recordID, quarantineID)
}

// IncrementAttempt bumps the attempt counter after a failed reprocess.
func (qw *QuarantineWriter) IncrementAttempt(ctx context.Context, quarantineID uuid.UUID) error {
	query := "ALTER TABLE quarantine_records " +
		"UPDATE reprocess_attempts = reprocess_attempts + 1 WHERE quarantine_id = ?"
	return qw.client.Exec(ctx, query, quarantineID)
}

// Count returns the number of records awaiting reprocessing.
func (qw *QuarantineWriter) Count(ctx context.Context) (uint64, error) {
	var count uint64
	row := qw.client.QueryRow(ctx, "SELECT count() FROM quarantine_records WHERE reprocessed = false")
	if err := row.Scan(&count); err != nil {
		return 0, WrapQueryError("Count", "quarantine_records", err)
	}
	return count, nil
}
