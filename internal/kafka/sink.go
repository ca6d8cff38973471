package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"refinery-siem/internal/normalize"
	"refinery-siem/internal/schema"
)

// publishedRecord is the JSON shape written to the topic for each
// normalized record.
type publishedRecord struct {
	ID        string         `json:"id"`
	Source    string         `json:"source"`
	EventTime time.Time      `json:"event_time"`
	Fields    map[string]any `json:"fields"`
	Extra     map[string]any `json:"extra,omitempty"`
	Fallbacks []string       `json:"fallbacks,omitempty"`
}

// RecordSink publishes normalized records to the configured topic, keyed
// by source category so one source's records share a partition.
type RecordSink struct {
	producer *Producer
}

// NewRecordSink wraps a producer as a record sink.
func NewRecordSink(producer *Producer) *RecordSink {
	return &RecordSink{producer: producer}
}

// Write publishes one normalized record.
func (s *RecordSink) Write(ctx context.Context, res normalize.Result) error {
	key, value, err := encodeRecord(res)
	if err != nil {
		return err
	}
	return s.producer.Publish(ctx, key, value)
}

// encodeRecord renders the message key (source category) and JSON value
// for one normalized record.
func encodeRecord(res normalize.Result) (key, value []byte, err error) {
	rec := res.Record

	eventTime, ok := rec.Timestamp()
	if !ok {
		eventTime = time.Now().UTC()
	}

	fallbacks := make([]string, 0, len(res.Violations))
	for _, v := range res.Violations {
		fallbacks = append(fallbacks, v.String())
	}

	fields := make(map[string]any, len(rec.Fields))
	for name, val := range rec.Fields {
		if name == schema.FieldIngestionTime {
			continue
		}
		fields[name] = val
	}

	value, err = json.Marshal(publishedRecord{
		ID:        rec.ID.String(),
		Source:    rec.Source,
		EventTime: eventTime,
		Fields:    fields,
		Extra:     rec.Extra,
		Fallbacks: fallbacks,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("kafka: encode record %s: %w", rec.ID, err)
	}

	return []byte(rec.Source), value, nil
}

// Close closes the underlying producer.
func (s *RecordSink) Close() error {
	return s.producer.Close()
}
