package schema

import (
	"time"

	"github.com/google/uuid"
)

// Record is a normalized event: canonical fields plus the verbatim remains
// of its raw form. The shape is fixed; input that no mapping consumed
// survives under Extra instead of leaking into the canonical namespace.
type Record struct {
	ID     uuid.UUID      `json:"id"`
	Source string         `json:"source"`
	Fields map[string]any `json:"fields"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// NewRecord creates an empty normalized record for the given source category.
func NewRecord(source string) *Record {
	return &Record{
		ID:     uuid.New(),
		Source: source,
		Fields: make(map[string]any),
	}
}

// Set stores a canonical field value.
func (r *Record) Set(name string, value any) {
	r.Fields[name] = value
}

// Get returns a canonical field value.
func (r *Record) Get(name string) (any, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// Has reports whether the canonical field is populated.
func (r *Record) Has(name string) bool {
	_, ok := r.Fields[name]
	return ok
}

// Timestamp returns the canonical timestamp, if populated.
func (r *Record) Timestamp() (time.Time, bool) {
	t, ok := r.Fields[FieldTimestamp].(time.Time)
	return t, ok
}

// Severity returns the canonical severity, if populated.
func (r *Record) Severity() (Severity, bool) {
	s, ok := r.Fields[FieldSeverity].(string)
	return Severity(s), ok
}

// EventID returns the canonical event identifier, if populated.
func (r *Record) EventID() (string, bool) {
	return r.stringField(FieldEventID)
}

// EventType returns the canonical event type, if populated.
func (r *Record) EventType() (string, bool) {
	return r.stringField(FieldEventType)
}

// LogSource returns the canonical log source, if populated.
func (r *Record) LogSource() (string, bool) {
	return r.stringField(FieldLogSource)
}

func (r *Record) stringField(name string) (string, bool) {
	s, ok := r.Fields[name].(string)
	return s, ok
}
