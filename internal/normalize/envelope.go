// Package normalize implements the normalization engine: ordered field
// resolution against the mapping catalog, per-field type coercion, and
// schema validation with batch statistics.
//
// The engine performs no I/O. Listeners hand it decoded records, sinks
// consume what it returns.
package normalize

import "time"

// RawRecord is an input record exactly as decoded from a source system.
// The engine treats it as read-only and never mutates it.
type RawRecord map[string]any

// Envelope carries a raw record from a listener to the workers, tagged
// with the source category the caller assigned. Source detection is the
// caller's problem, not the engine's.
type Envelope struct {
	Source     string    `json:"source"`
	Record     RawRecord `json:"record"`
	ReceivedAt time.Time `json:"received_at"`
	Remote     string    `json:"remote,omitempty"`
}
