// Package schema defines the canonical field catalog for Refinery-SIEM.
// All ingested events are normalized into this field set before storage.
package schema

import "sort"

// Canonical field names the engine always attempts to populate.
const (
	FieldTimestamp = "timestamp"
	FieldLogSource = "log_source"
	FieldEventID   = "event_id"
	FieldEventType = "event_type"
	FieldSeverity  = "severity"

	// FieldIngestionTime is set by the engine when ingest-time annotation
	// is enabled; it is never required.
	FieldIngestionTime = "ingestion_time"
)

// RequiredFieldNames returns the five canonical fields every record must
// attempt to populate.
func RequiredFieldNames() []string {
	return []string{FieldTimestamp, FieldLogSource, FieldEventID, FieldEventType, FieldSeverity}
}

// FieldType enumerates the declared types a canonical field may carry.
type FieldType string

const (
	TypeString    FieldType = "string"
	TypeInteger   FieldType = "integer"
	TypeFloat     FieldType = "float"
	TypeBoolean   FieldType = "boolean"
	TypeTimestamp FieldType = "timestamp"
	TypeIP        FieldType = "ip"
	TypePort      FieldType = "port"
	TypeEnum      FieldType = "enum"
)

// IsValid checks if the field type is a known declared type.
func (t FieldType) IsValid() bool {
	switch t {
	case TypeString, TypeInteger, TypeFloat, TypeBoolean, TypeTimestamp, TypeIP, TypePort, TypeEnum:
		return true
	}
	return false
}

// Field describes one canonical field: its declared type, whether records
// must carry it, and any enum or numeric range constraints.
type Field struct {
	Name          string    `json:"name"`
	Required      bool      `json:"required"`
	Type          FieldType `json:"type"`
	AllowedValues []string  `json:"allowed_values,omitempty"` // enum only
	Min           *float64  `json:"min,omitempty"`            // integer, float, port
	Max           *float64  `json:"max,omitempty"`
	Fallback      string    `json:"fallback,omitempty"` // enum only: substituted for unknown tokens
}

// Allows reports whether value is an allowed enum value. Comparison is
// exact; callers lower-case tokens before asking.
func (f Field) Allows(value string) bool {
	for _, v := range f.AllowedValues {
		if v == value {
			return true
		}
	}
	return false
}

// Schema is the canonical field catalog, keyed by field name.
// Built once at startup and read-only afterwards; safe for concurrent readers.
type Schema struct {
	fields   map[string]Field
	required []string
}

// NewSchema builds a schema from a field list. Field lists come from
// ParseDocument or the built-in default, both of which are validated, so
// construction itself cannot fail.
func NewSchema(fields []Field) *Schema {
	s := &Schema{fields: make(map[string]Field, len(fields))}
	for _, f := range fields {
		s.fields[f.Name] = f
		if f.Required {
			s.required = append(s.required, f.Name)
		}
	}
	return s
}

// Field looks up a canonical field by name.
func (s *Schema) Field(name string) (Field, bool) {
	f, ok := s.fields[name]
	return f, ok
}

// Required returns the names of all required fields.
func (s *Schema) Required() []string {
	out := make([]string, len(s.required))
	copy(out, s.required)
	return out
}

// Fields returns all declared fields, sorted by name.
func (s *Schema) Fields() []Field {
	out := make([]Field, 0, len(s.fields))
	for _, f := range s.fields {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of declared fields.
func (s *Schema) Len() int {
	return len(s.fields)
}

// DefaultSchema returns the built-in canonical field catalog. Deployments
// override it with a schema document; the built-in covers the required five
// plus the common security-event fields.
func DefaultSchema() *Schema {
	return NewSchema(defaultFields())
}

func defaultFields() []Field {
	return []Field{
		{Name: FieldTimestamp, Required: true, Type: TypeTimestamp},
		{Name: FieldLogSource, Required: true, Type: TypeString},
		{Name: FieldEventID, Required: true, Type: TypeString},
		{Name: FieldEventType, Required: true, Type: TypeString},
		{Name: FieldSeverity, Required: true, Type: TypeEnum, AllowedValues: SeverityValues(), Fallback: string(SeverityInfo)},

		{Name: FieldIngestionTime, Type: TypeTimestamp},
		{Name: "user", Type: TypeString},
		{Name: "host", Type: TypeString},
		{Name: "domain", Type: TypeString},
		{Name: "message", Type: TypeString},
		{Name: "action", Type: TypeString},
		{Name: "category", Type: TypeString},
		{Name: "source_ip", Type: TypeIP},
		{Name: "dest_ip", Type: TypeIP},
		{Name: "source_port", Type: TypePort},
		{Name: "dest_port", Type: TypePort},
		{Name: "protocol", Type: TypeString},
		{Name: "url", Type: TypeString},
		{Name: "http_status", Type: TypeInteger, Min: fptr(100), Max: fptr(599)},
		{Name: "bytes_sent", Type: TypeInteger, Min: fptr(0)},
		{Name: "bytes_received", Type: TypeInteger, Min: fptr(0)},
		{Name: "packets_sent", Type: TypeInteger, Min: fptr(0)},
		{Name: "packets_received", Type: TypeInteger, Min: fptr(0)},
		{Name: "duration", Type: TypeFloat, Min: fptr(0)},
		{Name: "process_name", Type: TypeString},
		{Name: "process_id", Type: TypeInteger, Min: fptr(0)},
		{Name: "parent_process_id", Type: TypeInteger, Min: fptr(0)},
		{Name: "logon_type", Type: TypeInteger, Min: fptr(0), Max: fptr(13)},
		{Name: "service_account", Type: TypeBoolean},
		{Name: "file_path", Type: TypeString},
		{Name: "file_size", Type: TypeInteger, Min: fptr(0)},
		{Name: "file_created", Type: TypeTimestamp},
		{Name: "file_modified", Type: TypeTimestamp},
		{Name: "rule_name", Type: TypeString},
		{Name: "vlan_id", Type: TypeInteger, Min: fptr(0), Max: fptr(4095)},
		{Name: "risk_score", Type: TypeFloat, Min: fptr(0), Max: fptr(100)},
	}
}

func fptr(v float64) *float64 {
	return &v
}
