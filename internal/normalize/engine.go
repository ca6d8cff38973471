package normalize

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"refinery-siem/internal/mapping"
	"refinery-siem/internal/schema"
)

// ErrNotMapping reports input that is not a field mapping at all. The
// record is rejected and counted; the batch keeps going.
var ErrNotMapping = errors.New("normalize: raw record is not a mapping")

// Options configure engine behavior beyond the schema and mapping catalog.
// The zero value matches the strict contract: no defaulting, no annotation.
type Options struct {
	// SeveritySynonyms maps tokens to canonical enum values during enum
	// coercion. Nil selects DefaultSeverityTable.
	SeveritySynonyms map[string]string

	// DefaultTimestampToNow populates a missing required timestamp from the
	// clock instead of flagging missing_required.
	DefaultTimestampToNow bool

	// DefaultLogSourceFromCategory populates a missing log_source with the
	// record's source category.
	DefaultLogSourceFromCategory bool

	// AnnotateIngestTime stamps each record with an ingestion_time field.
	AnnotateIngestTime bool

	// Clock supplies the time for defaulting and annotation. Nil means
	// time.Now.
	Clock func() time.Time
}

// Violation describes one per-field problem on a record.
type Violation struct {
	Field  string `json:"field"`
	Reason Reason `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

func (v Violation) String() string {
	if v.Detail == "" {
		return fmt.Sprintf("%s: %s", v.Field, v.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", v.Field, v.Reason, v.Detail)
}

// Result pairs a normalized record with its validity and violations.
// Invalid records are returned, never dropped; the caller routes them.
type Result struct {
	Record     *schema.Record
	Valid      bool
	Violations []Violation
	Provenance map[string]Origin
}

// Engine normalizes raw records against a schema and a mapping catalog.
// All engine state is read-only after construction, so one engine serves
// any number of workers concurrently.
type Engine struct {
	schema   *schema.Schema
	catalog  *mapping.Catalog
	opts     Options
	synonyms map[string]string
	clock    func() time.Time
}

// NewEngine builds an engine. Configuration problems are fatal here, at
// construction, never during per-record processing.
func NewEngine(s *schema.Schema, catalog *mapping.Catalog, opts Options) (*Engine, error) {
	if s == nil {
		return nil, errors.New("normalize: nil schema")
	}
	if catalog == nil {
		return nil, errors.New("normalize: nil mapping catalog")
	}

	synonyms := opts.SeveritySynonyms
	if synonyms == nil {
		synonyms = DefaultSeverityTable()
	}
	for token, target := range synonyms {
		if strings.TrimSpace(token) == "" || strings.TrimSpace(target) == "" {
			return nil, fmt.Errorf("normalize: empty severity synonym entry %q -> %q", token, target)
		}
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Engine{
		schema:   s,
		catalog:  catalog,
		opts:     opts,
		synonyms: synonyms,
		clock:    clock,
	}, nil
}

// Normalize resolves, coerces, and validates one raw record, updating the
// given statistics. The returned error is non-nil only for structurally
// invalid input; per-field problems land in the violations list and the
// record is still returned.
func (e *Engine) Normalize(raw RawRecord, category string, stats *RunStats) (Result, error) {
	if stats == nil {
		stats = NewRunStats()
	}
	if category == "" {
		category = mapping.DefaultCategory
	}

	stats.TotalIn++
	stats.SourceCounts[category]++

	if raw == nil {
		stats.TotalFailed++
		return Result{}, ErrNotMapping
	}

	res := Resolve(raw, category, e.catalog)

	record := schema.NewRecord(category)
	record.Extra = res.Extra

	var violations []Violation
	for _, name := range sortedKeys(res.Fields) {
		field, _ := e.schema.Field(name)
		out := Coerce(field, res.Fields[name], e.synonyms)

		if out.Reason == ReasonFallbackUsed {
			stats.FieldFallbacks[name]++
			violations = append(violations, Violation{Field: name, Reason: ReasonFallbackUsed, Detail: out.Detail})
		}
		if !out.Succeeded {
			stats.FieldFailures[name]++
			violations = append(violations, Violation{Field: name, Reason: out.Reason, Detail: out.Detail})
			continue
		}
		record.Set(name, out.Value)
	}

	violations = e.applyDefaults(record, category, stats, violations)

	invalid := false
	for _, name := range e.schema.Required() {
		if record.Has(name) {
			continue
		}
		invalid = true
		if !hasFailureFor(violations, name) {
			stats.FieldFailures[name]++
			violations = append(violations, Violation{Field: name, Reason: ReasonMissingRequired, Detail: "absent after all resolution passes"})
		}
	}

	if e.opts.AnnotateIngestTime {
		record.Set(schema.FieldIngestionTime, e.clock().UTC())
	}

	if invalid {
		stats.TotalFailed++
	} else {
		stats.TotalOut++
	}

	return Result{
		Record:     record,
		Valid:      !invalid,
		Violations: violations,
		Provenance: res.Provenance,
	}, nil
}

// NormalizeBatch processes records in input order, returning one result per
// record plus the batch statistics. Structural rejects yield a Result with
// a nil Record.
func (e *Engine) NormalizeBatch(records []RawRecord, category string) ([]Result, *RunStats) {
	stats := NewRunStats()
	results := make([]Result, 0, len(records))
	for _, raw := range records {
		result, err := e.Normalize(raw, category, stats)
		if err != nil {
			results = append(results, Result{Valid: false})
			continue
		}
		results = append(results, result)
	}
	return results, stats
}

// applyDefaults fills configured defaults for required fields before the
// missing-required check, recording each substitution as fallback_used.
func (e *Engine) applyDefaults(record *schema.Record, category string, stats *RunStats, violations []Violation) []Violation {
	if e.opts.DefaultTimestampToNow && !record.Has(schema.FieldTimestamp) {
		record.Set(schema.FieldTimestamp, e.clock().UTC())
		stats.FieldFallbacks[schema.FieldTimestamp]++
		violations = append(violations, Violation{
			Field:  schema.FieldTimestamp,
			Reason: ReasonFallbackUsed,
			Detail: "defaulted to ingest clock",
		})
	}

	if e.opts.DefaultLogSourceFromCategory && !record.Has(schema.FieldLogSource) {
		record.Set(schema.FieldLogSource, category)
		stats.FieldFallbacks[schema.FieldLogSource]++
		violations = append(violations, Violation{
			Field:  schema.FieldLogSource,
			Reason: ReasonFallbackUsed,
			Detail: "defaulted to source category",
		})
	}

	return violations
}

// hasFailureFor reports whether violations already explain a failure for
// the field. Fallback notes do not count; the field has a value.
func hasFailureFor(violations []Violation, field string) bool {
	for _, v := range violations {
		if v.Field == field && v.Reason != ReasonFallbackUsed {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
