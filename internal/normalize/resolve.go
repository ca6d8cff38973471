package normalize

import (
	"strings"

	"refinery-siem/internal/mapping"
)

// Pass identifies which resolution pass produced a field.
type Pass string

const (
	PassSource  Pass = "source"
	PassDefault Pass = "default"
	PassExtra   Pass = "extra"
)

// Origin records which raw key fed a canonical field, and in which pass.
type Origin struct {
	RawKey string `json:"raw_key"`
	Pass   Pass   `json:"pass"`
}

// Resolution is the outcome of the mapping passes for one record. Fields
// holds raw values keyed by canonical name; coercion happens afterwards.
type Resolution struct {
	Fields     map[string]any
	Extra      map[string]any
	Provenance map[string]Origin

	used map[string]bool
}

// Used reports whether a raw key was consumed by the mapping passes.
func (r *Resolution) Used(key string) bool {
	return r.used[key]
}

// Resolve runs the three ordered passes over a raw record: source-specific
// mappings, then the flat default table, then verbatim passthrough of
// everything unconsumed into Extra. The first pass to write a canonical
// field wins; later passes never overwrite. A category absent from the
// catalog skips the source-specific pass, which is not an error. An
// explicit null resolves like any other value; whether it satisfies the
// field is the coercer's call.
func Resolve(raw RawRecord, category string, catalog *mapping.Catalog) *Resolution {
	res := &Resolution{
		Fields:     make(map[string]any),
		Extra:      make(map[string]any),
		Provenance: make(map[string]Origin),
		used:       make(map[string]bool, len(raw)),
	}

	if table, ok := catalog.Category(category); ok {
		res.applyTable(raw, table, PassSource)
	}
	res.applyTable(raw, catalog.Default(), PassDefault)

	for key, value := range raw {
		if !res.used[key] {
			res.Extra[key] = value
		}
	}

	return res
}

// applyTable runs one mapping pass. Entries iterate in the table's fixed
// order, so two source fields targeting the same canonical field resolve
// identically on every run.
func (r *Resolution) applyTable(raw RawRecord, table *mapping.Table, pass Pass) {
	for _, e := range table.Entries() {
		if _, taken := r.Fields[e.Canonical]; taken {
			continue
		}

		value, ok := raw[e.Source]
		if ok {
			r.used[e.Source] = true
		} else if strings.Contains(e.Source, ".") {
			// Dotted source fields walk nested maps. The top-level
			// container is not consumed; it survives to the passthrough
			// pass so nothing is lost.
			value, ok = nestedValue(raw, e.Source)
			if !ok {
				continue
			}
		} else {
			continue
		}

		r.Fields[e.Canonical] = value
		r.Provenance[e.Canonical] = Origin{RawKey: e.Source, Pass: pass}
	}
}

// nestedValue walks a dotted path through nested maps.
func nestedValue(raw RawRecord, path string) (any, bool) {
	var current any = map[string]any(raw)
	for _, key := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
