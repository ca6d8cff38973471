// Package mapping holds the source-to-canonical field translation tables.
// A catalog carries one table per source category plus a flat default table
// consulted when no category entry matches.
package mapping

import "sort"

// DefaultCategory is the reserved category name for the flat default table
// in mapping documents.
const DefaultCategory = "default"

// Entry is one source-field to canonical-field translation.
type Entry struct {
	Source    string `json:"source"`
	Canonical string `json:"canonical"`
}

// Table is the translation table for one source category. Entries iterate
// in a fixed order (sorted by source field) so resolution never depends on
// map iteration order.
type Table struct {
	entries  []Entry
	bySource map[string]string
}

// NewTable builds a table from source-field to canonical-field pairs.
func NewTable(pairs map[string]string) *Table {
	t := &Table{
		entries:  make([]Entry, 0, len(pairs)),
		bySource: make(map[string]string, len(pairs)),
	}
	for source, canonical := range pairs {
		t.entries = append(t.entries, Entry{Source: source, Canonical: canonical})
		t.bySource[source] = canonical
	}
	sort.Slice(t.entries, func(i, j int) bool {
		return t.entries[i].Source < t.entries[j].Source
	})
	return t
}

// Entries returns the table entries in iteration order. The slice is shared
// and must not be modified.
func (t *Table) Entries() []Entry {
	return t.entries
}

// Canonical looks up the canonical field for a source field.
func (t *Table) Canonical(source string) (string, bool) {
	c, ok := t.bySource[source]
	return c, ok
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return len(t.entries)
}

// Catalog holds all category tables plus the flat default table.
// Read-only after construction; safe for concurrent readers.
type Catalog struct {
	categories map[string]*Table
	defaults   *Table
}

// NewCatalog builds a catalog from per-category pair maps and the flat
// default pair map.
func NewCatalog(categories map[string]map[string]string, defaults map[string]string) *Catalog {
	c := &Catalog{
		categories: make(map[string]*Table, len(categories)),
		defaults:   NewTable(defaults),
	}
	for name, pairs := range categories {
		c.categories[name] = NewTable(pairs)
	}
	return c
}

// Category returns the table for a source category. A missing category is
// not an error; the resolver skips the source-specific pass.
func (c *Catalog) Category(name string) (*Table, bool) {
	t, ok := c.categories[name]
	return t, ok
}

// Default returns the flat default table.
func (c *Catalog) Default() *Table {
	return c.defaults
}

// Categories returns the known category names, sorted.
func (c *Catalog) Categories() []string {
	names := make([]string, 0, len(c.categories))
	for name := range c.categories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
