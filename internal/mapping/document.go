package mapping

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"refinery-siem/internal/schema"
)

// Document is the on-disk YAML form of a mapping catalog. The reserved
// category name "default" holds the flat default table.
type Document struct {
	Version string                       `yaml:"version" validate:"required"`
	Sources map[string]map[string]string `yaml:"sources" validate:"required,min=1"`
}

// LoadDocument reads, validates, and indexes a mapping document.
// Errors here are fatal to startup, never to per-record processing.
func LoadDocument(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mapping: read %s: %w", path, err)
	}
	return ParseDocument(data)
}

// ParseDocument parses and validates a mapping document and builds the
// catalog from it. A configured document replaces the built-in catalog
// entirely rather than merging with it.
func ParseDocument(data []byte) (*Catalog, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("mapping: parse document: %w", err)
	}

	if err := validator.New().Struct(&doc); err != nil {
		return nil, fmt.Errorf("mapping: invalid document: %w", err)
	}

	categories := make(map[string]map[string]string, len(doc.Sources))
	var defaults map[string]string

	for category, pairs := range doc.Sources {
		if len(pairs) == 0 {
			return nil, fmt.Errorf("mapping: category %q has no entries", category)
		}
		for source, canonical := range pairs {
			if source == "" {
				return nil, fmt.Errorf("mapping: category %q has an empty source field", category)
			}
			if !schema.ValidateFieldName(canonical) {
				return nil, fmt.Errorf("mapping: category %q: %q is not a canonical field name", category, canonical)
			}
		}
		if category == DefaultCategory {
			defaults = pairs
			continue
		}
		categories[category] = pairs
	}

	return NewCatalog(categories, defaults), nil
}
