package schema

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// fieldNamePattern defines the valid format for canonical field names.
// Names must be lowercase, start with a letter, and use underscores as
// separators. Examples: "event_id", "source_ip", "timestamp"
var fieldNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Document is the on-disk YAML form of the canonical field catalog.
type Document struct {
	Version string      `yaml:"version" validate:"required"`
	Fields  []FieldSpec `yaml:"fields" validate:"required,min=1,dive"`
}

// FieldSpec is one field entry in a schema document.
type FieldSpec struct {
	Name          string   `yaml:"name" validate:"required,field_name"`
	Type          string   `yaml:"type" validate:"required,oneof=string integer float boolean timestamp ip port enum"`
	Required      bool     `yaml:"required"`
	AllowedValues []string `yaml:"allowed_values"`
	Min           *float64 `yaml:"min"`
	Max           *float64 `yaml:"max"`
	Fallback      string   `yaml:"fallback"`
}

func newDocumentValidator() *validator.Validate {
	v := validator.New()

	// Register custom validation for canonical field names
	v.RegisterValidation("field_name", func(fl validator.FieldLevel) bool {
		return fieldNamePattern.MatchString(fl.Field().String())
	})

	return v
}

// LoadDocument reads, validates, and indexes a schema document.
// Errors here are fatal to startup, never to per-record processing.
func LoadDocument(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: read %s: %w", path, err)
	}
	return ParseDocument(data)
}

// ParseDocument parses and validates a schema document and builds the
// in-memory catalog from it.
func ParseDocument(data []byte) (*Schema, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("schema: parse document: %w", err)
	}

	if err := newDocumentValidator().Struct(&doc); err != nil {
		return nil, fmt.Errorf("schema: invalid document: %w", err)
	}

	seen := make(map[string]FieldSpec, len(doc.Fields))
	fields := make([]Field, 0, len(doc.Fields))
	for _, spec := range doc.Fields {
		if _, dup := seen[spec.Name]; dup {
			return nil, fmt.Errorf("schema: duplicate field %q", spec.Name)
		}
		seen[spec.Name] = spec

		f, err := spec.toField()
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}

	if err := checkCanonicalFields(seen); err != nil {
		return nil, err
	}

	return NewSchema(fields), nil
}

// toField converts a document entry into a catalog field, enforcing the
// constraints the engine relies on at runtime.
func (spec FieldSpec) toField() (Field, error) {
	ft := FieldType(spec.Type)

	if ft == TypeEnum {
		if len(spec.AllowedValues) == 0 {
			return Field{}, fmt.Errorf("schema: enum field %q has no allowed_values", spec.Name)
		}
		if spec.Fallback == "" {
			return Field{}, fmt.Errorf("schema: enum field %q has no fallback", spec.Name)
		}
	} else {
		if len(spec.AllowedValues) > 0 {
			return Field{}, fmt.Errorf("schema: field %q: allowed_values requires type enum", spec.Name)
		}
		if spec.Fallback != "" {
			return Field{}, fmt.Errorf("schema: field %q: fallback requires type enum", spec.Name)
		}
	}

	if spec.Min != nil || spec.Max != nil {
		switch ft {
		case TypeInteger, TypeFloat, TypePort:
		default:
			return Field{}, fmt.Errorf("schema: field %q: min/max requires a numeric type", spec.Name)
		}
		if spec.Min != nil && spec.Max != nil && *spec.Min > *spec.Max {
			return Field{}, fmt.Errorf("schema: field %q: min %v exceeds max %v", spec.Name, *spec.Min, *spec.Max)
		}
	}

	// Enum matching is lower-case; store the value set and fallback lowered.
	allowed := make([]string, len(spec.AllowedValues))
	for i, v := range spec.AllowedValues {
		allowed[i] = strings.ToLower(strings.TrimSpace(v))
	}
	fallback := strings.ToLower(strings.TrimSpace(spec.Fallback))

	if ft == TypeEnum && fallback != "" {
		found := false
		for _, v := range allowed {
			if v == fallback {
				found = true
				break
			}
		}
		if !found {
			return Field{}, fmt.Errorf("schema: field %q: fallback %q not in allowed_values", spec.Name, spec.Fallback)
		}
	}

	f := Field{
		Name:     spec.Name,
		Required: spec.Required,
		Type:     ft,
		Min:      spec.Min,
		Max:      spec.Max,
		Fallback: fallback,
	}
	if ft == TypeEnum {
		f.AllowedValues = allowed
	}
	return f, nil
}

// checkCanonicalFields enforces that a document declares the five canonical
// required fields, and that severity is an enum over canonical levels.
func checkCanonicalFields(seen map[string]FieldSpec) error {
	for _, name := range RequiredFieldNames() {
		spec, ok := seen[name]
		if !ok {
			return fmt.Errorf("schema: document missing canonical field %q", name)
		}
		if !spec.Required {
			return fmt.Errorf("schema: canonical field %q must be required", name)
		}
	}

	sev := seen[FieldSeverity]
	if FieldType(sev.Type) != TypeEnum {
		return fmt.Errorf("schema: field %q must have type enum", FieldSeverity)
	}
	for _, v := range sev.AllowedValues {
		if !Severity(strings.ToLower(strings.TrimSpace(v))).IsValid() {
			return fmt.Errorf("schema: field %q: %q is not a canonical severity level", FieldSeverity, v)
		}
	}

	return nil
}

// ValidateFieldName checks if a name matches the canonical field format.
func ValidateFieldName(name string) bool {
	return fieldNamePattern.MatchString(name)
}
