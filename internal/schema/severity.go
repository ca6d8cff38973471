package schema

// Severity is the canonical severity level of a normalized event.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
	SeverityDebug    Severity = "debug"
)

// IsValid checks if the severity is one of the canonical levels.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo, SeverityDebug:
		return true
	}
	return false
}

// SeverityLevels returns the canonical severity levels, most urgent first.
func SeverityLevels() []Severity {
	return []Severity{
		SeverityCritical,
		SeverityHigh,
		SeverityMedium,
		SeverityLow,
		SeverityInfo,
		SeverityDebug,
	}
}

// SeverityValues returns the canonical levels as plain strings, in the same
// order as SeverityLevels. Used for enum allowed-value lists.
func SeverityValues() []string {
	levels := SeverityLevels()
	values := make([]string, len(levels))
	for i, l := range levels {
		values[i] = string(l)
	}
	return values
}
