package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"refinery-siem/internal/schema"
)

// Reason classifies a per-field coercion or validation outcome.
type Reason string

const (
	// ReasonFormatError marks a value present but unparsable for its type.
	ReasonFormatError Reason = "format_error"
	// ReasonRangeError marks a value outside declared numeric bounds.
	ReasonRangeError Reason = "range_error"
	// ReasonTypeError marks a value that cannot be coerced to the declared
	// primitive type.
	ReasonTypeError Reason = "type_error"
	// ReasonFallbackUsed marks a non-fatal substitution of a configured
	// default for an unrecognized token.
	ReasonFallbackUsed Reason = "fallback_used"
	// ReasonMissingRequired marks a required field absent after all three
	// resolution passes.
	ReasonMissingRequired Reason = "missing_required"
)

// Outcome is the per-field result of coercion. Fallback outcomes succeed;
// Reason records the substitution.
type Outcome struct {
	Value     any
	Succeeded bool
	Reason    Reason
	Detail    string
}

func success(v any) Outcome {
	return Outcome{Value: v, Succeeded: true}
}

func failure(reason Reason, format string, args ...any) Outcome {
	return Outcome{Succeeded: false, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

func fallbackTo(v any, format string, args ...any) Outcome {
	return Outcome{Value: v, Succeeded: true, Reason: ReasonFallbackUsed, Detail: fmt.Sprintf(format, args...)}
}

// DefaultSeverityTable returns the built-in severity synonym table.
// Numeric tokens follow the syslog convention (RFC 5424 levels).
func DefaultSeverityTable() map[string]string {
	return map[string]string{
		"0": "critical",
		"1": "critical",
		"2": "critical",
		"3": "high",
		"4": "medium",
		"5": "medium",
		"6": "info",
		"7": "debug",

		"emergency":     "critical",
		"emerg":         "critical",
		"alert":         "critical",
		"crit":          "critical",
		"fatal":         "critical",
		"error":         "high",
		"err":           "high",
		"warning":       "medium",
		"warn":          "medium",
		"notice":        "info",
		"information":   "info",
		"informational": "info",
		"verbose":       "debug",
	}
}

// timestampFormats are the textual layouts the coercer accepts, tried in
// order after epoch parsing.
var timestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"01/02/2006 15:04:05",
	"Jan 02 2006 15:04:05",
	"Jan 02 15:04:05",
	"Jan  2 15:04:05",
}

// Coerce converts a resolved raw value to the declared type of its
// canonical field. Pure function; called once per resolved field. Unknown
// declared types, and fields absent from the schema, pass through as opaque
// strings so schema evolution preserves rather than rejects.
func Coerce(field schema.Field, value any, synonyms map[string]string) Outcome {
	switch field.Type {
	case schema.TypeTimestamp:
		return coerceTimestamp(value)
	case schema.TypeIP:
		return coerceIP(value)
	case schema.TypePort:
		return coercePort(field, value)
	case schema.TypeEnum:
		return coerceEnum(field, value, synonyms)
	case schema.TypeInteger:
		return coerceInteger(field, value)
	case schema.TypeFloat:
		return coerceFloat(field, value)
	case schema.TypeBoolean:
		return coerceBoolean(value)
	case schema.TypeString:
		return coerceString(value)
	default:
		return coerceOpaque(value)
	}
}

// coerceTimestamp accepts epoch seconds or milliseconds and the common
// textual layouts, normalizing to UTC. Sub-second precision survives when
// the input carries it.
func coerceTimestamp(value any) Outcome {
	switch v := value.(type) {
	case time.Time:
		return success(v.UTC())
	case int:
		return success(epochToTime(int64(v)))
	case int64:
		return success(epochToTime(v))
	case float64:
		return success(epochFloatToTime(v))
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return failure(ReasonFormatError, "empty timestamp")
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return success(epochToTime(n))
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return success(epochFloatToTime(f))
		}
		for _, format := range timestampFormats {
			if t, err := time.Parse(format, s); err == nil {
				return success(fixYearlessTimestamp(t))
			}
		}
		return failure(ReasonFormatError, "unparsable timestamp %q", s)
	default:
		return failure(ReasonFormatError, "timestamp from %T", value)
	}
}

// epochToTime treats values at or above 1e12 as milliseconds, else seconds.
func epochToTime(n int64) time.Time {
	if n >= 1e12 || n <= -1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func epochFloatToTime(f float64) time.Time {
	if f >= 1e12 || f <= -1e12 {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec := math.Floor(f)
	nsec := int64((f - sec) * 1e9)
	return time.Unix(int64(sec), nsec).UTC()
}

// fixYearlessTimestamp pins syslog-style layouts, which carry no year, to
// the current year.
func fixYearlessTimestamp(t time.Time) time.Time {
	if t.Year() == 0 {
		t = t.AddDate(time.Now().UTC().Year(), 0, 0)
	}
	return t.UTC()
}

// coerceIP validates and canonicalizes an address literal: dotted quad
// without leading zeros, or compressed lower-case hex for IPv6.
func coerceIP(value any) Outcome {
	s, ok := value.(string)
	if !ok {
		return failure(ReasonFormatError, "ip from %T", value)
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return failure(ReasonFormatError, "invalid ip literal %q", s)
	}
	return success(addr.String())
}

// coercePort accepts an integer or numeric string in [0, 65535]. The port
// contract folds non-numeric input into range_error.
func coercePort(field schema.Field, value any) Outcome {
	var port int64
	switch v := value.(type) {
	case int:
		port = int64(v)
	case int64:
		port = v
	case float64:
		if v != math.Trunc(v) {
			return failure(ReasonRangeError, "port %v is not an integer", v)
		}
		port = int64(v)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return failure(ReasonRangeError, "port %q is not numeric", v)
		}
		port = n
	default:
		return failure(ReasonRangeError, "port from %T", value)
	}

	min, max := int64(0), int64(65535)
	if field.Min != nil {
		min = int64(*field.Min)
	}
	if field.Max != nil {
		max = int64(*field.Max)
	}
	if port < min || port > max {
		return failure(ReasonRangeError, "port %d outside [%d, %d]", port, min, max)
	}
	return success(int(port))
}

// coerceEnum resolves a token case-insensitively against the allowed value
// set, then through the synonym table. Unknown tokens substitute the
// field's configured fallback and never fail the record.
func coerceEnum(field schema.Field, value any, synonyms map[string]string) Outcome {
	token, ok := scalarToken(value)
	if ok {
		token = strings.ToLower(strings.TrimSpace(token))
		if field.Allows(token) {
			return success(token)
		}
		if mapped, hit := synonyms[token]; hit && field.Allows(mapped) {
			return success(mapped)
		}
	}

	if field.Fallback == "" {
		return failure(ReasonFormatError, "unknown value %v for %s", value, field.Name)
	}
	return fallbackTo(field.Fallback, "unknown value %v, substituted %q", value, field.Fallback)
}

func coerceInteger(field schema.Field, value any) Outcome {
	var n int64
	switch v := value.(type) {
	case int:
		n = int64(v)
	case int64:
		n = v
	case float64:
		if v != math.Trunc(v) {
			return failure(ReasonTypeError, "%v is not an integer", v)
		}
		n = int64(v)
	case string:
		s := strings.TrimSpace(v)
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(s, 64)
			if ferr != nil || f != math.Trunc(f) {
				return failure(ReasonTypeError, "%q is not an integer", v)
			}
			parsed = int64(f)
		}
		n = parsed
	default:
		return failure(ReasonTypeError, "integer from %T", value)
	}

	if field.Min != nil && float64(n) < *field.Min {
		return failure(ReasonRangeError, "%d below minimum %v", n, *field.Min)
	}
	if field.Max != nil && float64(n) > *field.Max {
		return failure(ReasonRangeError, "%d above maximum %v", n, *field.Max)
	}
	return success(n)
}

func coerceFloat(field schema.Field, value any) Outcome {
	var f float64
	switch v := value.(type) {
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case float64:
		f = v
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return failure(ReasonTypeError, "%q is not a number", v)
		}
		f = parsed
	default:
		return failure(ReasonTypeError, "float from %T", value)
	}

	if field.Min != nil && f < *field.Min {
		return failure(ReasonRangeError, "%v below minimum %v", f, *field.Min)
	}
	if field.Max != nil && f > *field.Max {
		return failure(ReasonRangeError, "%v above maximum %v", f, *field.Max)
	}
	return success(f)
}

var (
	truthyTokens = map[string]bool{"true": true, "yes": true, "1": true, "on": true, "enabled": true}
	falsyTokens  = map[string]bool{"false": true, "no": true, "0": true, "off": true, "disabled": true}
)

func coerceBoolean(value any) Outcome {
	switch v := value.(type) {
	case bool:
		return success(v)
	case string:
		token := strings.ToLower(strings.TrimSpace(v))
		if truthyTokens[token] {
			return success(true)
		}
		if falsyTokens[token] {
			return success(false)
		}
		return failure(ReasonTypeError, "%q is not a boolean token", v)
	case float64:
		if v == 1 {
			return success(true)
		}
		if v == 0 {
			return success(false)
		}
		return failure(ReasonTypeError, "%v is not a boolean", v)
	case int:
		if v == 1 {
			return success(true)
		}
		if v == 0 {
			return success(false)
		}
		return failure(ReasonTypeError, "%v is not a boolean", v)
	default:
		return failure(ReasonTypeError, "boolean from %T", value)
	}
}

// coerceString renders scalars directly and composites as compact JSON.
// Whitespace is trimmed; nil and empty results fail rather than satisfying
// a required field with nothing.
func coerceString(value any) Outcome {
	if value == nil {
		return failure(ReasonFormatError, "nil value")
	}
	s, ok := stringify(value)
	if !ok {
		return failure(ReasonTypeError, "string from %T", value)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return failure(ReasonFormatError, "empty string")
	}
	return success(s)
}

// coerceOpaque is the schema-evolution path: unknown declared types and
// unknown fields are preserved as strings, never rejected.
func coerceOpaque(value any) Outcome {
	s, ok := stringify(value)
	if !ok {
		return failure(ReasonTypeError, "opaque from %T", value)
	}
	return success(s)
}

// scalarToken renders a scalar as a token for enum matching.
func scalarToken(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case bool:
		return strconv.FormatBool(v), true
	}
	return "", false
}

func stringify(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case bool:
		return strconv.FormatBool(v), true
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano), true
	case map[string]any, []any:
		data, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(data), true
	default:
		return "", false
	}
}
