// Package logging masks sensitive values before raw-record material
// reaches logs. Listener debug logs and quarantine paths carry source
// payloads, and source payloads carry credentials more often than anyone
// would like.
package logging

import (
	"regexp"
	"slices"
	"strings"
)

// MaskedValue replaces sensitive values.
const MaskedValue = "[REDACTED]"

// sensitiveKeywords flag field names whose values never reach logs.
// Matching is case-insensitive and substring-based, so "pass" also
// catches password and passwd, and "token" catches refresh_token.
var sensitiveKeywords = []string{
	"pass",
	"secret",
	"token",
	"credential",
	"authorization",
	"bearer",
	"jwt",
	"session_id",
	"cookie",
	"api_key",
	"apikey",
	"api-key",
	"access_key",
	"private_key",
}

// IsSensitiveField reports whether a field with this name should have its
// value masked.
func IsSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	return slices.ContainsFunc(sensitiveKeywords, func(keyword string) bool {
		return strings.Contains(lower, keyword)
	})
}

// MaskFields returns a copy of a decoded record with sensitive values
// replaced. Nested maps are masked recursively; the input is not modified.
func MaskFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}

	masked := make(map[string]any, len(fields))
	for name, value := range fields {
		switch {
		case IsSensitiveField(name):
			masked[name] = MaskedValue
		default:
			if nested, ok := value.(map[string]any); ok {
				masked[name] = MaskFields(nested)
			} else {
				masked[name] = value
			}
		}
	}
	return masked
}

// credentialPatterns match credential material embedded in raw strings:
// key=value fragments, bearer and basic auth headers, AWS access key IDs.
var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd|auth)['":\s]*[=:]\s*['"]?([a-zA-Z0-9_\-.]+)['"]?`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-.]+`),
	regexp.MustCompile(`(?i)basic\s+[a-zA-Z0-9+/=]+`),
	regexp.MustCompile(`(AKIA|ABIA|ACCA|AGPA|AIDA|AIPA|ANPA|ANVA|APKA|AROA|ASCA|ASIA)[A-Z0-9]{16}`),
}

// MaskPatterns masks credential-shaped substrings in a raw line. Used when
// logging payloads that failed to decode, where no field names exist to
// check.
func MaskPatterns(s string) string {
	for _, pattern := range credentialPatterns {
		s = pattern.ReplaceAllString(s, MaskedValue)
	}
	return s
}

// MaskString shows only the first and last characters of a sensitive
// string. Useful for startup summaries where partial visibility helps
// confirm which credential is loaded.
func MaskString(s string, showFirst, showLast int) string {
	if s == "" {
		return s
	}
	if len(s) <= showFirst+showLast+3 {
		return MaskedValue
	}
	return s[:showFirst] + "***" + s[len(s)-showLast:]
}
