// Package redaction scrubs secret-shaped values out of log fields and error
// strings before they reach stdout, as defense in depth alongside the
// fingerprint-only persistence rule in internal/secretfp: the audit trail
// never stores a raw secret value, but a misbehaving plugin's error message
// or debug dump might still echo one back, and this package is the last
// line before that text leaves the process.
package redaction

import (
	"regexp"
	"strings"
)

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(secret|token|auth)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(Bearer)\s+([a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`(?i)(password)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(private[_-]?key|privkey)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(access[_-]?key|aws[_-]?secret)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
}

// Config controls which fields a Redactor treats as secret-shaped and what
// it replaces them with.
type Config struct {
	Enabled         bool
	RedactionText   string
	BlockedPatterns []string
}

// DefaultConfig matches field names commonly used for credentials passed
// through plugin configuration or call request/response bodies.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		RedactionText: "***REDACTED***",
		BlockedPatterns: []string{
			"password",
			"secret",
			"token",
			"apikey",
			"api_key",
			"private_key",
			"credential",
		},
	}
}

// Redactor scrubs secret-shaped strings and map fields.
type Redactor struct {
	config Config
}

// New builds a Redactor from cfg, defaulting an empty RedactionText.
func New(cfg Config) *Redactor {
	if cfg.RedactionText == "" {
		cfg.RedactionText = "***REDACTED***"
	}
	return &Redactor{config: cfg}
}

// RedactString replaces every secret-shaped substring of s.
func (r *Redactor) RedactString(s string) string {
	if !r.config.Enabled {
		return s
	}
	result := s
	for _, pattern := range secretPatterns {
		result = pattern.ReplaceAllString(result, "${1}: "+r.config.RedactionText)
	}
	return result
}

// RedactFields returns a copy of fields with secret-named keys replaced
// outright and string values passed through RedactString, recursing into
// nested maps and slices the way a logged error_json or plugin context
// dump is shaped.
func (r *Redactor) RedactFields(fields map[string]any) map[string]any {
	if !r.config.Enabled {
		return fields
	}
	result := make(map[string]any, len(fields))
	for k, v := range fields {
		switch {
		case r.isSecretField(k):
			result[k] = r.config.RedactionText
		case v == nil:
			result[k] = v
		default:
			result[k] = r.redactValue(v)
		}
	}
	return result
}

func (r *Redactor) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return r.RedactString(val)
	case map[string]any:
		return r.RedactFields(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = r.redactValue(e)
		}
		return out
	default:
		return v
	}
}

func (r *Redactor) isSecretField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	for _, blocked := range r.config.BlockedPatterns {
		if strings.Contains(lower, strings.ToLower(blocked)) {
			return true
		}
	}
	return false
}
