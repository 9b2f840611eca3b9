package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the placeholder emitted in place of sensitive values.
const RedactedValue = "[REDACTED]"

// sensitiveKeys are field names whose values must never appear in logs.
var sensitiveKeys = map[string]struct{}{
	"token":     {},
	"nodetoken": {},
	"authtoken": {},
	"secret":    {},
	"password":  {},
	"dsn":       {},
}

// Sensitive reports whether the key names a value that must be masked.
func Sensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskValue replaces a non-empty value with the redaction placeholder. Empty
// values pass through so absent credentials stay visibly absent.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskedAttr builds a slog attribute, masking the value when the key is
// sensitive.
func MaskedAttr(key, value string) slog.Attr {
	if Sensitive(key) {
		return slog.String(key, MaskValue(value))
	}
	return slog.String(key, value)
}
