package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

var sensitiveKeys = map[string]struct{}{
	"secret":        {},
	"preimage":      {},
	"private_key":   {},
	"hmac_secret":   {},
	"authorization": {},
	"password":      {},
}

// IsSensitive reports whether values logged under key are always masked.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := sensitiveKeys[normalized]
	return ok
}

// SensitiveKeys returns a sorted copy of the masked log keys.
func SensitiveKeys() []string {
	keys := make([]string, 0, len(sensitiveKeys))
	for key := range sensitiveKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue returns the canonical redacted placeholder for non-empty values. Empty values
// are returned unchanged to avoid introducing noise in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// Redact masks attr when its key is sensitive.
func Redact(attr slog.Attr) slog.Attr {
	if !IsSensitive(attr.Key) {
		return attr
	}
	if attr.Value.Kind() == slog.KindString && strings.TrimSpace(attr.Value.String()) == "" {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}
