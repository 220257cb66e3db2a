package logging

import (
	"log/slog"
	"net/url"
	"regexp"
	"strings"
)

// RedactedValue replaces secret values in log output.
const RedactedValue = "[REDACTED]"

// Fragments of attribute keys that carry secret material. Keys ending in
// _env or _file name where a secret lives and are logged as is.
var sensitiveKeyParts = []string{"secret", "password", "passphrase", "token", "bearer", "authorization", "private_key"}

var dsnPassword = regexp.MustCompile(`(?i)(password=)('[^']*'|\S+)`)

// IsSensitive reports whether an attribute key names secret material.
func IsSensitive(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if strings.HasSuffix(k, "_env") || strings.HasSuffix(k, "_file") {
		return false
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}

// Secret returns an attribute that only records whether value is set.
func Secret(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" {
		return slog.String(key, "")
	}
	return slog.String(key, RedactedValue)
}

// RedactDSN masks credentials in a connection string or endpoint URL. Both
// URL userinfo and key=value password settings are handled.
func RedactDSN(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return trimmed
	}
	if u, err := url.Parse(trimmed); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			return u.Redacted()
		}
	}
	return dsnPassword.ReplaceAllString(trimmed, "${1}"+RedactedValue)
}

func redactAttr(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() != slog.KindString || attr.Value.String() == "" || !IsSensitive(attr.Key) {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}
