package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|password)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{8,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// user:pass@ in OTLP or DSN endpoints
	regexp.MustCompile(`(://[^:/@\s]+:)([^@\s]+)@`),
}

// Redact masks secret-looking values, keeping any key prefix intact.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			sub := pat.FindStringSubmatch(match)
			if len(sub) >= 3 {
				suffix := ""
				if strings.HasSuffix(match, "@") {
					suffix = "@"
				}
				return sub[1] + redactedPlaceholder + suffix
			}
			return redactedPlaceholder
		})
	}
	return result
}

// SensitiveKey reports whether a log or config key names a secret.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range []string{"token", "secret", "password", "authorization", "api_key", "apikey", "credential"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}
