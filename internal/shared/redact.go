package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches common secret-bearing patterns in log/event/error strings.
var secretPatterns = []*regexp.Regexp{
	// API keys (generic: long hex/base64 strings preceded by key-like prefixes)
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	// Bearer tokens in Authorization headers
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// AWS access key IDs
	regexp.MustCompile(`AKIA[A-Z0-9]{16}`),
	// Google API keys (AIza pattern)
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
	// UUIDs that look like tokens (after auth-related prefixes)
	regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
// Applied to every string that reaches the event stream or the logs.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			// For patterns with a prefix group, keep the prefix and redact the value.
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// credentialKeyTokens marks environment variable names that must never cross
// the sandbox boundary. Matching is substring, case-insensitive.
var credentialKeyTokens = []string{
	"api_key", "apikey", "secret", "token", "password", "credential",
	"auth", "private_key", "access_key",
}

// IsCredentialKey reports whether an environment variable name looks
// credential-shaped. The sandbox scrubs every matching variable
// unconditionally before spawning a process.
func IsCredentialKey(key string) bool {
	keyLower := strings.ToLower(key)
	for _, token := range credentialKeyTokens {
		if strings.Contains(keyLower, token) {
			return true
		}
	}
	return false
}

// RedactEnvValue checks if a key name looks secret and returns redacted value if so.
func RedactEnvValue(key, value string) string {
	if IsCredentialKey(key) {
		return redactedPlaceholder
	}
	return value
}
