package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretKeyPattern matches metadata/JSON keys whose values must never reach
// persisted incidents, alerts, or logs.
var secretKeyPattern = regexp.MustCompile(`(?i)^(api[_-]?key|private[_-]?key|passphrase|authorization|secret|token|ciphertext|salt|iv|tag|signature)$`)

// secretPatterns matches secret-bearing substrings inside free-text fields.
var secretPatterns = []*regexp.Regexp{
	// Authorization: Bearer <token>
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{8,})`),
	// 32-byte hex values prefixed with 0x (private keys, tx hashes used as secrets).
	regexp.MustCompile(`0x[0-9a-fA-F]{64}`),
	// named-header forms: nonce=..., signature=..., salt=..., iv=..., tag=...
	regexp.MustCompile(`(?i)(nonce|signature|salt|iv|tag|passphrase|ciphertext)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{8,})"?`),
	// generic api-key style assignments.
	regexp.MustCompile(`(?i)(api[_-]?key|secret[_-]?key|auth[_-]?token)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{8,})"?`),
}

// Redact replaces secret-bearing substrings in a free-text string with
// [REDACTED]. Used on Incident/Alert messages and Turn metadata before they
// are persisted, per the state store's redaction contract.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 2 && submatch[1] != "" {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// IsSecretKey reports whether a metadata/JSON key name matches the
// reserved secret-key pattern and must have its value redacted outright
// rather than scanned for substrings.
func IsSecretKey(key string) bool {
	return secretKeyPattern.MatchString(strings.TrimSpace(key))
}

// RedactValue returns [REDACTED] if key is a secret key, else Redact(value).
func RedactValue(key, value string) string {
	if IsSecretKey(key) {
		return redactedPlaceholder
	}
	return Redact(value)
}

// RedactMap walks a metadata map (as decoded from JSON) and redacts secret
// keys and secret-bearing substrings recursively. It does not mutate the
// input; it returns a redacted copy.
func RedactMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = redactValue(k, v)
	}
	return out
}

func redactValue(key string, v any) any {
	switch val := v.(type) {
	case string:
		if IsSecretKey(key) {
			return redactedPlaceholder
		}
		return Redact(val)
	case map[string]any:
		return RedactMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue("", item)
		}
		return out
	default:
		return v
	}
}
