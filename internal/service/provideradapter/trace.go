package provideradapter

import (
	"strings"
	"time"
)

// RequestTrace is the retained snapshot of a provider's most recent call,
// exposed for operator debugging. Secrets are redacted before storage.
type RequestTrace struct {
	Operation    string            `json:"operation"`
	Method       string            `json:"method"`
	URL          string            `json:"url"`
	Headers      map[string]string `json:"headers,omitempty"`
	StatusCode   int               `json:"status_code"`
	BodySnippet  string            `json:"body_snippet,omitempty"`
	Error        string            `json:"error,omitempty"`
	Duration     time.Duration     `json:"duration"`
	StartedAt    time.Time         `json:"started_at"`
}

const redactedValue = "[redacted]"

var sensitiveHeaderParts = []string{"key", "token", "auth", "secret", "cookie"}

// redactHeaders copies headers with credential-bearing values masked.
func redactHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}

	out := make(map[string]string, len(headers))
	for name, value := range headers {
		lower := strings.ToLower(name)
		redact := false
		for _, part := range sensitiveHeaderParts {
			if strings.Contains(lower, part) {
				redact = true
				break
			}
		}
		if redact {
			out[name] = redactedValue
		} else {
			out[name] = value
		}
	}
	return out
}

// redactSecret masks every occurrence of the secret in s, covering API keys
// embedded in URLs and echoed request bodies.
func redactSecret(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, redactedValue)
}

// truncate bounds a body snippet to max bytes.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
