package observability

import (
	"regexp"
	"strings"
)

const credentialRedacted = "[CREDENTIAL_REDACTED]"

// credentialPatterns detects common credential formats that must never
// reach log lines, metric event payloads, or span attributes. The
// patterns cover vendor API-key prefixes, JWTs, Bearer headers, and
// connection-string secrets.
var credentialPatterns = []*regexp.Regexp{
	// API key prefixes: sk_, pk_, rk_, xox*_, ghp/gho/ghu/ghs/ghr_, pat_
	regexp.MustCompile(`(?i)\b(?:sk|pk|rk|xox[baprs]|gh[pousr]|pat)[_-][a-z0-9_-]{8,}\b`),
	// JWT-like tokens (three base64url segments separated by dots)
	regexp.MustCompile(`(?i)eyj[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}`),
	// Bearer token in header-like strings
	regexp.MustCompile(`(?i)\bBearer\s+[a-z0-9_.\-/+=]{8,}\b`),
	// Connection string secrets: password=..., secret=..., token=..., api_key=...
	regexp.MustCompile(`(?i)\b(?:password|passwd|secret|token|api_key|apikey)\s*=\s*\S{4,}`),
}

// sensitiveArgumentKeys lists tool-argument names whose values are
// redacted wholesale regardless of content.
var sensitiveArgumentKeys = map[string]struct{}{
	"api_key":       {},
	"apikey":        {},
	"authorization": {},
	"credential":    {},
	"passwd":        {},
	"password":      {},
	"secret":        {},
	"token":         {},
}

// ContainsCredential reports whether s matches any known credential
// pattern. Strings shorter than 8 chars are skipped as a fast path
// since no pattern can match them.
func ContainsCredential(s string) bool {
	if len(s) < 8 {
		return false
	}
	for _, p := range credentialPatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// ScrubCredentials replaces all detected credential patterns in s with
// [CREDENTIAL_REDACTED]. If no patterns match, s is returned unchanged
// with no allocation.
func ScrubCredentials(s string) string {
	if len(s) < 8 {
		return s
	}
	result := s
	changed := false
	for _, p := range credentialPatterns {
		if p.MatchString(result) {
			result = p.ReplaceAllString(result, credentialRedacted)
			changed = true
		}
	}
	if !changed {
		return s
	}
	return result
}

// ScrubArguments returns a copy of a tool-argument map with
// sensitive-key values redacted and credential patterns scrubbed from
// string values. Nested maps and string slices are scrubbed
// recursively; other value types pass through unchanged. A nil map
// returns nil.
func ScrubArguments(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	scrubbed := make(map[string]any, len(args))
	for key, value := range args {
		if _, sensitive := sensitiveArgumentKeys[strings.ToLower(key)]; sensitive {
			scrubbed[key] = credentialRedacted
			continue
		}
		scrubbed[key] = scrubValue(value)
	}
	return scrubbed
}

func scrubValue(value any) any {
	switch v := value.(type) {
	case string:
		return ScrubCredentials(v)
	case map[string]any:
		return ScrubArguments(v)
	case []any:
		scrubbed := make([]any, len(v))
		for i, item := range v {
			scrubbed[i] = scrubValue(item)
		}
		return scrubbed
	case []string:
		scrubbed := make([]string, len(v))
		for i, item := range v {
			scrubbed[i] = ScrubCredentials(item)
		}
		return scrubbed
	default:
		return value
	}
}
