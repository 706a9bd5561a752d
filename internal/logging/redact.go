package logging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// Keys are matched case-insensitively after normalising '-' to '_'.
var (
	secretNames    = []string{"authorization", "apikey", "password", "secret", "token"}
	secretSuffixes = []string{"api_key", "_token", "_secret", "_password"}
	// Anthropic keys leak into tool output and prompts, so values are
	// checked too, not only keys.
	secretPrefixes = []string{"sk-ant-", "sk-"}
)

func isSecretKey(key string) bool {
	k := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), "-", "_")
	if k == "x_api_key" {
		return true
	}
	for _, name := range secretNames {
		if k == name {
			return true
		}
	}
	for _, suffix := range secretSuffixes {
		if strings.HasSuffix(k, suffix) {
			return true
		}
	}
	return false
}

func looksSecret(value string) bool {
	for _, prefix := range secretPrefixes {
		if strings.HasPrefix(value, prefix) && len(value) > len(prefix)+8 && !strings.ContainsAny(value, " \n") {
			return true
		}
	}
	return false
}

// RedactValue keeps the last four characters of a credential.
func RedactValue(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return ""
	}
	if scheme, token, ok := strings.Cut(v, " "); ok && strings.EqualFold(scheme, "bearer") {
		return "Bearer " + tail(token)
	}
	return tail(v)
}

func tail(v string) string {
	if len(v) <= 4 {
		return "****"
	}
	return "****" + v[len(v)-4:]
}

// RedactAny returns a copy of value with secret-keyed or key-shaped entries
// masked. Unknown types are returned unchanged.
func RedactAny(value any) any {
	switch v := value.(type) {
	case string:
		if looksSecret(v) {
			return RedactValue(v)
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			if isSecretKey(key) {
				out[key] = RedactValue(fmt.Sprint(val))
			} else {
				out[key] = RedactAny(val)
			}
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(v))
		for key, val := range v {
			if isSecretKey(key) || looksSecret(val) {
				out[key] = RedactValue(val)
			} else {
				out[key] = val
			}
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i := range v {
			out[i] = RedactAny(v[i])
		}
		return out
	case []string:
		out := make([]string, len(v))
		for i := range v {
			out[i] = RedactAny(v[i]).(string)
		}
		return out
	}
	return value
}

// RedactJSON decodes raw and redacts it; undecodable input is logged as text.
func RedactJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return strings.TrimSpace(string(raw))
	}
	return RedactAny(payload)
}

// ReplaceAttr is a slog.HandlerOptions hook masking secret attributes.
func ReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindString {
		return a
	}
	s := a.Value.String()
	if isSecretKey(a.Key) || looksSecret(s) {
		return slog.String(a.Key, RedactValue(s))
	}
	return a
}
