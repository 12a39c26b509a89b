package config

import (
	"sort"
	"strings"
)

// secretKeys are masked by MaskSecrets and hidden by `config set`.
var secretKeys = map[string]bool{
	"llm.api_key":    true,
	"telegram.token": true,
}

// secretPrefixes mark every key below them as secret.
var secretPrefixes = []string{"auth.tokens."}

// IsSecretKey reports whether the dot-separated key holds a credential.
func IsSecretKey(key string) bool {
	if secretKeys[key] {
		return true
	}
	for _, p := range secretPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// Flatten turns nested sections into dot-separated keys, so
// {"approval": {"timeout": "5m"}} becomes {"approval.timeout": "5m"}.
// Lists are leaves; empty sections produce no keys.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if prefix != "" {
				k = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok {
				walk(k, child)
				continue
			}
			out[k] = v
		}
	}
	walk("", m)
	return out
}

// Unflatten reverses Flatten. Keys are applied in sorted order, so when a
// key is both a value and a section ("http" and "http.listen") the section
// wins.
func Unflatten(flat map[string]any) map[string]any {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any)
	for _, k := range keys {
		parts := strings.Split(k, ".")
		current := out
		for _, part := range parts[:len(parts)-1] {
			next, ok := current[part].(map[string]any)
			if !ok {
				next = make(map[string]any)
				current[part] = next
			}
			current = next
		}
		current[parts[len(parts)-1]] = flat[k]
	}
	return out
}

// MaskSecrets returns a copy of flat with each non-empty secret replaced by
// "***" and its last four characters.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		out[k] = v
		if s, ok := v.(string); ok && s != "" && IsSecretKey(k) {
			out[k] = "***" + s[max(0, len(s)-4):]
		}
	}
	return out
}
