package config

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Flatten turns nested sections into dot-separated keys, so
// {"agent": {"app_name": "sales"}} becomes {"agent.app_name": "sales"}.
// Empty sections produce no keys; slices stay leaf values.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, section map[string]any)
	walk = func(prefix string, section map[string]any) {
		for k, v := range section {
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

// Unflatten rebuilds nested sections from dot-separated keys. A key that
// would nest under another key's value, or replace a whole section, is an
// error.
func Unflatten(flat map[string]any) (map[string]any, error) {
	out := make(map[string]any)
	for _, key := range slices.Sorted(maps.Keys(flat)) {
		parts := strings.Split(key, ".")
		section := out
		for _, part := range parts[:len(parts)-1] {
			child, ok := section[part]
			if !ok {
				next := make(map[string]any)
				section[part] = next
				section = next
				continue
			}
			next, ok := child.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("config key %s: %s holds a value, not a section", key, part)
			}
			section = next
		}
		leaf := parts[len(parts)-1]
		if _, ok := section[leaf].(map[string]any); ok {
			return nil, fmt.Errorf("config key %s names a section", key)
		}
		section[leaf] = flat[key]
	}
	return out, nil
}

// MaskSecrets returns a copy of flat where non-empty secret strings show only
// their last four characters, as "***abcd".
func MaskSecrets(flat map[string]any) map[string]any {
	out := maps.Clone(flat)
	for k, v := range out {
		if s, ok := v.(string); ok && s != "" && IsSecretKey(k) {
			out[k] = mask(s)
		}
	}
	return out
}

func mask(s string) string {
	if len(s) > 4 {
		s = s[len(s)-4:]
	}
	return "***" + s
}
