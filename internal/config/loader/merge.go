package loader

import "strings"

// DeepMerge layers src over dst and returns dst, allocating it when nil.
// Tables present in both are merged key by key; any other src value
// replaces the dst value. Nothing in the result aliases src.
func DeepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for key, val := range src {
		dst[key] = overlay(dst[key], val)
	}
	return dst
}

func overlay(base, top any) any {
	topTable, ok := top.(map[string]any)
	if !ok {
		return cloneValue(top)
	}
	if baseTable, ok := base.(map[string]any); ok {
		return DeepMerge(baseTable, topTable)
	}
	return Clone(topTable)
}

// Clone returns a deep copy of m. Tables and arrays are copied; scalars
// are shared.
func Clone(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for key, val := range m {
		out[key] = cloneValue(val)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return Clone(v)
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			out = append(out, cloneValue(item))
		}
		return out
	}
	return v
}

// GetByPath looks up a dotted key such as "plugins.dry_run".
func GetByPath(m map[string]any, path string) (any, bool) {
	keys := strings.Split(path, ".")
	last := len(keys) - 1
	for _, key := range keys[:last] {
		next, ok := m[key].(map[string]any)
		if !ok {
			return nil, false
		}
		m = next
	}
	v, ok := m[keys[last]]
	return v, ok
}

// setByPath stores v under a dotted key, replacing any scalar that sits
// where a table is needed.
func setByPath(m map[string]any, path string, v any) {
	keys := strings.Split(path, ".")
	last := len(keys) - 1
	for _, key := range keys[:last] {
		next, ok := m[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[key] = next
		}
		m = next
	}
	m[keys[last]] = v
}
