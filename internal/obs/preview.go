package obs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"unicode/utf8"
)

// DefaultPreviewChars is the character budget for input/output previews.
const DefaultPreviewChars = 200

const ellipsis = "..."

// ElidedKey holds the count of map entries a preview left out.
const ElidedKey = "..."

// Preview returns a bounded representation of v for storage in a record.
//
// Strings longer than limit runes are cut and suffixed with "...".
// Other values are JSON encoded; if the encoding fits within limit the
// value is kept as raw JSON. Larger values stay structured: leaf strings
// are cut and entries beyond the budget are dropped, so key names
// survive for redaction. A limit <= 0 uses DefaultPreviewChars.
func Preview(v any, limit int) any {
	if v == nil {
		return nil
	}
	if limit <= 0 {
		limit = DefaultPreviewChars
	}

	if s, ok := v.(string); ok {
		return truncate(s, limit)
	}

	b, err := json.Marshal(v)
	if err != nil {
		return truncate(fmt.Sprintf("%v", v), limit)
	}
	if utf8.RuneCount(b) <= limit {
		return json.RawMessage(b)
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return truncate(string(b), limit)
	}
	budget := limit
	return shrink(doc, &budget)
}

// PreviewString is Preview for callers that need a flat string.
func PreviewString(v any, limit int) string {
	switch p := Preview(v, limit).(type) {
	case nil:
		return ""
	case string:
		return p
	case json.RawMessage:
		return string(p)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return fmt.Sprintf("%v", p)
		}
		return string(b)
	}
}

// shrink cuts a decoded JSON value down to roughly *budget encoded
// characters. A map entry whose key does not fit is dropped whole,
// never cut, so a partial key cannot hide what the value is.
func shrink(v any, budget *int) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		keys := slices.Sorted(maps.Keys(val))
		for i, k := range keys {
			cost := utf8.RuneCountInString(k) + 4
			if cost > *budget {
				out[ElidedKey] = fmt.Sprintf("%d more", len(keys)-i)
				break
			}
			*budget -= cost
			out[k] = shrink(val[k], budget)
		}
		return out
	case []any:
		out := make([]any, 0, len(val))
		for i, item := range val {
			if *budget <= 1 {
				out = append(out, fmt.Sprintf("%s%d more", ellipsis, len(val)-i))
				break
			}
			*budget--
			out = append(out, shrink(item, budget))
		}
		return out
	case string:
		n := utf8.RuneCountInString(val) + 2
		if n <= *budget {
			*budget -= n
			return val
		}
		keep := max(*budget-2, 0)
		*budget = 0
		return truncate(val, keep)
	case json.Number:
		*budget -= len(val)
		return val
	default:
		*budget -= 4
		return val
	}
}

// truncate cuts s to limit runes.
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + ellipsis
}
