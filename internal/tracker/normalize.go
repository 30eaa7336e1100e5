// internal/tracker/normalize.go
package tracker

import (
	"encoding/json"
)

// maxNormalizeDepth bounds the recursive unwrapping of JSON-encoded strings
// inside tool results. Results observed in the wild nest two or three levels;
// five is a conservative ceiling against pathological input.
const maxNormalizeDepth = 5

// NormalizeResult decodes a tool result payload. Results arrive in
// heterogeneous encodings: raw JSON values, JSON-encoded strings, and strings
// whose content is itself JSON, nested arbitrarily. Each string layer is
// re-parsed until something unparsable appears; that string is the leaf value.
func NormalizeResult(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		// Not JSON at all: the raw bytes are the value.
		return string(raw)
	}
	return normalize(value, 0)
}

func normalize(value any, depth int) any {
	if depth >= maxNormalizeDepth {
		return value
	}
	switch v := value.(type) {
	case string:
		var inner any
		if err := json.Unmarshal([]byte(v), &inner); err != nil {
			return v
		}
		// A bare JSON scalar like `3` or `true` round-trips through string
		// parsing; only unwrap containers and strings to avoid mangling
		// plain-text results that happen to look numeric.
		switch inner.(type) {
		case map[string]any, []any, string:
			return normalize(inner, depth+1)
		default:
			return v
		}
	case map[string]any:
		for key, item := range v {
			v[key] = normalize(item, depth+1)
		}
		return v
	case []any:
		for i, item := range v {
			v[i] = normalize(item, depth+1)
		}
		return v
	default:
		return v
	}
}
