package session

import (
	"encoding/json"
)

// Truncation limits applied to item text fields before whole items are
// dropped.
const (
	boundBodyChars    = 500
	boundSnippetChars = 200
	truncationMarker  = "...[truncated]"
)

// itemTextFields are the long fields clipped during structural truncation.
var itemTextFields = map[string]int{
	"body":    boundBodyChars,
	"snippet": boundSnippetChars,
}

// Bound fits a serialized payload into maxBytes. Within budget it is the
// identity function. Over budget it first clips item text fields and drops
// trailing items from the largest record collection, leaving 20% headroom;
// only if the payload has no such structure does it hard-truncate with a
// marker. Deterministic, always valid JSON, and a no-op on already-bounded
// output.
func Bound(raw []byte, maxBytes int) []byte {
	if maxBytes <= 0 || len(raw) <= maxBytes {
		return raw
	}
	if out, ok := boundStructured(raw, maxBytes); ok {
		return out
	}
	return boundString(raw, maxBytes)
}

// boundString keeps a prefix of the payload as a JSON string with the marker
// appended. The prefix shrinks until the quoted form fits; escaping can
// expand a cut beyond the budget.
func boundString(raw []byte, maxBytes int) []byte {
	cut := maxBytes - len(truncationMarker) - 2
	if cut > len(raw) {
		cut = len(raw)
	}
	for cut > 0 {
		out, err := json.Marshal(string(raw[:cut]) + truncationMarker)
		if err == nil && len(out) <= maxBytes {
			return out
		}
		cut /= 2
	}
	out, _ := json.Marshal(truncationMarker)
	return out
}

// boundStructured handles payloads shaped like {..., items: [{...}, ...]}.
// It clips each item's text fields, then keeps a prefix of the items such
// that the result stays within 80% of the budget.
func boundStructured(raw []byte, maxBytes int) ([]byte, bool) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, false
	}
	key, items := largestItemList(payload)
	if key == "" {
		return nil, false
	}
	for _, it := range items {
		obj, ok := it.(map[string]any)
		if !ok {
			continue
		}
		clipItem(obj)
	}

	headroom := maxBytes * 8 / 10
	for keep := len(items); keep >= 0; keep-- {
		payload[key] = items[:keep]
		if keep < len(items) {
			payload["items_truncated"] = len(items) - keep
		}
		out, err := json.Marshal(payload)
		if err != nil {
			return nil, false
		}
		if len(out) <= headroom {
			return out, true
		}
	}
	return nil, false
}

// largestItemList finds the top-level array of objects with the most
// entries. Ties go to the lexicographically-first key, which json.Marshal's
// sorted map iteration makes stable anyway.
func largestItemList(payload map[string]any) (string, []any) {
	var bestKey string
	var best []any
	for k, v := range payload {
		list, ok := v.([]any)
		if !ok || len(list) == 0 {
			continue
		}
		if _, ok := list[0].(map[string]any); !ok {
			continue
		}
		if best == nil || len(list) > len(best) || (len(list) == len(best) && k < bestKey) {
			bestKey, best = k, list
		}
	}
	return bestKey, best
}

func clipItem(obj map[string]any) {
	for field, limit := range itemTextFields {
		s, ok := obj[field].(string)
		if !ok || len(s) <= limit {
			continue
		}
		obj[field] = s[:limit]
		if field == "body" {
			obj["body_truncated"] = true
		}
	}
	// Nested collections (thread messages) are clipped too.
	for _, v := range obj {
		if nested, ok := v.([]any); ok {
			for _, it := range nested {
				if inner, ok := it.(map[string]any); ok {
					clipItem(inner)
				}
			}
		}
	}
}
