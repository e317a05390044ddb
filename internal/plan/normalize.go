package plan

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Normalize canonicalizes a field value for comparison: trimmed strings,
// stringified numbers and booleans, name-object arrays joined as
// "name, name", everything else via canonical JSON.
func Normalize(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	case []any:
		if names, ok := nameList(t); ok {
			return strings.Join(names, ", ")
		}
		return jsonCanonical(t)
	case map[string]any:
		// A single name-object normalizes like a one-element list.
		if name, ok := nameOf(t); ok {
			return name
		}
		return jsonCanonical(t)
	}
	return jsonCanonical(v)
}

// ValuesEqual compares two raw values under normalization.
func ValuesEqual(a, b any) bool {
	return Normalize(a) == Normalize(b)
}

// nameList extracts the "name" member from each element of an array of
// name-objects; ok is false when any element lacks one.
func nameList(items []any) ([]string, bool) {
	if len(items) == 0 {
		return nil, false
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		name, ok := nameOf(obj)
		if !ok {
			return nil, false
		}
		names = append(names, name)
	}
	return names, true
}

func nameOf(obj map[string]any) (string, bool) {
	raw, ok := obj["name"]
	if !ok {
		return "", false
	}
	name, ok := raw.(string)
	return strings.TrimSpace(name), ok
}

// jsonCanonical renders a value as JSON with sorted object keys
// (encoding/json sorts map keys), falling back to fmt for unmarshalable
// values.
func jsonCanonical(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
