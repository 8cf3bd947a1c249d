package provideradapter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Response field extraction over decoded JSON. Paths are dot-separated
// object keys with optional numeric segments for array indexing, e.g.
// "data.items.0.phone".

func decodeBody(body []byte) (any, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("response is not valid JSON: %w", err)
	}
	return doc, nil
}

// lookup walks a dot path and returns the raw value at its end.
func lookup(doc any, path string) (any, bool) {
	if path == "" {
		return doc, true
	}

	current := doc
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// extractString returns the value at path rendered as a string. Numbers come
// back without a trailing ".0" so provider ids survive the round trip.
func extractString(doc any, path string) (string, bool) {
	value, ok := lookup(doc, path)
	if !ok || value == nil {
		return "", false
	}

	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v), true
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10), true
		}
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	case json.Number:
		return v.String(), true
	default:
		return "", false
	}
}

// extractFloat returns the value at path as a float64, accepting both JSON
// numbers and numeric strings.
func extractFloat(doc any, path string) (float64, bool) {
	value, ok := lookup(doc, path)
	if !ok || value == nil {
		return 0, false
	}

	switch v := value.(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// extractInt returns the value at path as an int.
func extractInt(doc any, path string) (int, bool) {
	f, ok := extractFloat(doc, path)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// listElements returns the array selected by listPath, or a single-element
// slice holding the root when listPath is empty and the root is an object.
func listElements(doc any, listPath string) ([]any, bool) {
	value, ok := lookup(doc, listPath)
	if !ok {
		return nil, false
	}

	switch v := value.(type) {
	case []any:
		return v, true
	case map[string]any:
		if listPath == "" {
			return []any{v}, true
		}
		// Some providers return keyed maps instead of arrays; iterate values.
		elements := make([]any, 0, len(v))
		for _, element := range v {
			elements = append(elements, element)
		}
		return elements, true
	default:
		return nil, false
	}
}
