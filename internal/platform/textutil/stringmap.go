package textutil

import "strings"

// NormalizeStringMap trims keys and values, removing entries with empty keys.
// It returns nil when nothing remains.
func NormalizeStringMap(values map[string]string) map[string]string {
	result := make(map[string]string, len(values))
	for key, value := range values {
		if key = strings.TrimSpace(key); key == "" {
			continue
		}
		result[key] = strings.TrimSpace(value)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// CompactStringMap behaves like NormalizeStringMap but also drops empty values.
// Pub/Sub attributes and provider metadata use it.
func CompactStringMap(values map[string]string) map[string]string {
	result := NormalizeStringMap(values)
	for key, value := range result {
		if value == "" {
			delete(result, key)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
