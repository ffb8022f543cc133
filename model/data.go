package model

import "strings"

// Lookup resolves a dotted path such as "applicant.address.city" against
// nested maps. ok is false when a segment is missing or a non-map value
// sits in the middle of the path.
func Lookup(data map[string]any, path string) (any, bool) {
	return LookupParts(data, strings.Split(path, "."))
}

// LookupParts is Lookup for a path already split into segments.
func LookupParts(data map[string]any, parts []string) (any, bool) {
	var current any = data
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		if current, ok = m[part]; !ok {
			return nil, false
		}
	}
	return current, true
}
