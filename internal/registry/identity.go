package registry

import (
	"fmt"
	"strings"
)

// NaturalKey derives the deterministic identity for an artifact of the
// given schema entry. Fallback is "kind:name" lowercased.
func NaturalKey(kindID string, entry *SchemaVersion, name string, data map[string]interface{}) string {
	if entry != nil && !entry.Identity.IsZero() {
		if len(entry.Identity.Paths) > 0 {
			parts := make([]string, 0, len(entry.Identity.Paths)+2)
			parts = append(parts, kindID)
			complete := true
			for _, p := range entry.Identity.Paths {
				v, ok := getPath(data, p)
				if !ok || v == nil {
					complete = false
					break
				}
				parts = append(parts, stringify(v))
			}
			if complete {
				if name != "" {
					parts = append(parts, name)
				}
				return strings.ToLower(strings.Join(parts, ":"))
			}
		} else if entry.Identity.Path != "" {
			if v, ok := getPath(data, entry.Identity.Path); ok && v != nil {
				return strings.ToLower(fmt.Sprintf("%s:%s", kindID, stringify(v)))
			}
		}
	}
	return strings.ToLower(fmt.Sprintf("%s:%s", kindID, name))
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}
