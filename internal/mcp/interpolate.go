package mcp

import (
	"fmt"
	"regexp"
	"strings"
)

var varPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_.\-]+)(?::-([^}]*))?\}`)

// Interpolate substitutes ${name} and ${name:-default} occurrences in
// every string reachable from v, using vars. Unknown names without a
// default are left as-is so the tool can surface them.
func Interpolate(v interface{}, vars map[string]string) interface{} {
	switch val := v.(type) {
	case string:
		return interpolateString(val, vars)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = Interpolate(item, vars)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = Interpolate(item, vars)
		}
		return out
	default:
		return v
	}
}

// InterpolateArgs is Interpolate specialized to an args map.
func InterpolateArgs(args map[string]interface{}, vars map[string]string) map[string]interface{} {
	out, _ := Interpolate(args, vars).(map[string]interface{})
	return out
}

// InterpolateSlice substitutes into each element of a string slice.
func InterpolateSlice(in []string, vars map[string]string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = interpolateString(s, vars)
	}
	return out
}

func interpolateString(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(m string) string {
		groups := varPattern.FindStringSubmatch(m)
		name := groups[1]
		if v, ok := vars[name]; ok {
			return v
		}
		if strings.Contains(m, ":-") {
			return groups[2]
		}
		return m
	})
}

// FlattenVars deep-flattens a nested value into dotted keys under prefix,
// e.g. inputs {"repo":{"paths_root":"/src"}} becomes repo.paths_root.
// Arrays flatten by index.
func FlattenVars(prefix string, v interface{}, out map[string]string) {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, item := range val {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			FlattenVars(key, item, out)
		}
	case []interface{}:
		for i, item := range val {
			FlattenVars(fmt.Sprintf("%s.%d", prefix, i), item, out)
		}
	case string:
		if prefix != "" {
			out[prefix] = val
		}
	case nil:
	default:
		if prefix != "" {
			out[prefix] = fmt.Sprintf("%v", val)
		}
	}
}
