package registry

import "strings"

// maxMigrationHops bounds migrator chains against cycles.
const maxMigrationHops = 50

// applyStep runs one DSL step in field order: move, set, defaults, delete.
func applyStep(data map[string]interface{}, step DSLStep) {
	for from, to := range step.Move {
		if v, ok := getPath(data, from); ok {
			deletePath(data, from)
			setPath(data, to, v)
		}
	}
	for path, v := range step.Set {
		setPath(data, path, v)
	}
	for path, v := range step.Defaults {
		if _, ok := getPath(data, path); !ok {
			setPath(data, path, v)
		}
	}
	for _, path := range step.Delete {
		deletePath(data, path)
	}
}

// applySteps runs a step list over a deep copy of data.
func applySteps(data map[string]interface{}, steps []DSLStep) map[string]interface{} {
	out := deepCopyMap(data)
	if out == nil {
		out = make(map[string]interface{})
	}
	for _, s := range steps {
		applyStep(out, s)
	}
	return out
}

// enumCoercion rewrites a closed set of values at a dotted path. The
// target path may traverse one list segment written as "items[].field".
type enumCoercion struct {
	Path    string
	Mapping map[string]string
}

// postNormalizers holds domain-specific coercions applied after a kind's
// declared adapters. Keyed off the kind id.
var postNormalizers = map[string][]enumCoercion{
	"cam.diagram.deployment": {
		{Path: "nodes[].kind", Mapping: map[string]string{
			"microservice": "server",
			"vm":           "server",
			"lambda":       "function",
		}},
	},
	"cam.cobol.program": {
		{Path: "language", Mapping: map[string]string{
			"cobol85":   "cobol",
			"cobol2002": "cobol",
		}},
	},
}

// applyCoercion rewrites matching string values in place.
func applyCoercion(data map[string]interface{}, c enumCoercion) {
	if idx := strings.Index(c.Path, "[]."); idx >= 0 {
		listPath, field := c.Path[:idx], c.Path[idx+3:]
		items, ok := getPath(data, listPath)
		if !ok {
			return
		}
		list, ok := items.([]interface{})
		if !ok {
			return
		}
		for _, item := range list {
			if m, ok := item.(map[string]interface{}); ok {
				coerceField(m, field, c.Mapping)
			}
		}
		return
	}
	coerceField(data, c.Path, c.Mapping)
}

func coerceField(m map[string]interface{}, path string, mapping map[string]string) {
	v, ok := getPath(m, path)
	if !ok {
		return
	}
	s, ok := v.(string)
	if !ok {
		return
	}
	if repl, ok := mapping[strings.ToLower(s)]; ok {
		setPath(m, path, repl)
	}
}
