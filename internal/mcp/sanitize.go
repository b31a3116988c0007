package mcp

// frameworkKeys are orchestration-internal argument keys that must never
// reach a tool.
var frameworkKeys = map[string]bool{
	"inputs":         true,
	"context":        true,
	"correlation_id": true,
	"correlationId":  true,
	"__metadata__":   true,
}

// SanitizeArgs strips framework keys and, when the tool declares an input
// schema with properties, restricts args to that allow-list. The input
// map is never mutated.
func SanitizeArgs(args map[string]interface{}, inputSchema map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	allowed := schemaProperties(inputSchema)
	for k, v := range args {
		if frameworkKeys[k] {
			continue
		}
		if allowed != nil && !allowed[k] {
			continue
		}
		out[k] = v
	}
	return out
}

// schemaProperties extracts the declared property names, or nil when the
// schema declares none (meaning: no allow-list filtering).
func schemaProperties(schema map[string]interface{}) map[string]bool {
	if schema == nil {
		return nil
	}
	props, ok := schema["properties"].(map[string]interface{})
	if !ok || len(props) == 0 {
		return nil
	}
	out := make(map[string]bool, len(props))
	for name := range props {
		out[name] = true
	}
	return out
}
