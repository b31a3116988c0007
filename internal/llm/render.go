package llm

import (
	"bytes"
	"fmt"
	"text/template"
)

// RenderPrompt executes a prompt template against the step's variables:
// inputs, context, name, kind, schema_version, and anything else the
// caller provides.
func RenderPrompt(tmpl string, vars map[string]interface{}) (string, error) {
	t, err := template.New("prompt").Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("failed to parse prompt template: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return buf.String(), nil
}
