// Package diagram renders Mermaid instructions for artifacts according
// to their kind's diagram recipes.
package diagram

import (
	"fmt"
	"sort"
	"strings"

	"github.com/skamble7/renova/internal/artifact"
	"github.com/skamble7/renova/internal/registry"
)

// directiveHeader is emitted at the top of every diagram so renders are
// deterministic across runs.
const directiveHeader = `%%{init: {"theme": "neutral", "flowchart": {"htmlLabels": false}}}%%`

// Generator turns artifact data into Mermaid diagrams.
type Generator struct {
	// TokenBudget bounds the payload chunk size per diagram; items beyond
	// it split into numbered continuation diagrams.
	TokenBudget int
}

// NewGenerator returns a generator with the given token budget; zero
// means 6000.
func NewGenerator(tokenBudget int) *Generator {
	if tokenBudget <= 0 {
		tokenBudget = 6000
	}
	return &Generator{TokenBudget: tokenBudget}
}

// Generate renders every recipe for the artifact. Unknown views render a
// generic mindmap of the data's top-level structure.
func (g *Generator) Generate(kindID, name string, data map[string]interface{}, recipes []registry.DiagramRecipe) []artifact.Diagram {
	var out []artifact.Diagram
	for _, recipe := range recipes {
		lang := recipe.Language
		if lang == "" {
			lang = "mermaid"
		}
		for i, body := range g.render(recipe.View, name, data) {
			id := recipe.ID
			if i > 0 {
				id = fmt.Sprintf("%s-%d", recipe.ID, i+1)
			}
			out = append(out, artifact.Diagram{
				ID:           id,
				View:         recipe.View,
				Language:     lang,
				Instructions: directiveHeader + "\n" + body,
			})
		}
	}
	return out
}

// render dispatches by view; every branch may return multiple chunks.
func (g *Generator) render(view, name string, data map[string]interface{}) []string {
	switch view {
	case "flowchart", "paragraph_flow":
		return g.renderParagraphFlow(name, data)
	case "mindmap":
		return []string{RepairMindmap(g.renderMindmap(name, data))}
	default:
		return []string{RepairMindmap(g.renderMindmap(name, data))}
	}
}

// renderParagraphFlow draws a linear flow over a "paragraphs" list,
// chunked by the token budget. Kinds without paragraphs get a single
// two-node placeholder flow.
func (g *Generator) renderParagraphFlow(name string, data map[string]interface{}) []string {
	paragraphs := stringList(data["paragraphs"])
	if len(paragraphs) == 0 {
		return []string{fmt.Sprintf("flowchart TD\n  start([%s]) --> done([end])", nodeLabel(name))}
	}

	var chunks []string
	var sb strings.Builder
	sb.WriteString("flowchart TD\n")
	prev := ""
	budget := g.TokenBudget
	used := estimateTokens(sb.String())

	flush := func() {
		if prev != "" {
			chunks = append(chunks, strings.TrimRight(sb.String(), "\n"))
		}
		sb.Reset()
		sb.WriteString("flowchart TD\n")
		prev = ""
		used = estimateTokens("flowchart TD\n")
	}

	for i, p := range paragraphs {
		node := fmt.Sprintf("p%d[%s]", i, nodeLabel(p))
		var line string
		if prev == "" {
			line = fmt.Sprintf("  %s\n", node)
		} else {
			line = fmt.Sprintf("  %s --> %s\n", prev, node)
		}
		cost := estimateTokens(line)
		if used+cost > budget && prev != "" {
			flush()
			line = fmt.Sprintf("  p%d[%s]\n", i, nodeLabel(p))
			cost = estimateTokens(line)
		}
		sb.WriteString(line)
		used += cost
		prev = fmt.Sprintf("p%d", i)
	}
	if prev != "" {
		chunks = append(chunks, strings.TrimRight(sb.String(), "\n"))
	}
	return chunks
}

// renderMindmap draws the artifact name as root with top-level data keys
// as children and scalar values as leaves.
func (g *Generator) renderMindmap(name string, data map[string]interface{}) string {
	var sb strings.Builder
	sb.WriteString("mindmap\n")
	sb.WriteString("  " + nodeLabel(name) + "\n")

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		sb.WriteString("    " + nodeLabel(k) + "\n")
		switch v := data[k].(type) {
		case string:
			sb.WriteString("      " + nodeLabel(v) + "\n")
		case []interface{}:
			limit := len(v)
			if limit > 8 {
				limit = 8
			}
			for _, item := range v[:limit] {
				if s, ok := item.(string); ok {
					sb.WriteString("      " + nodeLabel(s) + "\n")
				}
			}
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// estimateTokens approximates tokens as len/4, the usual prose heuristic.
func estimateTokens(s string) int {
	n := len(s) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// nodeLabel strips characters that break Mermaid node syntax.
func nodeLabel(s string) string {
	replacer := strings.NewReplacer(
		"[", "(", "]", ")",
		"{", "(", "}", ")",
		"\"", "'",
		"\n", " ",
		"|", "/",
	)
	out := strings.TrimSpace(replacer.Replace(s))
	if out == "" {
		out = "item"
	}
	return out
}

func stringList(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		switch t := item.(type) {
		case string:
			out = append(out, t)
		case map[string]interface{}:
			if name, ok := t["name"].(string); ok {
				out = append(out, name)
			}
		}
	}
	return out
}
