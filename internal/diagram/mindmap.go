package diagram

import "strings"

// RepairMindmap normalizes model- or recipe-produced mindmap text into
// syntax Mermaid accepts: arrows stripped, exactly one root, children
// expressed by indentation only.
func RepairMindmap(src string) string {
	lines := strings.Split(src, "\n")
	var body []string
	header := "mindmap"

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		// The keyword is re-emitted below; directives stay with the caller.
		if trimmed == "mindmap" || strings.HasPrefix(trimmed, "%%") {
			continue
		}
		// Arrow syntax belongs to flowcharts; keep the target label only.
		for _, arrow := range []string{"-->", "---", "->"} {
			if i := strings.Index(trimmed, arrow); i >= 0 {
				trimmed = strings.TrimSpace(trimmed[:i])
				break
			}
		}
		if trimmed == "" {
			continue
		}
		indent := countIndent(line)
		body = append(body, strings.Repeat(" ", indent)+trimmed)
	}

	if len(body) == 0 {
		return header
	}

	// Enforce a single root: the first line becomes depth 1; any later
	// line at or below the root depth is pushed under it.
	rootIndent := countIndent(body[0])
	var out []string
	out = append(out, header)
	out = append(out, "  "+strings.TrimSpace(body[0]))
	for _, line := range body[1:] {
		indent := countIndent(line)
		depth := (indent - rootIndent) / 2
		if depth < 1 {
			depth = 1
		}
		out = append(out, strings.Repeat("  ", depth+1)+strings.TrimSpace(line))
	}
	return strings.Join(out, "\n")
}

func countIndent(s string) int {
	n := 0
	for _, r := range s {
		if r == ' ' {
			n++
		} else if r == '\t' {
			n += 2
		} else {
			break
		}
	}
	return n
}
