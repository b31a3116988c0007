package diagram

import (
	"strings"
	"testing"

	"github.com/skamble7/renova/internal/registry"
)

func TestGenerateFlowchartFromParagraphs(t *testing.T) {
	g := NewGenerator(0)
	data := map[string]interface{}{
		"paragraphs": []interface{}{"MAIN", "VALIDATE", "COMMIT"},
	}
	diagrams := g.Generate("cam.cobol.program", "ACCT", data, []registry.DiagramRecipe{
		{ID: "flow", View: "flowchart"},
	})
	if len(diagrams) != 1 {
		t.Fatalf("diagrams = %d", len(diagrams))
	}
	d := diagrams[0]
	if d.ID != "flow" || d.Language != "mermaid" {
		t.Fatalf("diagram = %+v", d)
	}
	if !strings.HasPrefix(d.Instructions, "%%{init:") {
		t.Fatal("missing deterministic directive header")
	}
	if !strings.Contains(d.Instructions, "p0[MAIN] --> p1[VALIDATE]") {
		t.Fatalf("flow edges missing:\n%s", d.Instructions)
	}
}

func TestGenerateChunksLargePayloads(t *testing.T) {
	g := NewGenerator(50) // tiny budget to force chunking
	var paragraphs []interface{}
	for i := 0; i < 40; i++ {
		paragraphs = append(paragraphs, "PARAGRAPH-WITH-A-LONG-NAME")
	}
	diagrams := g.Generate("cam.cobol.program", "BIG", map[string]interface{}{
		"paragraphs": paragraphs,
	}, []registry.DiagramRecipe{{ID: "flow", View: "flowchart"}})

	if len(diagrams) < 2 {
		t.Fatalf("expected chunked diagrams, got %d", len(diagrams))
	}
	if diagrams[0].ID != "flow" || diagrams[1].ID != "flow-2" {
		t.Fatalf("chunk ids = %s, %s", diagrams[0].ID, diagrams[1].ID)
	}
	for _, d := range diagrams {
		if !strings.Contains(d.Instructions, "flowchart TD") {
			t.Fatalf("chunk missing flowchart header:\n%s", d.Instructions)
		}
	}
}

func TestRepairMindmapStripsArrowsAndRoots(t *testing.T) {
	src := strings.Join([]string{
		"mindmap",
		"root --> child",
		"  branch -> leaf",
		"other_root",
		"  stray_child",
	}, "\n")
	out := RepairMindmap(src)

	if strings.Contains(out, "-->") || strings.Contains(out, "->") {
		t.Fatalf("arrows survived:\n%s", out)
	}
	lines := strings.Split(out, "\n")
	if lines[0] != "mindmap" {
		t.Fatalf("first line = %q", lines[0])
	}
	// Exactly one line at root depth (two spaces).
	rootCount := 0
	for _, l := range lines[1:] {
		if strings.HasPrefix(l, "  ") && !strings.HasPrefix(l, "    ") {
			rootCount++
		}
	}
	if rootCount != 1 {
		t.Fatalf("root count = %d:\n%s", rootCount, out)
	}
}

func TestGenerateMindmapView(t *testing.T) {
	g := NewGenerator(0)
	diagrams := g.Generate("cam.cobol.copybook", "CUSTREC", map[string]interface{}{
		"fields": []interface{}{"CUST-ID", "CUST-NAME"},
		"usage":  "record layout",
	}, []registry.DiagramRecipe{{ID: "map", View: "mindmap"}})

	if len(diagrams) != 1 {
		t.Fatalf("diagrams = %d", len(diagrams))
	}
	ins := diagrams[0].Instructions
	if !strings.Contains(ins, "mindmap") || !strings.Contains(ins, "CUSTREC") {
		t.Fatalf("mindmap body:\n%s", ins)
	}
	if !strings.Contains(ins, "CUST-ID") {
		t.Fatalf("list leaves missing:\n%s", ins)
	}
}
