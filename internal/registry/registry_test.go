package registry

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

func testKind() *Kind {
	return &Kind{
		ID:       "cam.cobol.program",
		Category: "cobol",
		Status:   KindStatusActive,
		Aliases:  []string{"cobol-program"},
		LatestSchemaVersion: "1.1.0",
		SchemaVersions: []SchemaVersion{
			{
				Version: "1.0.0",
				JSONSchema: map[string]interface{}{
					"type":     "object",
					"required": []interface{}{"program_id"},
					"properties": map[string]interface{}{
						"program_id": map[string]interface{}{"type": "string"},
						"paragraphs": map[string]interface{}{"type": "array"},
					},
				},
				Migrators: []Migrator{
					{From: "1.0.0", To: "1.1.0", Steps: []DSLStep{
						{Move: map[string]string{"program_id": "program.id"}},
					}},
				},
			},
			{
				Version:               "1.1.0",
				AdditionalPropsPolicy: PropsForbid,
				JSONSchema: map[string]interface{}{
					"type":     "object",
					"required": []interface{}{"program"},
					"properties": map[string]interface{}{
						"program": map[string]interface{}{
							"type": "object",
							"properties": map[string]interface{}{
								"id": map[string]interface{}{"type": "string"},
							},
						},
						"paragraphs": map[string]interface{}{"type": "array"},
						"language":   map[string]interface{}{"type": "string"},
					},
				},
				Identity: IdentityRule{Path: "program.id"},
				DiagramRecipes: []DiagramRecipe{
					{ID: "flow", View: "flowchart", Language: "mermaid"},
				},
				Prompt: &PromptSpec{
					System:     "base system",
					StrictJSON: true,
					Variants: []PromptVariant{
						{When: map[string]string{"paradigm": "batch"}, System: "batch system"},
					},
				},
			},
		},
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(NewMemoryStore(), zap.NewNop())
	if _, err := r.UpsertKind(context.Background(), testKind()); err != nil {
		t.Fatalf("UpsertKind failed: %v", err)
	}
	return r
}

func TestResolveKindByIDAndAlias(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	k, err := r.ResolveKind(ctx, "cam.cobol.program")
	if err != nil {
		t.Fatalf("ResolveKind by id failed: %v", err)
	}
	if k.ID != "cam.cobol.program" {
		t.Fatalf("unexpected kind: %s", k.ID)
	}

	k, err = r.ResolveKind(ctx, "cobol-program")
	if err != nil {
		t.Fatalf("ResolveKind by alias failed: %v", err)
	}
	if k.ID != "cam.cobol.program" {
		t.Fatalf("alias resolved to %s", k.ID)
	}

	_, err = r.ResolveKind(ctx, "cam.nope")
	var unknown *UnknownKindError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownKindError, got %v", err)
	}
}

func TestValidateDataReportsPointer(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	// Valid against 1.0.0.
	err := r.ValidateData(ctx, "cam.cobol.program", map[string]interface{}{
		"program_id": "ACCTMGMT",
	}, "1.0.0")
	if err != nil {
		t.Fatalf("expected valid, got %v", err)
	}

	// Missing required field.
	err = r.ValidateData(ctx, "cam.cobol.program", map[string]interface{}{
		"paragraphs": []interface{}{},
	}, "1.0.0")
	var sv *SchemaValidationError
	if !errors.As(err, &sv) {
		t.Fatalf("expected SchemaValidationError, got %v", err)
	}
	if sv.Message == "" {
		t.Fatal("expected a validation message")
	}

	// additionalProperties forbidden on 1.1.0.
	err = r.ValidateData(ctx, "cam.cobol.program", map[string]interface{}{
		"program": map[string]interface{}{"id": "X"},
		"rogue":   true,
	}, "1.1.0")
	if !errors.As(err, &sv) {
		t.Fatalf("expected SchemaValidationError for extra property, got %v", err)
	}
}

func TestValidateDegradesOnBrokenSchema(t *testing.T) {
	r := New(NewMemoryStore(), zap.NewNop())
	ctx := context.Background()
	_, err := r.UpsertKind(ctx, &Kind{
		ID:                  "cam.broken",
		LatestSchemaVersion: "1.0.0",
		SchemaVersions: []SchemaVersion{
			{Version: "1.0.0", JSONSchema: map[string]interface{}{
				"type": 42, // invalid schema
			}},
		},
	})
	if err != nil {
		t.Fatalf("UpsertKind failed: %v", err)
	}

	// Broken schema: no-op validation, anything passes.
	if err := r.ValidateData(ctx, "cam.broken", map[string]interface{}{"x": 1}, ""); err != nil {
		t.Fatalf("expected degraded no-op validation, got %v", err)
	}
}

func TestAdaptAppliesDSLAndCoercions(t *testing.T) {
	r := New(NewMemoryStore(), zap.NewNop())
	ctx := context.Background()
	_, err := r.UpsertKind(ctx, &Kind{
		ID:                  "cam.diagram.deployment",
		LatestSchemaVersion: "1.0.0",
		SchemaVersions: []SchemaVersion{
			{
				Version:    "1.0.0",
				JSONSchema: map[string]interface{}{"type": "object"},
				Adapters: []Adapter{
					{ID: "rename-title", Steps: []DSLStep{
						{Move: map[string]string{"label": "title"}},
						{Defaults: map[string]interface{}{"zone": "default"}},
					}},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("UpsertKind failed: %v", err)
	}

	in := map[string]interface{}{
		"label": "Deployment",
		"nodes": []interface{}{
			map[string]interface{}{"kind": "microservice", "name": "acct"},
			map[string]interface{}{"kind": "database", "name": "db2"},
		},
	}
	out, err := r.Adapt(ctx, "cam.diagram.deployment", in, "")
	if err != nil {
		t.Fatalf("Adapt failed: %v", err)
	}

	if out["title"] != "Deployment" {
		t.Fatalf("move step missed: %+v", out)
	}
	if _, exists := out["label"]; exists {
		t.Fatal("moved source still present")
	}
	if out["zone"] != "default" {
		t.Fatalf("defaults step missed: %+v", out)
	}
	nodes := out["nodes"].([]interface{})
	if nodes[0].(map[string]interface{})["kind"] != "server" {
		t.Fatalf("enum coercion missed: %+v", nodes[0])
	}
	if nodes[1].(map[string]interface{})["kind"] != "database" {
		t.Fatalf("unmapped value rewritten: %+v", nodes[1])
	}

	// Input untouched (deep copy).
	if in["label"] != "Deployment" {
		t.Fatal("Adapt mutated its input")
	}
}

func TestMigrateWalksChainAndStalls(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	out, reached, err := r.Migrate(ctx, "cam.cobol.program", map[string]interface{}{
		"program_id": "ACCTMGMT",
	}, "1.0.0", "")
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if reached != "1.1.0" {
		t.Fatalf("reached = %s, want 1.1.0", reached)
	}
	prog, ok := out["program"].(map[string]interface{})
	if !ok || prog["id"] != "ACCTMGMT" {
		t.Fatalf("move missed: %+v", out)
	}

	// Unreachable target stalls with partial result.
	_, _, err = r.Migrate(ctx, "cam.cobol.program", map[string]interface{}{
		"program_id": "X",
	}, "1.1.0", "9.9.9")
	var stalled *MigrationStalledError
	if !errors.As(err, &stalled) {
		t.Fatalf("expected MigrationStalledError, got %v", err)
	}
	if stalled.Reached != "1.1.0" || stalled.Partial == nil {
		t.Fatalf("unexpected stall info: %+v", stalled)
	}
}

func TestMigrateCycleBounded(t *testing.T) {
	r := New(NewMemoryStore(), zap.NewNop())
	ctx := context.Background()
	_, err := r.UpsertKind(ctx, &Kind{
		ID:                  "cam.cycle",
		LatestSchemaVersion: "b",
		SchemaVersions: []SchemaVersion{
			{Version: "a", JSONSchema: map[string]interface{}{"type": "object"},
				Migrators: []Migrator{{From: "a", To: "a2"}}},
			{Version: "a2", JSONSchema: map[string]interface{}{"type": "object"},
				Migrators: []Migrator{{From: "a2", To: "a"}}},
		},
	})
	if err != nil {
		t.Fatalf("UpsertKind failed: %v", err)
	}
	_, _, err = r.Migrate(ctx, "cam.cycle", map[string]interface{}{}, "a", "b")
	if err == nil {
		t.Fatal("expected cycle to be caught by hop bound")
	}
}

func TestSelectPromptVariants(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	p, _, err := r.SelectPrompt(ctx, "cam.cobol.program", map[string]string{"Paradigm": "BATCH"}, "")
	if err != nil {
		t.Fatalf("SelectPrompt failed: %v", err)
	}
	if p.System != "batch system" {
		t.Fatalf("System = %q, want variant", p.System)
	}

	p, _, err = r.SelectPrompt(ctx, "cam.cobol.program", map[string]string{"paradigm": "online"}, "")
	if err != nil {
		t.Fatalf("SelectPrompt failed: %v", err)
	}
	if p.System != "base system" {
		t.Fatalf("System = %q, want base", p.System)
	}
	if !p.StrictJSON {
		t.Fatal("StrictJSON lost in selection")
	}
}

func TestMetaETagAdvancesOnMutation(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	m1, err := r.Meta(ctx)
	if err != nil {
		t.Fatalf("Meta failed: %v", err)
	}
	if m1.RegistryVersion == 0 || m1.ETag == "" {
		t.Fatalf("meta not initialized: %+v", m1)
	}

	status := KindStatusDeprecated
	if _, err := r.PatchKind(ctx, "cam.cobol.program", KindPatch{Status: &status}); err != nil {
		t.Fatalf("PatchKind failed: %v", err)
	}
	m2, _ := r.Meta(ctx)
	if m2.RegistryVersion != m1.RegistryVersion+1 {
		t.Fatalf("registry_version = %d, want %d", m2.RegistryVersion, m1.RegistryVersion+1)
	}
	if m2.ETag == m1.ETag {
		t.Fatal("etag did not move on mutation")
	}
}

func TestKindsExist(t *testing.T) {
	r := newTestRegistry(t)
	got, err := r.KindsExist(context.Background(), []string{"cam.cobol.program", "cobol-program", "cam.missing"})
	if err != nil {
		t.Fatalf("KindsExist failed: %v", err)
	}
	if !got["cam.cobol.program"] || !got["cobol-program"] || got["cam.missing"] {
		t.Fatalf("unexpected existence map: %+v", got)
	}
}

func TestNaturalKey(t *testing.T) {
	entry := &SchemaVersion{Identity: IdentityRule{Path: "program.id"}}
	key := NaturalKey("cam.cobol.program", entry, "ignored", map[string]interface{}{
		"program": map[string]interface{}{"id": "ACCTMGMT"},
	})
	if key != "cam.cobol.program:acctmgmt" {
		t.Fatalf("key = %q", key)
	}

	// Fallback when the identity path is absent.
	key = NaturalKey("cam.cobol.program", entry, "MyName", map[string]interface{}{})
	if key != "cam.cobol.program:myname" {
		t.Fatalf("fallback key = %q", key)
	}

	// Ordered multi-path identity.
	entry = &SchemaVersion{Identity: IdentityRule{Paths: []string{"system", "region"}}}
	key = NaturalKey("cam.jcl.job", entry, "JOB1", map[string]interface{}{
		"system": "PROD", "region": "EU",
	})
	if key != "cam.jcl.job:prod:eu:job1" {
		t.Fatalf("multi-path key = %q", key)
	}
}
