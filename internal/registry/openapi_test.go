package registry

import (
	"context"
	"testing"
)

func TestOpenAPIUnionOverActiveKinds(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	// A deprecated kind must not enter the union.
	_, err := r.UpsertKind(ctx, &Kind{
		ID:                  "cam.legacy.thing",
		Status:              KindStatusDeprecated,
		LatestSchemaVersion: "1.0.0",
		SchemaVersions: []SchemaVersion{
			{Version: "1.0.0", JSONSchema: map[string]interface{}{"type": "object"}},
		},
	})
	if err != nil {
		t.Fatalf("UpsertKind failed: %v", err)
	}

	b := NewOpenAPIBuilder(r)
	doc, err := b.Spec(ctx)
	if err != nil {
		t.Fatalf("Spec failed: %v", err)
	}

	union, ok := doc.Components.Schemas["ArtifactEnvelope"]
	if !ok {
		t.Fatal("ArtifactEnvelope schema missing")
	}
	if union.Value.Discriminator == nil || union.Value.Discriminator.PropertyName != "kind" {
		t.Fatalf("discriminator missing: %+v", union.Value.Discriminator)
	}
	if len(union.Value.OneOf) != 1 {
		t.Fatalf("oneOf size = %d, want 1 (deprecated excluded)", len(union.Value.OneOf))
	}
	if _, ok := doc.Components.Schemas["CamCobolProgramEnvelope"]; !ok {
		t.Fatal("per-kind envelope schema missing")
	}
	if _, ok := union.Value.Discriminator.Mapping["cam.cobol.program"]; !ok {
		t.Fatal("discriminator mapping missing kind id")
	}
}

func TestOpenAPIRecompilesOnETagChange(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	b := NewOpenAPIBuilder(r)

	doc1, err := b.Spec(ctx)
	if err != nil {
		t.Fatalf("Spec failed: %v", err)
	}
	// Same etag: cached pointer.
	doc2, _ := b.Spec(ctx)
	if doc1 != doc2 {
		t.Fatal("expected cached document for unchanged etag")
	}

	_, err = r.UpsertKind(ctx, &Kind{
		ID:                  "cam.jcl.job",
		Status:              KindStatusActive,
		LatestSchemaVersion: "1.0.0",
		SchemaVersions: []SchemaVersion{
			{Version: "1.0.0", JSONSchema: map[string]interface{}{"type": "object"}},
		},
	})
	if err != nil {
		t.Fatalf("UpsertKind failed: %v", err)
	}

	doc3, err := b.Spec(ctx)
	if err != nil {
		t.Fatalf("Spec after mutation failed: %v", err)
	}
	if doc3 == doc1 {
		t.Fatal("expected recompiled document after etag change")
	}
	union := doc3.Components.Schemas["ArtifactEnvelope"]
	if len(union.Value.OneOf) != 2 {
		t.Fatalf("oneOf size = %d, want 2", len(union.Value.OneOf))
	}
}
