package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
)

// OpenAPIBuilder compiles the discriminated artifact-envelope union over
// all active kinds and caches it per registry ETag. The single and list
// artifact endpoints advertise the union.
type OpenAPIBuilder struct {
	registry *Registry

	mu   sync.Mutex
	etag string
	doc  *openapi3.T
}

// NewOpenAPIBuilder wraps a registry.
func NewOpenAPIBuilder(r *Registry) *OpenAPIBuilder {
	return &OpenAPIBuilder{registry: r}
}

// Spec returns the current OpenAPI document, recompiling when the
// registry ETag has moved since the last build.
func (b *OpenAPIBuilder) Spec(ctx context.Context) (*openapi3.T, error) {
	meta, err := b.registry.Meta(ctx)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.doc != nil && b.etag == meta.ETag {
		return b.doc, nil
	}

	kinds, err := b.registry.ListKinds(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := buildSpec(kinds)
	if err != nil {
		return nil, err
	}
	b.doc = doc
	b.etag = meta.ETag
	return doc, nil
}

func buildSpec(kinds []*Kind) (*openapi3.T, error) {
	doc := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:   "Renova Artifact Store",
			Version: "1.0.0",
		},
		Paths: openapi3.NewPaths(),
		Components: &openapi3.Components{
			Schemas: openapi3.Schemas{},
		},
	}

	var refs openapi3.SchemaRefs
	mapping := make(map[string]string)
	for _, k := range kinds {
		if k.Status != KindStatusActive {
			continue
		}
		entry, ok := k.SchemaFor("")
		if !ok {
			continue
		}
		name := envelopeName(k.ID)
		env, err := envelopeSchema(k, entry)
		if err != nil {
			return nil, fmt.Errorf("failed to build envelope schema for %s: %w", k.ID, err)
		}
		doc.Components.Schemas[name] = openapi3.NewSchemaRef("", env)
		ref := "#/components/schemas/" + name
		refs = append(refs, openapi3.NewSchemaRef(ref, nil))
		mapping[k.ID] = ref
	}

	union := &openapi3.Schema{
		OneOf: refs,
		Discriminator: &openapi3.Discriminator{
			PropertyName: "kind",
			Mapping:      mapping,
		},
	}
	doc.Components.Schemas["ArtifactEnvelope"] = openapi3.NewSchemaRef("", union)

	unionRef := openapi3.NewSchemaRef("#/components/schemas/ArtifactEnvelope", nil)
	listSchema := openapi3.NewArraySchema()
	listSchema.Items = unionRef

	doc.Paths.Set("/artifact/{workspace_id}", &openapi3.PathItem{
		Get: &openapi3.Operation{
			OperationID: "listArtifacts",
			Responses:   responsesFor(openapi3.NewSchemaRef("", listSchema)),
		},
		Post: &openapi3.Operation{
			OperationID: "upsertArtifact",
			Responses:   responsesFor(unionRef),
		},
	})
	doc.Paths.Set("/artifact/{workspace_id}/{artifact_id}", &openapi3.PathItem{
		Get: &openapi3.Operation{
			OperationID: "getArtifact",
			Responses:   responsesFor(unionRef),
		},
	})

	return doc, nil
}

// envelopeSchema builds the concrete per-kind envelope model: kind pinned
// to the literal id, data carrying the kind's JSON Schema.
func envelopeSchema(k *Kind, entry *SchemaVersion) (*openapi3.Schema, error) {
	raw, err := json.Marshal(entry.JSONSchema)
	if err != nil {
		return nil, err
	}
	var dataSchema openapi3.Schema
	if err := json.Unmarshal(raw, &dataSchema); err != nil {
		return nil, err
	}

	kindSchema := openapi3.NewStringSchema()
	kindSchema.Enum = []interface{}{k.ID}

	env := openapi3.NewObjectSchema()
	env.Required = []string{"kind", "name", "data"}
	env.WithProperty("kind", kindSchema)
	env.WithProperty("name", openapi3.NewStringSchema())
	env.WithProperty("schema_version", openapi3.NewStringSchema().WithDefault(entry.Version))
	env.WithProperty("data", &dataSchema)
	return env, nil
}

func responsesFor(ref *openapi3.SchemaRef) *openapi3.Responses {
	resp := openapi3.NewResponse().
		WithDescription("OK").
		WithJSONSchemaRef(ref)
	out := openapi3.NewResponses()
	out.Set("200", &openapi3.ResponseRef{Value: resp})
	return out
}

// envelopeName turns cam.cobol.program into CamCobolProgramEnvelope.
func envelopeName(kindID string) string {
	out := make([]byte, 0, len(kindID)+8)
	upper := true
	for i := 0; i < len(kindID); i++ {
		c := kindID[i]
		if c == '.' || c == '-' || c == '_' {
			upper = true
			continue
		}
		if upper && c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		upper = false
		out = append(out, c)
	}
	return string(out) + "Envelope"
}
