// Package registry implements the artifact kind registry: a versioned
// catalog of JSON-Schema kinds with aliases, identity rules, adapter and
// migrator DSLs, diagram recipes, prompt variants, and a compiled
// validator pool keyed by the registry ETag.
package registry

import "time"

// KindStatus is the lifecycle state of a kind.
type KindStatus string

const (
	KindStatusActive     KindStatus = "active"
	KindStatusDeprecated KindStatus = "deprecated"
)

// AdditionalPropsPolicy controls unknown properties in artifact data.
type AdditionalPropsPolicy string

const (
	PropsForbid AdditionalPropsPolicy = "forbid"
	PropsAllow  AdditionalPropsPolicy = "allow"
)

// Kind is a named, versioned artifact schema (e.g. cam.cobol.program).
type Kind struct {
	ID       string     `json:"id" bson:"_id"`
	Category string     `json:"category" bson:"category"`
	Status   KindStatus `json:"status" bson:"status"`
	Aliases  []string   `json:"aliases,omitempty" bson:"aliases,omitempty"`

	LatestSchemaVersion string          `json:"latest_schema_version" bson:"latest_schema_version"`
	SchemaVersions      []SchemaVersion `json:"schema_versions" bson:"schema_versions"`

	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// SchemaVersion is one semver-tagged schema entry of a kind.
type SchemaVersion struct {
	Version              string                 `json:"version" bson:"version"`
	JSONSchema           map[string]interface{} `json:"json_schema" bson:"json_schema"`
	AdditionalPropsPolicy AdditionalPropsPolicy `json:"additional_props_policy,omitempty" bson:"additional_props_policy,omitempty"`

	Identity       IdentityRule    `json:"identity,omitempty" bson:"identity,omitempty"`
	Adapters       []Adapter       `json:"adapters,omitempty" bson:"adapters,omitempty"`
	Migrators      []Migrator      `json:"migrators,omitempty" bson:"migrators,omitempty"`
	DiagramRecipes []DiagramRecipe `json:"diagram_recipes,omitempty" bson:"diagram_recipes,omitempty"`
	DependsOn      DependsOn       `json:"depends_on,omitempty" bson:"depends_on,omitempty"`
	Prompt         *PromptSpec     `json:"prompt,omitempty" bson:"prompt,omitempty"`
}

// IdentityRule derives an artifact's natural key from its data. Either an
// ordered list of dotted paths (joined with the name), or a single path.
// The empty rule falls back to "kind:name" lowercased.
type IdentityRule struct {
	Paths []string `json:"paths,omitempty" bson:"paths,omitempty"`
	Path  string   `json:"path,omitempty" bson:"path,omitempty"`
}

// IsZero reports whether no rule is configured.
func (r IdentityRule) IsZero() bool {
	return len(r.Paths) == 0 && r.Path == ""
}

// DSLStep is one transformation over dotted paths into artifact data.
// Steps apply in field order: move, set, defaults, delete.
type DSLStep struct {
	Move     map[string]string      `json:"move,omitempty" bson:"move,omitempty"`
	Set      map[string]interface{} `json:"set,omitempty" bson:"set,omitempty"`
	Defaults map[string]interface{} `json:"defaults,omitempty" bson:"defaults,omitempty"`
	Delete   []string               `json:"delete,omitempty" bson:"delete,omitempty"`
}

// Adapter normalizes incoming data for a schema version.
type Adapter struct {
	ID    string    `json:"id,omitempty" bson:"id,omitempty"`
	Steps []DSLStep `json:"steps" bson:"steps"`
}

// Migrator rewrites data from one schema version to another.
type Migrator struct {
	From  string    `json:"from" bson:"from"`
	To    string    `json:"to" bson:"to"`
	Steps []DSLStep `json:"steps" bson:"steps"`
}

// DiagramRecipe describes one diagram view a kind can render.
type DiagramRecipe struct {
	ID            string                 `json:"id" bson:"id"`
	View          string                 `json:"view" bson:"view"`
	Language      string                 `json:"language,omitempty" bson:"language,omitempty"`
	RendererHints map[string]interface{} `json:"renderer_hints,omitempty" bson:"renderer_hints,omitempty"`
}

// DependsOn lists the kinds whose artifacts feed this kind's context.
type DependsOn struct {
	Hard        []string `json:"hard,omitempty" bson:"hard,omitempty"`
	Soft        []string `json:"soft,omitempty" bson:"soft,omitempty"`
	ContextHint string   `json:"context_hint,omitempty" bson:"context_hint,omitempty"`
}

// PromptSpec holds the LLM prompt for generating artifacts of a kind.
type PromptSpec struct {
	System       string          `json:"system" bson:"system"`
	UserTemplate string          `json:"user_template,omitempty" bson:"user_template,omitempty"`
	StrictJSON   bool            `json:"strict_json" bson:"strict_json"`
	Variants     []PromptVariant `json:"variants,omitempty" bson:"variants,omitempty"`
	PromptRev    string          `json:"prompt_rev,omitempty" bson:"prompt_rev,omitempty"`
}

// PromptVariant overrides the base prompt when its selectors match.
type PromptVariant struct {
	When         map[string]string `json:"when" bson:"when"`
	System       string            `json:"system,omitempty" bson:"system,omitempty"`
	UserTemplate string            `json:"user_template,omitempty" bson:"user_template,omitempty"`
}

// Meta is the registry-wide version marker. Every kind mutation bumps
// RegistryVersion and recomputes ETag.
type Meta struct {
	ETag            string    `json:"etag" bson:"etag"`
	RegistryVersion int64     `json:"registry_version" bson:"registry_version"`
	UpdatedAt       time.Time `json:"updated_at" bson:"updated_at"`
}

// SchemaFor returns the entry for version, or the latest when version is
// empty.
func (k *Kind) SchemaFor(version string) (*SchemaVersion, bool) {
	if version == "" {
		version = k.LatestSchemaVersion
	}
	for i := range k.SchemaVersions {
		if k.SchemaVersions[i].Version == version {
			return &k.SchemaVersions[i], true
		}
	}
	return nil, false
}
