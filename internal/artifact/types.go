// Package artifact implements the per-workspace artifact aggregate:
// versioned idempotent upserts keyed by natural key, soft deletes,
// JSON-patch history, workspace baseline inputs, and run-delta buckets.
package artifact

import "time"

// Op classifies the outcome of an upsert.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpNoop   Op = "noop"
)

// Diagram is a rendered diagram attached to an artifact.
type Diagram struct {
	ID           string `json:"id" bson:"id"`
	View         string `json:"view" bson:"view"`
	Language     string `json:"language" bson:"language"`
	Instructions string `json:"instructions" bson:"instructions"`
}

// Lineage tracks which runs saw an artifact.
type Lineage struct {
	FirstSeenRunID string   `json:"first_seen_run_id,omitempty" bson:"first_seen_run_id,omitempty"`
	LastSeenRunID  string   `json:"last_seen_run_id,omitempty" bson:"last_seen_run_id,omitempty"`
	Supersedes     []string `json:"supersedes,omitempty" bson:"supersedes,omitempty"`
	SupersededBy   string   `json:"superseded_by,omitempty" bson:"superseded_by,omitempty"`
}

// Provenance records how an artifact version came to be.
type Provenance struct {
	RunID             string `json:"run_id,omitempty" bson:"run_id,omitempty"`
	PlaybookID        string `json:"playbook_id,omitempty" bson:"playbook_id,omitempty"`
	ModelID           string `json:"model_id,omitempty" bson:"model_id,omitempty"`
	Step              string `json:"step,omitempty" bson:"step,omitempty"`
	PackKey           string `json:"pack_key,omitempty" bson:"pack_key,omitempty"`
	PackVersion       string `json:"pack_version,omitempty" bson:"pack_version,omitempty"`
	InputsFingerprint string `json:"inputs_fingerprint,omitempty" bson:"inputs_fingerprint,omitempty"`
	Author            string `json:"author,omitempty" bson:"author,omitempty"`
	Agent             string `json:"agent,omitempty" bson:"agent,omitempty"`
	Reason            string `json:"reason,omitempty" bson:"reason,omitempty"`
	SourceRepo        string `json:"source_repo,omitempty" bson:"source_repo,omitempty"`
	SourceRef         string `json:"source_ref,omitempty" bson:"source_ref,omitempty"`
	SourceCommit      string `json:"source_commit,omitempty" bson:"source_commit,omitempty"`
}

// Artifact is one embedded record of the workspace aggregate.
type Artifact struct {
	ArtifactID string `json:"artifact_id" bson:"artifact_id"`
	Kind       string `json:"kind" bson:"kind"`
	Name       string `json:"name" bson:"name"`
	NaturalKey string `json:"natural_key" bson:"natural_key"`

	Data     map[string]interface{} `json:"data" bson:"data"`
	Diagrams []Diagram              `json:"diagrams,omitempty" bson:"diagrams,omitempty"`

	Fingerprint        string `json:"fingerprint" bson:"fingerprint"`
	DiagramFingerprint string `json:"diagram_fingerprint,omitempty" bson:"diagram_fingerprint,omitempty"`

	// Version starts at 1 and increments by exactly one per
	// content-bearing update. Callers treat it as a strong ETag.
	Version int64 `json:"version" bson:"version"`

	Lineage    Lineage     `json:"lineage" bson:"lineage"`
	Provenance *Provenance `json:"provenance,omitempty" bson:"provenance,omitempty"`

	CreatedAt time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" bson:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" bson:"deleted_at,omitempty"`
}

// Deleted reports whether the artifact carries a tombstone.
func (a *Artifact) Deleted() bool { return a.DeletedAt != nil }

// InputsBaseline is the workspace's input snapshot.
type InputsBaseline struct {
	Inputs      map[string]interface{} `json:"inputs" bson:"inputs"`
	Fingerprint string                 `json:"fingerprint" bson:"fingerprint"`
	Version     int64                  `json:"version" bson:"version"`
	UpdatedAt   time.Time              `json:"updated_at" bson:"updated_at"`
}

// WorkspaceDoc is the aggregate: one document per workspace.
type WorkspaceDoc struct {
	WorkspaceID string                 `json:"workspace_id" bson:"workspace_id"`
	Workspace   map[string]interface{} `json:"workspace,omitempty" bson:"workspace,omitempty"`
	Artifacts   []Artifact             `json:"artifacts" bson:"artifacts"`

	InputsBaseline    *InputsBaseline `json:"inputs_baseline,omitempty" bson:"inputs_baseline,omitempty"`
	LastPromotedRunID string          `json:"last_promoted_run_id,omitempty" bson:"last_promoted_run_id,omitempty"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// ActiveByKey finds the non-deleted artifact with the natural key.
func (d *WorkspaceDoc) ActiveByKey(naturalKey string) *Artifact {
	for i := range d.Artifacts {
		a := &d.Artifacts[i]
		if a.NaturalKey == naturalKey && !a.Deleted() {
			return a
		}
	}
	return nil
}

// ByID finds an artifact (deleted or not) by artifact id.
func (d *WorkspaceDoc) ByID(artifactID string) *Artifact {
	for i := range d.Artifacts {
		if d.Artifacts[i].ArtifactID == artifactID {
			return &d.Artifacts[i]
		}
	}
	return nil
}

// UpsertPayload is the request body of an artifact upsert.
type UpsertPayload struct {
	Kind        string                 `json:"kind"`
	Name        string                 `json:"name"`
	Data        map[string]interface{} `json:"data"`
	Diagrams    []Diagram              `json:"diagrams,omitempty"`
	NaturalKey  string                 `json:"natural_key,omitempty"`
	Fingerprint string                 `json:"fingerprint,omitempty"`
	Provenance  *Provenance            `json:"provenance,omitempty"`
}

// PatchRecord is one entry of the JSON-patch history.
type PatchRecord struct {
	ID          string      `json:"id" bson:"_id"`
	WorkspaceID string      `json:"workspace_id" bson:"workspace_id"`
	ArtifactID  string      `json:"artifact_id" bson:"artifact_id"`
	FromVersion int64       `json:"from_version" bson:"from_version"`
	ToVersion   int64       `json:"to_version" bson:"to_version"`
	Patch       interface{} `json:"patch" bson:"patch"`
	Provenance  *Provenance `json:"provenance,omitempty" bson:"provenance,omitempty"`
	CreatedAt   time.Time   `json:"created_at" bson:"created_at"`
}

// DeltaBucket names for run delta computation.
const (
	DeltaNew       = "new"
	DeltaUpdated   = "updated"
	DeltaUnchanged = "unchanged"
	DeltaRetired   = "retired"
	DeltaDeleted   = "deleted"
)

// RunDeltas partitions a workspace's artifacts relative to one run.
type RunDeltas struct {
	RunID  string              `json:"run_id"`
	Counts map[string]int      `json:"counts"`
	IDs    map[string][]string `json:"ids,omitempty"`
}
