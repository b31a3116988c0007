package artifact

import (
	"context"
	"time"
)

// Mutation is the typed field-set applied to one embedded artifact. nil
// pointer fields are left untouched; IncVersion adds exactly one to the
// version counter atomically with the field writes.
type Mutation struct {
	Data        map[string]interface{}
	Fingerprint *string

	SetDiagrams        bool
	Diagrams           []Diagram
	DiagramFingerprint *string

	LastSeenRunID *string
	Provenance    *Provenance
	DeletedAt     *time.Time

	IncVersion bool
	UpdatedAt  time.Time
}

// DAL persists workspace aggregates and the patch log. The store layer
// serializes writers per (workspace, natural key); implementations only
// need the individual operations to be atomic.
type DAL interface {
	EnsureIndexes(ctx context.Context) error

	CreateParent(ctx context.Context, doc *WorkspaceDoc) error
	GetParent(ctx context.Context, workspaceID string) (*WorkspaceDoc, error)
	DeleteParent(ctx context.Context, workspaceID string) error
	UpdateWorkspaceSnapshot(ctx context.Context, workspaceID string, snapshot map[string]interface{}) error
	SetLastPromotedRun(ctx context.Context, workspaceID, runID string) error

	// PushArtifact appends a new embedded artifact.
	PushArtifact(ctx context.Context, workspaceID string, a *Artifact) error

	// MutateArtifact applies a Mutation to the embedded artifact matched
	// by artifact id and returns the resulting record.
	MutateArtifact(ctx context.Context, workspaceID, artifactID string, m Mutation) (*Artifact, error)

	SetBaseline(ctx context.Context, workspaceID string, baseline *InputsBaseline) error

	InsertPatch(ctx context.Context, rec *PatchRecord) error
	ListPatches(ctx context.Context, workspaceID, artifactID string) ([]*PatchRecord, error)
}
