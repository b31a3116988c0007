package artifact

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skamble7/renova/internal/canonical"
	"github.com/skamble7/renova/internal/registry"
)

// Publisher is the store's view of the event bus: fire-and-forget, the
// bool only feeds the X-Event-Published response header.
type Publisher interface {
	Publish(ctx context.Context, event string, payload interface{}) bool
}

// nopPublisher is used when no broker is configured.
type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, interface{}) bool { return false }

// Store is the artifact store service over a DAL. It owns natural-key
// resolution, fingerprints, the upsert state machine, preconditions, the
// patch log, baselines, and run-delta computation.
type Store struct {
	dal      DAL
	registry *registry.Registry
	pub      Publisher
	logger   *zap.Logger

	// Writers serialize per workspace:naturalKey.
	keys *keyedMutex
}

// NewStore builds the store. registry may be nil when identity rules are
// not needed (callers then always pass explicit natural keys). pub may be
// nil.
func NewStore(dal DAL, reg *registry.Registry, pub Publisher, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pub == nil {
		pub = nopPublisher{}
	}
	return &Store{
		dal:      dal,
		registry: reg,
		pub:      pub,
		logger:   logger.Named("artifact"),
		keys:     newKeyedMutex(),
	}
}

// CreateParentDoc creates the workspace aggregate.
func (s *Store) CreateParentDoc(ctx context.Context, workspaceID string, snapshot map[string]interface{}, baseline map[string]interface{}) (*WorkspaceDoc, error) {
	now := time.Now().UTC()
	doc := &WorkspaceDoc{
		WorkspaceID: workspaceID,
		Workspace:   snapshot,
		Artifacts:   []Artifact{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if baseline != nil {
		fp, err := canonical.Fingerprint(baseline)
		if err != nil {
			return nil, fmt.Errorf("failed to fingerprint baseline: %w", err)
		}
		doc.InputsBaseline = &InputsBaseline{Inputs: baseline, Fingerprint: fp, Version: 1, UpdatedAt: now}
	}
	if err := s.dal.CreateParent(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// GetParentDoc loads the aggregate; deleted artifacts are filtered unless
// includeDeleted.
func (s *Store) GetParentDoc(ctx context.Context, workspaceID string, includeDeleted bool) (*WorkspaceDoc, error) {
	doc, err := s.dal.GetParent(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if !includeDeleted {
		kept := doc.Artifacts[:0]
		for _, a := range doc.Artifacts {
			if !a.Deleted() {
				kept = append(kept, a)
			}
		}
		doc.Artifacts = kept
	}
	return doc, nil
}

// DeleteParentDoc removes the aggregate entirely.
func (s *Store) DeleteParentDoc(ctx context.Context, workspaceID string) error {
	return s.dal.DeleteParent(ctx, workspaceID)
}

// RefreshWorkspaceSnapshot replaces the denormalized workspace snapshot.
func (s *Store) RefreshWorkspaceSnapshot(ctx context.Context, workspaceID string, snapshot map[string]interface{}) error {
	return s.dal.UpdateWorkspaceSnapshot(ctx, workspaceID, snapshot)
}

// UpsertResult is the outcome of one upsert.
type UpsertResult struct {
	Artifact       *Artifact
	Op             Op
	EventPublished bool
}

// UpsertArtifact is the authoritative idempotent upsert. See the data
// model: equal fingerprints are a noop, any difference bumps the version
// by one, a missing active artifact inserts at version 1.
func (s *Store) UpsertArtifact(ctx context.Context, workspaceID string, payload UpsertPayload, runID string) (*UpsertResult, error) {
	naturalKey := payload.NaturalKey
	if naturalKey == "" {
		naturalKey = s.resolveNaturalKey(ctx, payload)
	}

	dataFP := payload.Fingerprint
	if dataFP == "" {
		var err error
		dataFP, err = canonical.Fingerprint(payload.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to fingerprint data: %w", err)
		}
	}
	var diagFP string
	if payload.Diagrams != nil {
		var err error
		diagFP, err = canonical.Fingerprint(payload.Diagrams)
		if err != nil {
			return nil, fmt.Errorf("failed to fingerprint diagrams: %w", err)
		}
	}

	unlock := s.keys.Lock(workspaceID + "\x00" + naturalKey)
	defer unlock()

	doc, err := s.dal.GetParent(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	existing := doc.ActiveByKey(naturalKey)

	if existing == nil {
		a := &Artifact{
			ArtifactID:         uuid.NewString(),
			Kind:               payload.Kind,
			Name:               payload.Name,
			NaturalKey:         naturalKey,
			Data:               payload.Data,
			Diagrams:           payload.Diagrams,
			Fingerprint:        dataFP,
			DiagramFingerprint: diagFP,
			Version:            1,
			Lineage:            Lineage{FirstSeenRunID: runID, LastSeenRunID: runID},
			Provenance:         payload.Provenance,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := s.dal.PushArtifact(ctx, workspaceID, a); err != nil {
			return nil, err
		}
		published := s.pub.Publish(ctx, "created", s.eventPayload(workspaceID, a, runID))
		return &UpsertResult{Artifact: a, Op: OpInsert, EventPublished: published}, nil
	}

	sameData := existing.Fingerprint == dataFP
	sameDiagrams := payload.Diagrams == nil || existing.DiagramFingerprint == diagFP

	if sameData && sameDiagrams {
		// Touch lineage only; no version bump, no updated event.
		m := Mutation{LastSeenRunID: &runID, UpdatedAt: now}
		a, err := s.dal.MutateArtifact(ctx, workspaceID, existing.ArtifactID, m)
		if err != nil {
			return nil, err
		}
		return &UpsertResult{Artifact: a, Op: OpNoop}, nil
	}

	m := Mutation{LastSeenRunID: &runID, UpdatedAt: now, IncVersion: true}
	if !sameData {
		m.Data = payload.Data
		m.Fingerprint = &dataFP
	}
	if payload.Diagrams != nil && existing.DiagramFingerprint != diagFP {
		m.SetDiagrams = true
		m.Diagrams = payload.Diagrams
		m.DiagramFingerprint = &diagFP
	}
	if payload.Provenance != nil {
		m.Provenance = payload.Provenance
	}
	a, err := s.dal.MutateArtifact(ctx, workspaceID, existing.ArtifactID, m)
	if err != nil {
		return nil, err
	}
	published := s.pub.Publish(ctx, "updated", s.eventPayload(workspaceID, a, runID))
	return &UpsertResult{Artifact: a, Op: OpUpdate, EventPublished: published}, nil
}

// resolveNaturalKey consults the kind's identity rule when a registry is
// wired, otherwise falls back to kind:name lowercased.
func (s *Store) resolveNaturalKey(ctx context.Context, payload UpsertPayload) string {
	if s.registry != nil {
		if _, entry, err := s.registry.GetSchemaVersion(ctx, payload.Kind, ""); err == nil {
			return registry.NaturalKey(payload.Kind, entry, payload.Name, payload.Data)
		}
	}
	return registry.NaturalKey(payload.Kind, nil, payload.Name, payload.Data)
}

// GetArtifact returns a single artifact; deleted ones only with
// includeDeleted.
func (s *Store) GetArtifact(ctx context.Context, workspaceID, artifactID string, includeDeleted bool) (*Artifact, error) {
	doc, err := s.dal.GetParent(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	a := doc.ByID(artifactID)
	if a == nil || (a.Deleted() && !includeDeleted) {
		return nil, &NotFoundError{Resource: "artifact", ID: artifactID}
	}
	return a, nil
}

// ReplaceArtifact unconditionally replaces data and/or diagrams and bumps
// the version. ifMatch > 0 enforces the version precondition.
func (s *Store) ReplaceArtifact(ctx context.Context, workspaceID, artifactID string, newData map[string]interface{}, newDiagrams []Diagram, prov *Provenance, ifMatch int64) (*Artifact, error) {
	doc, err := s.dal.GetParent(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	existing := doc.ByID(artifactID)
	if existing == nil || existing.Deleted() {
		return nil, &NotFoundError{Resource: "artifact", ID: artifactID}
	}

	unlock := s.keys.Lock(workspaceID + "\x00" + existing.NaturalKey)
	defer unlock()

	// Reload under the lock; the version may have moved.
	doc, err = s.dal.GetParent(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	existing = doc.ByID(artifactID)
	if existing == nil || existing.Deleted() {
		return nil, &NotFoundError{Resource: "artifact", ID: artifactID}
	}
	if ifMatch > 0 && existing.Version != ifMatch {
		return nil, &PreconditionFailedError{Expected: ifMatch, Actual: existing.Version}
	}

	m := Mutation{UpdatedAt: time.Now().UTC(), IncVersion: true}
	if newData != nil {
		fp, err := canonical.Fingerprint(newData)
		if err != nil {
			return nil, fmt.Errorf("failed to fingerprint data: %w", err)
		}
		m.Data = newData
		m.Fingerprint = &fp
	}
	if newDiagrams != nil {
		fp, err := canonical.Fingerprint(newDiagrams)
		if err != nil {
			return nil, fmt.Errorf("failed to fingerprint diagrams: %w", err)
		}
		m.SetDiagrams = true
		m.Diagrams = newDiagrams
		m.DiagramFingerprint = &fp
	}
	if prov != nil {
		m.Provenance = prov
	}
	a, err := s.dal.MutateArtifact(ctx, workspaceID, artifactID, m)
	if err != nil {
		return nil, err
	}
	s.pub.Publish(ctx, "updated", s.eventPayload(workspaceID, a, ""))
	return a, nil
}

// SoftDeleteArtifact sets the tombstone; idempotent on already-deleted.
func (s *Store) SoftDeleteArtifact(ctx context.Context, workspaceID, artifactID string) error {
	doc, err := s.dal.GetParent(ctx, workspaceID)
	if err != nil {
		return err
	}
	existing := doc.ByID(artifactID)
	if existing == nil {
		return &NotFoundError{Resource: "artifact", ID: artifactID}
	}
	if existing.Deleted() {
		return nil
	}

	unlock := s.keys.Lock(workspaceID + "\x00" + existing.NaturalKey)
	defer unlock()

	now := time.Now().UTC()
	if _, err := s.dal.MutateArtifact(ctx, workspaceID, artifactID, Mutation{DeletedAt: &now, UpdatedAt: now}); err != nil {
		return err
	}
	s.pub.Publish(ctx, "deleted", map[string]interface{}{
		"workspace_id": workspaceID,
		"artifact_id":  artifactID,
		"natural_key":  existing.NaturalKey,
		"kind":         existing.Kind,
	})
	return nil
}

func (s *Store) eventPayload(workspaceID string, a *Artifact, runID string) map[string]interface{} {
	return map[string]interface{}{
		"workspace_id": workspaceID,
		"artifact_id":  a.ArtifactID,
		"kind":         a.Kind,
		"name":         a.Name,
		"natural_key":  a.NaturalKey,
		"version":      a.Version,
		"fingerprint":  a.Fingerprint,
		"run_id":       runID,
	}
}
