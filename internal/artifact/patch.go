package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/skamble7/renova/internal/canonical"
)

// ApplyPatch runs an RFC 6902 patch over a deep copy of the artifact's
// data, replaces the artifact on success, and records the observed
// from/to versions in the patch log. ifMatch > 0 enforces the version
// precondition before anything is applied. A patch whose result equals
// the current data leaves the artifact untouched: no version bump, no
// history entry, no event.
func (s *Store) ApplyPatch(ctx context.Context, workspaceID, artifactID string, patchDoc json.RawMessage, prov *Provenance, ifMatch int64) (*Artifact, error) {
	patch, err := jsonpatch.DecodePatch(patchDoc)
	if err != nil {
		return nil, &InvalidPatchError{Reason: err.Error()}
	}

	existing, err := s.GetArtifact(ctx, workspaceID, artifactID, false)
	if err != nil {
		return nil, err
	}
	if ifMatch > 0 && existing.Version != ifMatch {
		return nil, &PreconditionFailedError{Expected: ifMatch, Actual: existing.Version}
	}

	current, err := json.Marshal(existing.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal artifact data: %w", err)
	}
	modified, err := patch.Apply(current)
	if err != nil {
		return nil, &InvalidPatchError{Reason: err.Error()}
	}
	var newData map[string]interface{}
	if err := json.Unmarshal(modified, &newData); err != nil {
		return nil, &InvalidPatchError{Reason: "patch result is not an object: " + err.Error()}
	}

	fp, err := canonical.Fingerprint(newData)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint patched data: %w", err)
	}
	if fp == existing.Fingerprint {
		return existing, nil
	}

	fromVersion := existing.Version
	updated, err := s.ReplaceArtifact(ctx, workspaceID, artifactID, newData, nil, prov, ifMatch)
	if err != nil {
		return nil, err
	}

	var patchVal interface{}
	_ = json.Unmarshal(patchDoc, &patchVal)
	rec := &PatchRecord{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		ArtifactID:  artifactID,
		FromVersion: fromVersion,
		ToVersion:   updated.Version,
		Patch:       patchVal,
		Provenance:  prov,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.dal.InsertPatch(ctx, rec); err != nil {
		return nil, err
	}
	s.pub.Publish(ctx, "patched", map[string]interface{}{
		"workspace_id": workspaceID,
		"artifact_id":  artifactID,
		"from_version": fromVersion,
		"to_version":   updated.Version,
	})
	return updated, nil
}

// ListPatches returns the patch history for an artifact in version order.
func (s *Store) ListPatches(ctx context.Context, workspaceID, artifactID string) ([]*PatchRecord, error) {
	if _, err := s.GetArtifact(ctx, workspaceID, artifactID, true); err != nil {
		return nil, err
	}
	return s.dal.ListPatches(ctx, workspaceID, artifactID)
}
