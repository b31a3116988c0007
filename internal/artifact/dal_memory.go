package artifact

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryDAL backs tests and stdio mode. Documents are deep-copied on the
// way in and out so callers never share state with the store.
type memoryDAL struct {
	mu      sync.RWMutex
	docs    map[string]*WorkspaceDoc
	patches []*PatchRecord
}

// NewMemoryDAL returns an empty in-memory DAL.
func NewMemoryDAL() DAL {
	return &memoryDAL{docs: make(map[string]*WorkspaceDoc)}
}

func (d *memoryDAL) EnsureIndexes(context.Context) error { return nil }

func (d *memoryDAL) CreateParent(_ context.Context, doc *WorkspaceDoc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.docs[doc.WorkspaceID]; exists {
		return &ConflictError{WorkspaceID: doc.WorkspaceID}
	}
	d.docs[doc.WorkspaceID] = copyDoc(doc)
	return nil
}

func (d *memoryDAL) GetParent(_ context.Context, workspaceID string) (*WorkspaceDoc, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	doc, ok := d.docs[workspaceID]
	if !ok {
		return nil, &NotFoundError{Resource: "workspace", ID: workspaceID}
	}
	return copyDoc(doc), nil
}

func (d *memoryDAL) DeleteParent(_ context.Context, workspaceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.docs[workspaceID]; !ok {
		return &NotFoundError{Resource: "workspace", ID: workspaceID}
	}
	delete(d.docs, workspaceID)
	return nil
}

func (d *memoryDAL) UpdateWorkspaceSnapshot(_ context.Context, workspaceID string, snapshot map[string]interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, ok := d.docs[workspaceID]
	if !ok {
		return &NotFoundError{Resource: "workspace", ID: workspaceID}
	}
	doc.Workspace = snapshot
	doc.UpdatedAt = time.Now().UTC()
	return nil
}

func (d *memoryDAL) SetLastPromotedRun(_ context.Context, workspaceID, runID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, ok := d.docs[workspaceID]
	if !ok {
		return &NotFoundError{Resource: "workspace", ID: workspaceID}
	}
	doc.LastPromotedRunID = runID
	doc.UpdatedAt = time.Now().UTC()
	return nil
}

func (d *memoryDAL) PushArtifact(_ context.Context, workspaceID string, a *Artifact) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, ok := d.docs[workspaceID]
	if !ok {
		return &NotFoundError{Resource: "workspace", ID: workspaceID}
	}
	doc.Artifacts = append(doc.Artifacts, *copyArtifact(a))
	doc.UpdatedAt = time.Now().UTC()
	return nil
}

func (d *memoryDAL) MutateArtifact(_ context.Context, workspaceID, artifactID string, m Mutation) (*Artifact, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, ok := d.docs[workspaceID]
	if !ok {
		return nil, &NotFoundError{Resource: "workspace", ID: workspaceID}
	}
	a := doc.ByID(artifactID)
	if a == nil {
		return nil, &NotFoundError{Resource: "artifact", ID: artifactID}
	}

	if m.Data != nil {
		a.Data = m.Data
	}
	if m.Fingerprint != nil {
		a.Fingerprint = *m.Fingerprint
	}
	if m.SetDiagrams {
		a.Diagrams = m.Diagrams
	}
	if m.DiagramFingerprint != nil {
		a.DiagramFingerprint = *m.DiagramFingerprint
	}
	if m.LastSeenRunID != nil {
		a.Lineage.LastSeenRunID = *m.LastSeenRunID
	}
	if m.Provenance != nil {
		a.Provenance = m.Provenance
	}
	if m.DeletedAt != nil {
		a.DeletedAt = m.DeletedAt
	}
	if m.IncVersion {
		a.Version++
	}
	if !m.UpdatedAt.IsZero() {
		a.UpdatedAt = m.UpdatedAt
		doc.UpdatedAt = m.UpdatedAt
	}
	return copyArtifact(a), nil
}

func (d *memoryDAL) SetBaseline(_ context.Context, workspaceID string, baseline *InputsBaseline) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, ok := d.docs[workspaceID]
	if !ok {
		return &NotFoundError{Resource: "workspace", ID: workspaceID}
	}
	cp := *baseline
	doc.InputsBaseline = &cp
	doc.UpdatedAt = time.Now().UTC()
	return nil
}

func (d *memoryDAL) InsertPatch(_ context.Context, rec *PatchRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *rec
	d.patches = append(d.patches, &cp)
	return nil
}

func (d *memoryDAL) ListPatches(_ context.Context, workspaceID, artifactID string) ([]*PatchRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*PatchRecord
	for _, p := range d.patches {
		if p.WorkspaceID == workspaceID && p.ArtifactID == artifactID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FromVersion < out[j].FromVersion })
	return out, nil
}

func copyDoc(doc *WorkspaceDoc) *WorkspaceDoc {
	cp := *doc
	cp.Artifacts = make([]Artifact, len(doc.Artifacts))
	for i := range doc.Artifacts {
		cp.Artifacts[i] = *copyArtifact(&doc.Artifacts[i])
	}
	if doc.InputsBaseline != nil {
		b := *doc.InputsBaseline
		cp.InputsBaseline = &b
	}
	return &cp
}

func copyArtifact(a *Artifact) *Artifact {
	cp := *a
	if a.DeletedAt != nil {
		t := *a.DeletedAt
		cp.DeletedAt = &t
	}
	if a.Provenance != nil {
		p := *a.Provenance
		cp.Provenance = &p
	}
	cp.Diagrams = append([]Diagram(nil), a.Diagrams...)
	return &cp
}

var _ DAL = (*memoryDAL)(nil)
