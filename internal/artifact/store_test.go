package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(NewMemoryDAL(), nil, nil, zap.NewNop())
	_, err := s.CreateParentDoc(context.Background(), "ws-1", map[string]interface{}{"name": "Workspace One"}, nil)
	if err != nil {
		t.Fatalf("CreateParentDoc failed: %v", err)
	}
	return s
}

func cobolPayload(paragraphs ...string) UpsertPayload {
	ps := make([]interface{}, len(paragraphs))
	for i, p := range paragraphs {
		ps[i] = p
	}
	return UpsertPayload{
		Kind: "cam.cobol.program",
		Name: "ACCTMGMT",
		Data: map[string]interface{}{
			"program_id": "ACCTMGMT",
			"paragraphs": ps,
		},
	}
}

func TestUpsertInsertThenNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res1, err := s.UpsertArtifact(ctx, "ws-1", cobolPayload("MAIN"), "run-1")
	if err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if res1.Op != OpInsert || res1.Artifact.Version != 1 {
		t.Fatalf("first upsert: op=%s version=%d", res1.Op, res1.Artifact.Version)
	}
	if res1.Artifact.NaturalKey != "cam.cobol.program:acctmgmt" {
		t.Fatalf("natural key = %q", res1.Artifact.NaturalKey)
	}
	if res1.Artifact.Lineage.FirstSeenRunID != "run-1" {
		t.Fatalf("lineage = %+v", res1.Artifact.Lineage)
	}

	res2, err := s.UpsertArtifact(ctx, "ws-1", cobolPayload("MAIN"), "run-2")
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if res2.Op != OpNoop || res2.Artifact.Version != 1 {
		t.Fatalf("second upsert: op=%s version=%d", res2.Op, res2.Artifact.Version)
	}
	if res2.Artifact.ArtifactID != res1.Artifact.ArtifactID {
		t.Fatal("noop changed artifact id")
	}
	if res2.Artifact.Lineage.LastSeenRunID != "run-2" {
		t.Fatalf("last_seen not touched: %+v", res2.Artifact.Lineage)
	}
	if res2.Artifact.Lineage.FirstSeenRunID != "run-1" {
		t.Fatal("first_seen rewritten on noop")
	}
}

func TestUpsertDetectsChange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res1, _ := s.UpsertArtifact(ctx, "ws-1", cobolPayload("MAIN"), "run-1")
	res2, err := s.UpsertArtifact(ctx, "ws-1", cobolPayload("MAIN", "VALIDATE"), "run-2")
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if res2.Op != OpUpdate {
		t.Fatalf("op = %s, want update", res2.Op)
	}
	if res2.Artifact.Version != 2 {
		t.Fatalf("version = %d, want 2", res2.Artifact.Version)
	}
	if res2.Artifact.ArtifactID != res1.Artifact.ArtifactID {
		t.Fatal("update changed artifact id")
	}
	if res2.Artifact.Fingerprint == res1.Artifact.Fingerprint {
		t.Fatal("fingerprint did not change with data")
	}
}

func TestUpsertDiagramOnlyChangeBumpsVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := cobolPayload("MAIN")
	p.Diagrams = []Diagram{{ID: "flow", View: "flowchart", Language: "mermaid", Instructions: "flowchart TD\n  A --> B"}}
	res1, _ := s.UpsertArtifact(ctx, "ws-1", p, "run-1")

	p.Diagrams = []Diagram{{ID: "flow", View: "flowchart", Language: "mermaid", Instructions: "flowchart TD\n  A --> C"}}
	res2, err := s.UpsertArtifact(ctx, "ws-1", p, "run-1")
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if res2.Op != OpUpdate || res2.Artifact.Version != res1.Artifact.Version+1 {
		t.Fatalf("op=%s version=%d", res2.Op, res2.Artifact.Version)
	}
	// Data untouched: same data fingerprint.
	if res2.Artifact.Fingerprint != res1.Artifact.Fingerprint {
		t.Fatal("data fingerprint moved on diagram-only change")
	}
}

func TestSoftDeleteThenResurrect(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res1, _ := s.UpsertArtifact(ctx, "ws-1", cobolPayload("MAIN"), "run-1")
	if err := s.SoftDeleteArtifact(ctx, "ws-1", res1.Artifact.ArtifactID); err != nil {
		t.Fatalf("SoftDeleteArtifact failed: %v", err)
	}
	// Idempotent.
	if err := s.SoftDeleteArtifact(ctx, "ws-1", res1.Artifact.ArtifactID); err != nil {
		t.Fatalf("second delete failed: %v", err)
	}

	// Hidden from default reads.
	if _, err := s.GetArtifact(ctx, "ws-1", res1.Artifact.ArtifactID, false); err == nil {
		t.Fatal("deleted artifact visible without include_deleted")
	}
	if _, err := s.GetArtifact(ctx, "ws-1", res1.Artifact.ArtifactID, true); err != nil {
		t.Fatalf("deleted artifact not visible with include_deleted: %v", err)
	}

	// Same natural key inserts fresh.
	res2, err := s.UpsertArtifact(ctx, "ws-1", cobolPayload("MAIN"), "run-2")
	if err != nil {
		t.Fatalf("resurrect upsert failed: %v", err)
	}
	if res2.Op != OpInsert || res2.Artifact.Version != 1 {
		t.Fatalf("resurrect: op=%s version=%d", res2.Op, res2.Artifact.Version)
	}
	if res2.Artifact.ArtifactID == res1.Artifact.ArtifactID {
		t.Fatal("resurrection reused artifact id")
	}
}

func TestReplaceArtifactPrecondition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, _ := s.UpsertArtifact(ctx, "ws-1", cobolPayload("MAIN"), "run-1")
	id := res.Artifact.ArtifactID

	_, err := s.ReplaceArtifact(ctx, "ws-1", id, map[string]interface{}{"program_id": "X"}, nil, nil, 99)
	var pf *PreconditionFailedError
	if !errors.As(err, &pf) {
		t.Fatalf("expected PreconditionFailedError, got %v", err)
	}

	a, err := s.ReplaceArtifact(ctx, "ws-1", id, map[string]interface{}{"program_id": "X"}, nil, nil, 1)
	if err != nil {
		t.Fatalf("ReplaceArtifact failed: %v", err)
	}
	if a.Version != 2 {
		t.Fatalf("version = %d, want 2", a.Version)
	}
}

func TestPatchRecordsHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, _ := s.UpsertArtifact(ctx, "ws-1", cobolPayload("MAIN"), "run-1")
	id := res.Artifact.ArtifactID
	// Bump to version 2 via plain update first.
	s.UpsertArtifact(ctx, "ws-1", cobolPayload("MAIN", "VALIDATE"), "run-1")

	// History empty before any patch.
	recs, err := s.ListPatches(ctx, "ws-1", id)
	if err != nil {
		t.Fatalf("ListPatches failed: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("history = %d entries before patching", len(recs))
	}

	patch := json.RawMessage(`[{"op":"replace","path":"/program_id","value":"ACCT2"}]`)
	updated, err := s.ApplyPatch(ctx, "ws-1", id, patch, nil, 2)
	if err != nil {
		t.Fatalf("ApplyPatch failed: %v", err)
	}
	if updated.Version != 3 {
		t.Fatalf("version = %d, want 3", updated.Version)
	}
	if updated.Data["program_id"] != "ACCT2" {
		t.Fatalf("patch not applied: %+v", updated.Data)
	}

	recs, _ = s.ListPatches(ctx, "ws-1", id)
	if len(recs) != 1 || recs[0].FromVersion != 2 || recs[0].ToVersion != 3 {
		t.Fatalf("unexpected history: %+v", recs)
	}
}

func TestPatchNoOpKeepsVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, _ := s.UpsertArtifact(ctx, "ws-1", cobolPayload("MAIN"), "run-1")
	id := res.Artifact.ArtifactID

	// Replacing a value with itself yields identical data.
	patch := json.RawMessage(`[{"op":"replace","path":"/program_id","value":"ACCTMGMT"}]`)
	a, err := s.ApplyPatch(ctx, "ws-1", id, patch, nil, 1)
	if err != nil {
		t.Fatalf("ApplyPatch failed: %v", err)
	}
	if a.Version != 1 {
		t.Fatalf("no-op patch bumped version to %d", a.Version)
	}

	recs, err := s.ListPatches(ctx, "ws-1", id)
	if err != nil {
		t.Fatalf("ListPatches failed: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("no-op patch recorded history: %+v", recs)
	}
}

func TestPatchInvalidDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	res, _ := s.UpsertArtifact(ctx, "ws-1", cobolPayload("MAIN"), "run-1")

	_, err := s.ApplyPatch(ctx, "ws-1", res.Artifact.ArtifactID, json.RawMessage(`{"not":"a patch"}`), nil, 0)
	var inv *InvalidPatchError
	if !errors.As(err, &inv) {
		t.Fatalf("expected InvalidPatchError, got %v", err)
	}
}

func TestBaselinePreconditions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b1, err := s.SetInputsBaseline(ctx, "ws-1", map[string]interface{}{"repos": []interface{}{"r1"}}, false, 0)
	if err != nil {
		t.Fatalf("SetInputsBaseline failed: %v", err)
	}
	if b1.Version != 1 || b1.Fingerprint == "" {
		t.Fatalf("baseline = %+v", b1)
	}

	// if_absent_only returns existing untouched.
	b2, err := s.SetInputsBaseline(ctx, "ws-1", map[string]interface{}{"repos": []interface{}{"r2"}}, true, 0)
	if err != nil {
		t.Fatalf("SetInputsBaseline if_absent failed: %v", err)
	}
	if b2.Version != 1 || b2.Fingerprint != b1.Fingerprint {
		t.Fatalf("if_absent_only overwrote baseline: %+v", b2)
	}

	// Wrong expected version.
	_, err = s.SetInputsBaseline(ctx, "ws-1", map[string]interface{}{"repos": []interface{}{}}, false, 7)
	var pf *PreconditionFailedError
	if !errors.As(err, &pf) {
		t.Fatalf("expected PreconditionFailedError, got %v", err)
	}

	// Matching expected version bumps.
	b3, err := s.SetInputsBaseline(ctx, "ws-1", map[string]interface{}{"repos": []interface{}{"r3"}}, false, 1)
	if err != nil {
		t.Fatalf("SetInputsBaseline with version failed: %v", err)
	}
	if b3.Version != 2 {
		t.Fatalf("version = %d, want 2", b3.Version)
	}
}

func TestMergeBaselineUpsertsStoriesByKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.MergeInputsBaseline(ctx, "ws-1", BaselineMerge{
		AVC: map[string]interface{}{"vision": "v1"},
		FSSStoriesUpsert: []map[string]interface{}{
			{"key": "ST-1", "title": "first"},
			{"key": "ST-2", "title": "second"},
		},
	}, 0)
	if err != nil {
		t.Fatalf("MergeInputsBaseline failed: %v", err)
	}

	b, err := s.MergeInputsBaseline(ctx, "ws-1", BaselineMerge{
		FSSStoriesUpsert: []map[string]interface{}{
			{"key": "ST-1", "title": "first amended"},
		},
	}, 0)
	if err != nil {
		t.Fatalf("second merge failed: %v", err)
	}

	fss := b.Inputs["fss"].(map[string]interface{})
	stories := fss["stories"].([]interface{})
	if len(stories) != 2 {
		t.Fatalf("stories = %d, want 2 (upsert by key)", len(stories))
	}
	if stories[0].(map[string]interface{})["title"] != "first amended" {
		t.Fatalf("story not replaced: %+v", stories[0])
	}
	if b.Inputs["avc"].(map[string]interface{})["vision"] != "v1" {
		t.Fatal("avc section lost on merge")
	}
	if b.Version != 2 {
		t.Fatalf("version = %d, want 2", b.Version)
	}
}

func TestListSortsAndPages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"AAA", "BBB", "CCC"} {
		p := cobolPayload("MAIN")
		p.Name = name
		p.Data["program_id"] = name
		if _, err := s.UpsertArtifact(ctx, "ws-1", p, "run-1"); err != nil {
			t.Fatalf("upsert %s failed: %v", name, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	items, total, err := s.ListArtifacts(ctx, "ws-1", ListFilter{})
	if err != nil {
		t.Fatalf("ListArtifacts failed: %v", err)
	}
	if total != 3 || len(items) != 3 {
		t.Fatalf("total=%d len=%d", total, len(items))
	}
	// updated_at desc: most recent first.
	if items[0].Name != "CCC" {
		t.Fatalf("order = %s,%s,%s", items[0].Name, items[1].Name, items[2].Name)
	}

	items, _, _ = s.ListArtifacts(ctx, "ws-1", ListFilter{NamePrefix: "B"})
	if len(items) != 1 || items[0].Name != "BBB" {
		t.Fatalf("prefix filter = %+v", items)
	}

	items, _, _ = s.ListArtifacts(ctx, "ws-1", ListFilter{Limit: 1, Offset: 1})
	if len(items) != 1 || items[0].Name != "BBB" {
		t.Fatalf("paging = %+v", items)
	}
}

func TestDuplicateParentDocConflicts(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateParentDoc(context.Background(), "ws-1", nil, nil)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}
