package artifact

import (
	"context"
	"testing"
)

func TestComputeDeltasPartition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mk := func(name string) UpsertPayload {
		p := cobolPayload("MAIN")
		p.Name = name
		p.Data["program_id"] = name
		return p
	}

	// run-1 produces A, B, C, D.
	for _, n := range []string{"A", "B", "C", "D"} {
		if _, err := s.UpsertArtifact(ctx, "ws-1", mk(n), "run-1"); err != nil {
			t.Fatalf("seed upsert %s: %v", n, err)
		}
	}
	// D is deleted before run-2.
	d, _ := s.UpsertArtifact(ctx, "ws-1", mk("D"), "run-1")
	if err := s.SoftDeleteArtifact(ctx, "ws-1", d.Artifact.ArtifactID); err != nil {
		t.Fatalf("delete D: %v", err)
	}

	// run-2: E is new, B changes, C re-emitted unchanged, A never seen.
	if _, err := s.UpsertArtifact(ctx, "ws-1", mk("E"), "run-2"); err != nil {
		t.Fatalf("upsert E: %v", err)
	}
	pb := mk("B")
	pb.Data["paragraphs"] = []interface{}{"MAIN", "EXTRA"}
	if _, err := s.UpsertArtifact(ctx, "ws-1", pb, "run-2"); err != nil {
		t.Fatalf("upsert B': %v", err)
	}
	if _, err := s.UpsertArtifact(ctx, "ws-1", mk("C"), "run-2"); err != nil {
		t.Fatalf("upsert C: %v", err)
	}

	deltas, err := s.ComputeRunDeltas(ctx, "ws-1", "run-2", true)
	if err != nil {
		t.Fatalf("ComputeRunDeltas failed: %v", err)
	}

	want := map[string]int{
		DeltaNew:       1, // E
		DeltaUpdated:   1, // B
		DeltaUnchanged: 1, // C
		DeltaRetired:   1, // A
		DeltaDeleted:   1, // D
	}
	for bucket, n := range want {
		if deltas.Counts[bucket] != n {
			t.Errorf("%s = %d, want %d (ids: %v)", bucket, deltas.Counts[bucket], n, deltas.IDs[bucket])
		}
	}

	// Every non-deleted artifact lands in exactly one live bucket.
	live := deltas.Counts[DeltaNew] + deltas.Counts[DeltaUpdated] +
		deltas.Counts[DeltaUnchanged] + deltas.Counts[DeltaRetired]
	doc, _ := s.GetParentDoc(ctx, "ws-1", true)
	nonDeleted := 0
	for i := range doc.Artifacts {
		if !doc.Artifacts[i].Deleted() {
			nonDeleted++
		}
	}
	if live != nonDeleted {
		t.Fatalf("live buckets sum to %d, non-deleted count is %d", live, nonDeleted)
	}
}
