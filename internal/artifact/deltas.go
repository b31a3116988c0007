package artifact

import "context"

// ComputeRunDeltas partitions the workspace's artifacts relative to one
// run. Non-deleted artifacts land in exactly one of new, updated,
// unchanged, retired; tombstones land in deleted.
func (s *Store) ComputeRunDeltas(ctx context.Context, workspaceID, runID string, includeIDs bool) (*RunDeltas, error) {
	doc, err := s.dal.GetParent(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return ComputeDeltas(doc, runID, includeIDs), nil
}

// ComputeDeltas is the pure partition over a loaded aggregate.
func ComputeDeltas(doc *WorkspaceDoc, runID string, includeIDs bool) *RunDeltas {
	out := &RunDeltas{
		RunID: runID,
		Counts: map[string]int{
			DeltaNew: 0, DeltaUpdated: 0, DeltaUnchanged: 0, DeltaRetired: 0, DeltaDeleted: 0,
		},
	}
	if includeIDs {
		out.IDs = make(map[string][]string)
	}

	bucketOf := func(a *Artifact) string {
		if a.Deleted() {
			return DeltaDeleted
		}
		switch {
		case a.Lineage.FirstSeenRunID == runID:
			return DeltaNew
		case a.Provenance != nil && a.Provenance.RunID == runID:
			return DeltaUpdated
		case a.Lineage.LastSeenRunID == runID:
			return DeltaUnchanged
		default:
			return DeltaRetired
		}
	}

	for i := range doc.Artifacts {
		a := &doc.Artifacts[i]
		bucket := bucketOf(a)
		out.Counts[bucket]++
		if includeIDs {
			out.IDs[bucket] = append(out.IDs[bucket], a.ArtifactID)
		}
	}
	return out
}
