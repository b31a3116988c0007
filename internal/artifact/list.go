package artifact

import (
	"context"
	"sort"
	"strings"
)

// ListFilter narrows and pages artifact listings.
type ListFilter struct {
	Kind           string
	NamePrefix     string
	IncludeDeleted bool
	Limit          int // capped at 200
	Offset         int
}

const maxListLimit = 200

// ListArtifacts returns artifacts sorted by updated_at desc, artifact_id
// asc, after filtering and paging.
func (s *Store) ListArtifacts(ctx context.Context, workspaceID string, f ListFilter) ([]Artifact, int, error) {
	doc, err := s.dal.GetParent(ctx, workspaceID)
	if err != nil {
		return nil, 0, err
	}

	var out []Artifact
	for _, a := range doc.Artifacts {
		if a.Deleted() && !f.IncludeDeleted {
			continue
		}
		if f.Kind != "" && a.Kind != f.Kind {
			continue
		}
		if f.NamePrefix != "" && !strings.HasPrefix(a.Name, f.NamePrefix) {
			continue
		}
		out = append(out, a)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ArtifactID < out[j].ArtifactID
	})

	total := len(out)
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []Artifact{}, total, nil
		}
		out = out[f.Offset:]
	}
	limit := f.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}
