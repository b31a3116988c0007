package artifact

import (
	"context"
	"fmt"
	"time"

	"github.com/skamble7/renova/internal/canonical"
)

// SetInputsBaseline replaces the workspace input snapshot. ifAbsentOnly
// makes an existing baseline a no-op success; expectedVersion > 0 guards
// against concurrent baseline writers.
func (s *Store) SetInputsBaseline(ctx context.Context, workspaceID string, inputs map[string]interface{}, ifAbsentOnly bool, expectedVersion int64) (*InputsBaseline, error) {
	unlock := s.keys.Lock(workspaceID + "\x00baseline")
	defer unlock()

	doc, err := s.dal.GetParent(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	if doc.InputsBaseline != nil && ifAbsentOnly {
		return doc.InputsBaseline, nil
	}
	var curVersion int64
	if doc.InputsBaseline != nil {
		curVersion = doc.InputsBaseline.Version
	}
	if expectedVersion > 0 && curVersion != expectedVersion {
		return nil, &PreconditionFailedError{Expected: expectedVersion, Actual: curVersion}
	}

	fp, err := canonical.Fingerprint(inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint baseline inputs: %w", err)
	}
	baseline := &InputsBaseline{
		Inputs:      inputs,
		Fingerprint: fp,
		Version:     curVersion + 1,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := s.dal.SetBaseline(ctx, workspaceID, baseline); err != nil {
		return nil, err
	}
	s.pub.Publish(ctx, "baseline_inputs.set", baselineEvent(workspaceID, baseline))
	return baseline, nil
}

// BaselineMerge is the partial-merge request: avc/pss replace their
// sections, fss stories upsert by their "key" field.
type BaselineMerge struct {
	AVC              map[string]interface{}   `json:"avc,omitempty"`
	PSS              map[string]interface{}   `json:"pss,omitempty"`
	FSSStoriesUpsert []map[string]interface{} `json:"fss_stories_upsert,omitempty"`
}

// MergeInputsBaseline merges sections into the existing baseline and
// bumps its version.
func (s *Store) MergeInputsBaseline(ctx context.Context, workspaceID string, merge BaselineMerge, expectedVersion int64) (*InputsBaseline, error) {
	unlock := s.keys.Lock(workspaceID + "\x00baseline")
	defer unlock()

	doc, err := s.dal.GetParent(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	var inputs map[string]interface{}
	var curVersion int64
	if doc.InputsBaseline != nil {
		inputs = doc.InputsBaseline.Inputs
		curVersion = doc.InputsBaseline.Version
	}
	if inputs == nil {
		inputs = make(map[string]interface{})
	}
	if expectedVersion > 0 && curVersion != expectedVersion {
		return nil, &PreconditionFailedError{Expected: expectedVersion, Actual: curVersion}
	}

	if merge.AVC != nil {
		inputs["avc"] = merge.AVC
	}
	if merge.PSS != nil {
		inputs["pss"] = merge.PSS
	}
	if len(merge.FSSStoriesUpsert) > 0 {
		inputs["fss"] = upsertStories(inputs["fss"], merge.FSSStoriesUpsert)
	}

	fp, err := canonical.Fingerprint(inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint baseline inputs: %w", err)
	}
	baseline := &InputsBaseline{
		Inputs:      inputs,
		Fingerprint: fp,
		Version:     curVersion + 1,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := s.dal.SetBaseline(ctx, workspaceID, baseline); err != nil {
		return nil, err
	}
	s.pub.Publish(ctx, "baseline_inputs.merged", baselineEvent(workspaceID, baseline))
	return baseline, nil
}

// upsertStories merges stories into fss.stories keyed by "key".
func upsertStories(fss interface{}, stories []map[string]interface{}) map[string]interface{} {
	section, _ := fss.(map[string]interface{})
	if section == nil {
		section = make(map[string]interface{})
	}
	existing, _ := section["stories"].([]interface{})

	index := make(map[string]int)
	for i, item := range existing {
		if m, ok := item.(map[string]interface{}); ok {
			if key, ok := m["key"].(string); ok {
				index[key] = i
			}
		}
	}
	for _, story := range stories {
		key, _ := story["key"].(string)
		if i, ok := index[key]; ok && key != "" {
			existing[i] = story
		} else {
			existing = append(existing, story)
			if key != "" {
				index[key] = len(existing) - 1
			}
		}
	}
	section["stories"] = existing
	return section
}

// baselineEvent deliberately carries the fingerprint and version, never
// the raw inputs.
func baselineEvent(workspaceID string, b *InputsBaseline) map[string]interface{} {
	return map[string]interface{}{
		"workspace_id": workspaceID,
		"fingerprint":  b.Fingerprint,
		"version":      b.Version,
	}
}
