package run

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/skamble7/renova/internal/artifact"
)

// persistProduced promotes the run's full produced set into the artifact
// store. Upserts fan out under bounded concurrency; individual failures
// degrade to warnings so one bad artifact never discards the rest.
func (o *Orchestrator) persistProduced(ctx context.Context, r *Run, produced map[string][]Envelope) error {
	var envelopes []Envelope
	kinds := make([]string, 0, len(produced))
	for kind := range produced {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		envelopes = append(envelopes, produced[kind]...)
	}
	if len(envelopes) == 0 {
		return nil
	}

	var (
		mu     sync.Mutex
		failed []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i := range envelopes {
		env := envelopes[i]
		g.Go(func() error {
			payload := artifact.UpsertPayload{
				Kind:     env.Kind,
				Name:     env.Name,
				Data:     env.Data,
				Diagrams: env.Diagrams,
				Provenance: &artifact.Provenance{
					RunID:             r.RunID,
					PlaybookID:        r.PlaybookID,
					PackKey:           r.PackKey,
					PackVersion:       r.PackVersion,
					InputsFingerprint: r.InputFingerprint,
				},
			}
			if _, err := o.artifacts.UpsertArtifact(gctx, r.WorkspaceID, payload, r.RunID); err != nil {
				// Salvage the rest of the batch.
				mu.Lock()
				failed = append(failed, env.Identity)
				mu.Unlock()
				o.logger.Warn("artifact upsert failed during finalize",
					zap.String("run_id", r.RunID),
					zap.String("identity", env.Identity),
					zap.Error(err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if len(failed) == len(envelopes) {
		return fmt.Errorf("all %d artifact upserts failed", len(envelopes))
	}
	if len(failed) > 0 {
		o.logger.Warn("finalize completed with partial persistence",
			zap.String("run_id", r.RunID),
			zap.Int("failed", len(failed)),
			zap.Int("total", len(envelopes)))
	}
	return nil
}
