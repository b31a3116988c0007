package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skamble7/renova/internal/canonical"
)

// Registry is the kind registry service. All reads resolve aliases, all
// writes bump the registry version and recompute the ETag, and the
// validator pool is invalidated whenever the ETag moves.
type Registry struct {
	store  Store
	logger *zap.Logger

	pool *validatorPool

	// refreshMu guards the meta/etag transition; double-checked so
	// concurrent mutations serialize without blocking readers.
	refreshMu sync.Mutex
	etag      string
}

// New builds a Registry over the given store.
func New(store Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:  store,
		logger: logger.Named("registry"),
		pool:   newValidatorPool(logger.Named("registry.validators")),
	}
}

// ResolveKind finds a kind by id, falling back to alias lookup.
func (r *Registry) ResolveKind(ctx context.Context, idOrAlias string) (*Kind, error) {
	k, err := r.store.GetKind(ctx, idOrAlias)
	if err == nil {
		return k, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}
	k, err = r.store.FindByAlias(ctx, idOrAlias)
	if err != nil {
		if IsNotFound(err) {
			return nil, &UnknownKindError{IDOrAlias: idOrAlias}
		}
		return nil, err
	}
	return k, nil
}

// ListKinds returns all kinds.
func (r *Registry) ListKinds(ctx context.Context) ([]*Kind, error) {
	return r.store.ListKinds(ctx)
}

// KindsExist reports, per id or alias, whether a kind is registered.
func (r *Registry) KindsExist(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		_, err := r.ResolveKind(ctx, id)
		switch err.(type) {
		case nil:
			out[id] = true
		case *UnknownKindError:
			out[id] = false
		default:
			return nil, err
		}
	}
	return out, nil
}

// GetSchemaVersion returns the schema entry for the kind, defaulting to
// the latest version.
func (r *Registry) GetSchemaVersion(ctx context.Context, kindID, version string) (*Kind, *SchemaVersion, error) {
	k, err := r.ResolveKind(ctx, kindID)
	if err != nil {
		return nil, nil, err
	}
	entry, ok := k.SchemaFor(version)
	if !ok {
		return nil, nil, &UnknownSchemaVersionError{Kind: k.ID, Version: version}
	}
	return k, entry, nil
}

// ValidateData checks data against the kind's schema for version
// (default latest).
func (r *Registry) ValidateData(ctx context.Context, kindID string, data map[string]interface{}, version string) error {
	k, entry, err := r.GetSchemaVersion(ctx, kindID, version)
	if err != nil {
		return err
	}
	return r.pool.validate(k.ID, entry, data)
}

// Adapt deep-copies data and applies the version's adapters in order,
// followed by the kind's declarative post-normalizations.
func (r *Registry) Adapt(ctx context.Context, kindID string, data map[string]interface{}, version string) (map[string]interface{}, error) {
	k, entry, err := r.GetSchemaVersion(ctx, kindID, version)
	if err != nil {
		return nil, err
	}
	out := deepCopyMap(data)
	if out == nil {
		out = make(map[string]interface{})
	}
	for _, a := range entry.Adapters {
		for _, s := range a.Steps {
			applyStep(out, s)
		}
	}
	for _, c := range postNormalizers[k.ID] {
		applyCoercion(out, c)
	}
	return out, nil
}

// Migrate walks the migrator chain from fromVersion toward toVersion
// (default latest). A missing step stops migration and returns the
// partial result inside MigrationStalledError.
func (r *Registry) Migrate(ctx context.Context, kindID string, data map[string]interface{}, fromVersion, toVersion string) (map[string]interface{}, string, error) {
	k, err := r.ResolveKind(ctx, kindID)
	if err != nil {
		return nil, "", err
	}
	if toVersion == "" {
		toVersion = k.LatestSchemaVersion
	}

	cur := deepCopyMap(data)
	curVersion := fromVersion
	for hops := 0; curVersion != toVersion; hops++ {
		if hops >= maxMigrationHops {
			return cur, curVersion, fmt.Errorf("migration for %s exceeded %d hops (cycle suspected)", k.ID, maxMigrationHops)
		}
		mig := findMigrator(k, curVersion)
		if mig == nil {
			return cur, curVersion, &MigrationStalledError{
				Kind:    k.ID,
				From:    fromVersion,
				Target:  toVersion,
				Reached: curVersion,
				Partial: cur,
			}
		}
		cur = applySteps(cur, mig.Steps)
		curVersion = mig.To
	}
	return cur, curVersion, nil
}

func findMigrator(k *Kind, from string) *Migrator {
	for i := range k.SchemaVersions {
		for j := range k.SchemaVersions[i].Migrators {
			if k.SchemaVersions[i].Migrators[j].From == from {
				return &k.SchemaVersions[i].Migrators[j]
			}
		}
	}
	return nil
}

// GetDiagramRecipes returns the recipes of a schema version.
func (r *Registry) GetDiagramRecipes(ctx context.Context, kindID, version string) ([]DiagramRecipe, error) {
	_, entry, err := r.GetSchemaVersion(ctx, kindID, version)
	if err != nil {
		return nil, err
	}
	return entry.DiagramRecipes, nil
}

// GetDiagramRecipe finds a recipe by id or view.
func (r *Registry) GetDiagramRecipe(ctx context.Context, kindID, recipeID, view string) (*DiagramRecipe, error) {
	recipes, err := r.GetDiagramRecipes(ctx, kindID, "")
	if err != nil {
		return nil, err
	}
	for i := range recipes {
		if recipeID != "" && recipes[i].ID == recipeID {
			return &recipes[i], nil
		}
		if recipeID == "" && view != "" && recipes[i].View == view {
			return &recipes[i], nil
		}
	}
	return nil, fmt.Errorf("kind %s has no diagram recipe matching id=%q view=%q", kindID, recipeID, view)
}

// SelectPrompt resolves the prompt for a kind and selector set.
func (r *Registry) SelectPrompt(ctx context.Context, kindID string, selectors map[string]string, version string) (*SelectedPrompt, *SchemaVersion, error) {
	_, entry, err := r.GetSchemaVersion(ctx, kindID, version)
	if err != nil {
		return nil, nil, err
	}
	p := SelectPrompt(entry.Prompt, selectors)
	if p == nil {
		return nil, nil, fmt.Errorf("kind %s@%s has no prompt", kindID, entry.Version)
	}
	return p, entry, nil
}

// Meta returns the current registry meta document.
func (r *Registry) Meta(ctx context.Context) (*Meta, error) {
	return r.store.GetMeta(ctx)
}

// UpsertKind creates or replaces a kind and advances the registry version.
func (r *Registry) UpsertKind(ctx context.Context, kind *Kind) (*Kind, error) {
	if kind.ID == "" {
		return nil, fmt.Errorf("kind id is required")
	}
	if kind.Status == "" {
		kind.Status = KindStatusActive
	}
	if kind.LatestSchemaVersion == "" && len(kind.SchemaVersions) > 0 {
		kind.LatestSchemaVersion = kind.SchemaVersions[len(kind.SchemaVersions)-1].Version
	}
	kind.UpdatedAt = time.Now().UTC()
	if err := r.store.PutKind(ctx, kind); err != nil {
		return nil, err
	}
	if err := r.bumpMeta(ctx); err != nil {
		return nil, err
	}
	return kind, nil
}

// KindPatch is a partial kind mutation.
type KindPatch struct {
	Category          *string          `json:"category,omitempty"`
	Status            *KindStatus      `json:"status,omitempty"`
	Aliases           *[]string        `json:"aliases,omitempty"`
	AddSchemaVersion  *SchemaVersion   `json:"add_schema_version,omitempty"`
	SetLatestVersion  *string          `json:"set_latest_version,omitempty"`
}

// PatchKind applies a partial mutation and advances the registry version.
func (r *Registry) PatchKind(ctx context.Context, id string, patch KindPatch) (*Kind, error) {
	k, err := r.ResolveKind(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Category != nil {
		k.Category = *patch.Category
	}
	if patch.Status != nil {
		k.Status = *patch.Status
	}
	if patch.Aliases != nil {
		k.Aliases = *patch.Aliases
	}
	if patch.AddSchemaVersion != nil {
		k.SchemaVersions = append(k.SchemaVersions, *patch.AddSchemaVersion)
		k.LatestSchemaVersion = patch.AddSchemaVersion.Version
	}
	if patch.SetLatestVersion != nil {
		if _, ok := k.SchemaFor(*patch.SetLatestVersion); !ok {
			return nil, &UnknownSchemaVersionError{Kind: k.ID, Version: *patch.SetLatestVersion}
		}
		k.LatestSchemaVersion = *patch.SetLatestVersion
	}
	k.UpdatedAt = time.Now().UTC()
	if err := r.store.PutKind(ctx, k); err != nil {
		return nil, err
	}
	if err := r.bumpMeta(ctx); err != nil {
		return nil, err
	}
	return k, nil
}

// RemoveKind deletes a kind and advances the registry version.
func (r *Registry) RemoveKind(ctx context.Context, id string) error {
	if err := r.store.DeleteKind(ctx, id); err != nil {
		if IsNotFound(err) {
			return &UnknownKindError{IDOrAlias: id}
		}
		return err
	}
	return r.bumpMeta(ctx)
}

// bumpMeta advances registry_version, recomputes the ETag and clears the
// validator pool. Double-checked under refreshMu: a concurrent bump that
// already moved the etag past ours is left alone.
func (r *Registry) bumpMeta(ctx context.Context) error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	meta, err := r.store.GetMeta(ctx)
	if err != nil {
		return err
	}
	meta.RegistryVersion++
	meta.UpdatedAt = time.Now().UTC()
	etag, err := canonical.Fingerprint(map[string]interface{}{
		"v": meta.RegistryVersion,
		"t": meta.UpdatedAt.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("failed to compute registry etag: %w", err)
	}
	meta.ETag = etag
	if err := r.store.PutMeta(ctx, meta); err != nil {
		return err
	}

	if r.etag != meta.ETag {
		r.etag = meta.ETag
		r.pool.clear()
		r.logger.Info("registry etag advanced",
			zap.Int64("registry_version", meta.RegistryVersion),
			zap.String("etag", meta.ETag))
	}
	return nil
}
