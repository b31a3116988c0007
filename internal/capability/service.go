package capability

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/skamble7/renova/internal/registry"
)

// Publisher is the event sink surface the service needs. Publish is
// best-effort and reports whether the event went out.
type Publisher interface {
	Publish(ctx context.Context, event string, payload interface{}) bool
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, interface{}) bool { return false }

// Service owns the capability catalog: write validation, pack lifecycle,
// playbook management, and capability CRUD.
type Service struct {
	store    Store
	registry *registry.Registry
	pub      Publisher
	logger   *zap.Logger
}

// NewService wires the catalog service. registry may be nil, in which
// case kind existence checks are skipped; pub may be nil.
func NewService(store Store, reg *registry.Registry, pub Publisher, logger *zap.Logger) *Service {
	if pub == nil {
		pub = nopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, registry: reg, pub: pub, logger: logger}
}

// --- capabilities ---

// PutCapability validates and upserts one capability document.
func (s *Service) PutCapability(ctx context.Context, c *Capability) error {
	if err := s.validateCapability(ctx, c); err != nil {
		return err
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if err := s.store.PutCapability(ctx, c); err != nil {
		return err
	}
	s.pub.Publish(ctx, "updated", map[string]interface{}{"capability_id": c.ID})
	return nil
}

func (s *Service) GetCapability(ctx context.Context, id string) (*Capability, error) {
	return s.store.GetCapability(ctx, id)
}

func (s *Service) ListCapabilities(ctx context.Context) ([]*Capability, error) {
	return s.store.ListCapabilities(ctx)
}

func (s *Service) DeleteCapability(ctx context.Context, id string) error {
	if err := s.store.DeleteCapability(ctx, id); err != nil {
		return err
	}
	s.pub.Publish(ctx, "deleted", map[string]interface{}{"capability_id": id})
	return nil
}

// validateCapability checks structure plus kind existence against the
// registry when one is wired.
func (s *Service) validateCapability(ctx context.Context, c *Capability) error {
	var problems []string
	if c.ID == "" {
		problems = append(problems, "id is required")
	}
	if len(c.ProducesKinds) == 0 {
		problems = append(problems, "produces_kinds must not be empty")
	}
	if c.Integration != nil {
		if err := c.Integration.Transport.Validate(); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if c.LLMConfig == nil && c.Integration == nil && c.IntegrationRef == "" {
		problems = append(problems, "capability needs llm_config, an integration snapshot, or integration_ref")
	}
	if s.registry != nil {
		refs := append(append([]string{}, c.ProducesKinds...), c.RequiresKinds...)
		exists, err := s.registry.KindsExist(ctx, refs)
		if err != nil {
			return fmt.Errorf("failed to check kind existence: %w", err)
		}
		var unknown []string
		for id, ok := range exists {
			if !ok {
				unknown = append(unknown, id)
			}
		}
		sort.Strings(unknown)
		for _, id := range unknown {
			problems = append(problems, fmt.Sprintf("unknown kind %q", id))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Resource: "capability", Problems: problems}
	}
	return nil
}

// --- packs ---

// CreatePack validates the bundle, freezes capability snapshots for any
// listed capability id without one, and inserts it. Duplicate
// (key, version) yields ConflictError.
func (s *Service) CreatePack(ctx context.Context, p *Pack) (*Pack, error) {
	if p.Key == "" || p.Version == "" {
		return nil, &ValidationError{Resource: "pack", Problems: []string{"key and version are required"}}
	}
	p.ID = PackID(p.Key, p.Version)

	if err := s.snapshotCapabilities(ctx, p); err != nil {
		return nil, err
	}
	if err := validatePack(p); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := s.store.InsertPack(ctx, p); err != nil {
		return nil, err
	}
	s.pub.Publish(ctx, "pack.created", map[string]interface{}{"key": p.Key, "version": p.Version})
	s.logger.Info("pack created", zap.String("pack", p.ID), zap.Int("playbooks", len(p.Playbooks)))
	return p, nil
}

// snapshotCapabilities copies the current capability documents into the
// pack for every capability_id that has no frozen snapshot yet.
func (s *Service) snapshotCapabilities(ctx context.Context, p *Pack) error {
	for _, id := range p.CapabilityIDs {
		if p.CapabilityByID(id) != nil {
			continue
		}
		c, err := s.store.GetCapability(ctx, id)
		if err != nil {
			return err
		}
		p.Capabilities = append(p.Capabilities, *c)
	}
	return nil
}

func (s *Service) GetPack(ctx context.Context, key, version string) (*Pack, error) {
	return s.store.GetPack(ctx, key, version)
}

func (s *Service) ListPacks(ctx context.Context, key string) ([]*Pack, error) {
	return s.store.ListPacks(ctx, key)
}

// UpdatePack replaces a pack's mutable surface (title, description,
// tools, playbooks) while preserving identity and creation time.
func (s *Service) UpdatePack(ctx context.Context, p *Pack) (*Pack, error) {
	existing, err := s.store.GetPack(ctx, p.Key, p.Version)
	if err != nil {
		return nil, err
	}
	p.ID = existing.ID
	p.CreatedAt = existing.CreatedAt
	if err := s.snapshotCapabilities(ctx, p); err != nil {
		return nil, err
	}
	if err := validatePack(p); err != nil {
		return nil, err
	}
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.ReplacePack(ctx, p); err != nil {
		return nil, err
	}
	s.pub.Publish(ctx, "pack.updated", map[string]interface{}{"key": p.Key, "version": p.Version})
	return p, nil
}

func (s *Service) DeletePack(ctx context.Context, key, version string) error {
	if err := s.store.DeletePack(ctx, key, version); err != nil {
		return err
	}
	s.pub.Publish(ctx, "pack.deleted", map[string]interface{}{"key": key, "version": version})
	return nil
}

// --- playbooks ---

// AddPlaybook validates and appends one playbook to a pack.
func (s *Service) AddPlaybook(ctx context.Context, key, version string, pb Playbook) (*Pack, error) {
	p, err := s.store.GetPack(ctx, key, version)
	if err != nil {
		return nil, err
	}
	if p.PlaybookByID(pb.ID) != nil {
		return nil, &ConflictError{Resource: "playbook", ID: pb.ID}
	}
	p.Playbooks = append(p.Playbooks, pb)
	if err := validatePack(p); err != nil {
		return nil, err
	}
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.ReplacePack(ctx, p); err != nil {
		return nil, err
	}
	s.pub.Publish(ctx, "pack.playbook.added", map[string]interface{}{
		"key": key, "version": version, "playbook_id": pb.ID,
	})
	return p, nil
}

// UpdatePlaybook replaces one playbook in place.
func (s *Service) UpdatePlaybook(ctx context.Context, key, version string, pb Playbook) (*Pack, error) {
	p, err := s.store.GetPack(ctx, key, version)
	if err != nil {
		return nil, err
	}
	found := false
	for i := range p.Playbooks {
		if p.Playbooks[i].ID == pb.ID {
			p.Playbooks[i] = pb
			found = true
			break
		}
	}
	if !found {
		return nil, &PlaybookNotFoundError{Pack: p.ID, Playbook: pb.ID}
	}
	if err := validatePack(p); err != nil {
		return nil, err
	}
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.ReplacePack(ctx, p); err != nil {
		return nil, err
	}
	s.pub.Publish(ctx, "pack.playbook.updated", map[string]interface{}{
		"key": key, "version": version, "playbook_id": pb.ID,
	})
	return p, nil
}

// DeletePlaybook removes one playbook by id.
func (s *Service) DeletePlaybook(ctx context.Context, key, version, playbookID string) (*Pack, error) {
	p, err := s.store.GetPack(ctx, key, version)
	if err != nil {
		return nil, err
	}
	kept := p.Playbooks[:0]
	found := false
	for _, pb := range p.Playbooks {
		if pb.ID == playbookID {
			found = true
			continue
		}
		kept = append(kept, pb)
	}
	if !found {
		return nil, &PlaybookNotFoundError{Pack: p.ID, Playbook: playbookID}
	}
	p.Playbooks = kept
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.ReplacePack(ctx, p); err != nil {
		return nil, err
	}
	s.pub.Publish(ctx, "pack.playbook.deleted", map[string]interface{}{
		"key": key, "version": version, "playbook_id": playbookID,
	})
	return p, nil
}

// ReorderPlaybooks rewrites playbook order to match ids, which must be a
// permutation of the current playbook ids.
func (s *Service) ReorderPlaybooks(ctx context.Context, key, version string, ids []string) (*Pack, error) {
	p, err := s.store.GetPack(ctx, key, version)
	if err != nil {
		return nil, err
	}
	if len(ids) != len(p.Playbooks) {
		return nil, &ValidationError{Resource: "pack", Problems: []string{
			fmt.Sprintf("reorder lists %d playbooks, pack has %d", len(ids), len(p.Playbooks)),
		}}
	}
	byID := make(map[string]*Playbook, len(p.Playbooks))
	for i := range p.Playbooks {
		byID[p.Playbooks[i].ID] = &p.Playbooks[i]
	}
	reordered := make([]Playbook, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		pb, ok := byID[id]
		if !ok || seen[id] {
			return nil, &PlaybookNotFoundError{Pack: p.ID, Playbook: id}
		}
		seen[id] = true
		reordered = append(reordered, *pb)
	}
	p.Playbooks = reordered
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.ReplacePack(ctx, p); err != nil {
		return nil, err
	}
	s.pub.Publish(ctx, "pack.updated", map[string]interface{}{"key": key, "version": version})
	return p, nil
}

// validatePack enforces the write-time pack rules: steps reference known
// capability ids and tool keys, depends_on_steps stay inside their
// playbook without duplicates, and edges reference known step ids.
func validatePack(p *Pack) error {
	var problems []string

	capIDs := make(map[string]bool, len(p.CapabilityIDs))
	for _, id := range p.CapabilityIDs {
		capIDs[id] = true
	}
	toolKeys := make(map[string]bool, len(p.Tools))
	for _, t := range p.Tools {
		toolKeys[t.Key] = true
	}

	for _, pb := range p.Playbooks {
		if pb.ID == "" {
			problems = append(problems, "playbook without id")
			continue
		}
		stepIDs := make(map[string]bool, len(pb.Steps))
		for i := range pb.Steps {
			step := &pb.Steps[i]
			if err := step.Validate(); err != nil {
				problems = append(problems, fmt.Sprintf("playbook %s: %v", pb.ID, err))
				continue
			}
			id := step.ID()
			if stepIDs[id] {
				problems = append(problems, fmt.Sprintf("playbook %s: duplicate step id %q", pb.ID, id))
			}
			stepIDs[id] = true

			switch step.Type {
			case StepCapability:
				if !capIDs[step.Capability.CapabilityID] {
					problems = append(problems, fmt.Sprintf(
						"playbook %s step %s: capability %q not in pack.capability_ids",
						pb.ID, id, step.Capability.CapabilityID))
				}
			case StepToolCall:
				if !toolKeys[step.ToolCall.ToolKey] {
					problems = append(problems, fmt.Sprintf(
						"playbook %s step %s: tool %q not in pack.tools",
						pb.ID, id, step.ToolCall.ToolKey))
				}
			}
		}
		for i := range pb.Steps {
			c := pb.Steps[i].Common()
			if c == nil {
				continue
			}
			seen := make(map[string]bool, len(c.DependsOnSteps))
			for _, dep := range c.DependsOnSteps {
				if !stepIDs[dep] {
					problems = append(problems, fmt.Sprintf(
						"playbook %s step %s: depends_on %q is not a step in this playbook",
						pb.ID, c.StepID, dep))
				}
				if seen[dep] {
					problems = append(problems, fmt.Sprintf(
						"playbook %s step %s: duplicate depends_on %q", pb.ID, c.StepID, dep))
				}
				seen[dep] = true
			}
		}
		for _, e := range pb.Edges {
			if !stepIDs[e.From] || !stepIDs[e.To] {
				problems = append(problems, fmt.Sprintf(
					"playbook %s: edge %s->%s references unknown step", pb.ID, e.From, e.To))
			}
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Resource: "pack", Problems: problems}
	}
	return nil
}
