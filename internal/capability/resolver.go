package capability

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// PlanStep is one normalized, fully resolved unit of execution.
type PlanStep struct {
	StepID         string                 `json:"step_id"`
	Name           string                 `json:"name,omitempty"`
	Mode           StepType               `json:"mode"`
	CapabilityID   string                 `json:"capability_id,omitempty"`
	Integration    *Integration           `json:"integration,omitempty"`
	LLMConfig      *LLMConfig             `json:"llm_config,omitempty"`
	ToolCalls      []ToolBinding          `json:"tool_calls,omitempty"`
	Tool           *PackTool              `json:"tool,omitempty"`
	Params         map[string]interface{} `json:"params,omitempty"`
	Emits          []string               `json:"emits,omitempty"`
	RequiresKinds  []string               `json:"requires_kinds,omitempty"`
	DependsOnSteps []string               `json:"depends_on_steps,omitempty"`
	TimeoutSec     int                    `json:"timeout_sec,omitempty"`
	Retries        int                    `json:"retries,omitempty"`
}

// ExecutionPlan is the materialized, self-contained form of one playbook
// for one workspace: everything a run needs without touching the catalog
// again.
type ExecutionPlan struct {
	PlanID            string              `json:"plan_id"`
	PackKey           string              `json:"pack_key"`
	PackVersion       string              `json:"pack_version"`
	PlaybookID        string              `json:"playbook_id"`
	WorkspaceID       string              `json:"workspace_id"`
	Steps             []PlanStep          `json:"steps"`
	Edges             []Edge              `json:"edges"`
	ArtifactsContract []string            `json:"artifacts_contract"`
	UnmetRequirements map[string][]string `json:"unmet_requirements,omitempty"`
	ResolvedAt        time.Time           `json:"resolved_at"`
}

// Resolve materializes an ExecutionPlan for (pack, version, playbook,
// workspace). Tool params are schema-validated here so a run never starts
// with arguments the tool would reject.
func (s *Service) Resolve(ctx context.Context, key, version, playbookID, workspaceID string) (*ExecutionPlan, error) {
	pack, err := s.store.GetPack(ctx, key, version)
	if err != nil {
		return nil, err
	}
	pb := pack.PlaybookByID(playbookID)
	if pb == nil {
		return nil, &PlaybookNotFoundError{Pack: pack.ID, Playbook: playbookID}
	}

	plan := &ExecutionPlan{
		PlanID:      planID(pack, playbookID, workspaceID),
		PackKey:     pack.Key,
		PackVersion: pack.Version,
		PlaybookID:  playbookID,
		WorkspaceID: workspaceID,
		ResolvedAt:  time.Now().UTC(),
	}

	for i := range pb.Steps {
		ps, err := s.resolveStep(ctx, pack, &pb.Steps[i])
		if err != nil {
			return nil, err
		}
		plan.Steps = append(plan.Steps, *ps)
	}

	plan.Edges = resolveEdges(pb, plan.Steps)
	plan.ArtifactsContract = artifactsContract(pb, plan.Steps)
	plan.UnmetRequirements = unmetRequirements(plan.Steps)
	return plan, nil
}

func (s *Service) resolveStep(ctx context.Context, pack *Pack, step *Step) (*PlanStep, error) {
	if err := step.Validate(); err != nil {
		return nil, &ValidationError{Resource: "pack", Problems: []string{err.Error()}}
	}
	c := step.Common()
	ps := &PlanStep{
		StepID:         c.StepID,
		Name:           c.Name,
		Mode:           step.Type,
		Emits:          c.Emits,
		RequiresKinds:  c.RequiresKinds,
		DependsOnSteps: c.DependsOnSteps,
	}

	switch step.Type {
	case StepCapability:
		capDoc := pack.CapabilityByID(step.Capability.CapabilityID)
		if capDoc == nil {
			return nil, &UnknownCapabilityError{ID: step.Capability.CapabilityID}
		}
		ps.CapabilityID = capDoc.ID
		ps.LLMConfig = capDoc.LLMConfig
		ps.ToolCalls = capDoc.ToolCalls
		ps.Params = step.Capability.Params
		if capDoc.LLMConfig == nil {
			integ, err := s.resolveIntegration(ctx, step.Capability, capDoc)
			if err != nil {
				return nil, err
			}
			ps.Integration = integ
		}

	case StepToolCall:
		tool := pack.ToolByKey(step.ToolCall.ToolKey)
		if tool == nil {
			return nil, &ToolUnknownError{Key: step.ToolCall.ToolKey}
		}
		resolved := *tool
		if resolved.Connector == nil && resolved.ConnectorID != "" {
			conn, err := s.store.GetConnector(ctx, resolved.ConnectorID)
			if err != nil {
				return nil, err
			}
			resolved.Connector = conn
		}
		if err := validateParams(c.StepID, &resolved, step.ToolCall.Params); err != nil {
			return nil, err
		}
		ps.Tool = &resolved
		ps.Params = step.ToolCall.Params
		ps.TimeoutSec = firstNonZero(step.ToolCall.TimeoutSec, resolved.TimeoutSec)
		ps.Retries = firstNonZero(step.ToolCall.Retries, resolved.Retries)
	}
	return ps, nil
}

// resolveIntegration walks the snapshot/ref chain: step snapshot, then
// capability snapshot, then step ref, then capability ref.
func (s *Service) resolveIntegration(ctx context.Context, step *CapabilityStep, capDoc *Capability) (*Integration, error) {
	if step.Integration != nil {
		return step.Integration, nil
	}
	if capDoc.Integration != nil {
		return capDoc.Integration, nil
	}
	ref := step.IntegrationRef
	if ref == "" {
		ref = capDoc.IntegrationRef
	}
	if ref == "" {
		return nil, &ValidationError{Resource: "pack", Problems: []string{
			fmt.Sprintf("step %q resolves to capability %q with no integration or llm_config", step.StepID, capDoc.ID),
		}}
	}
	return s.store.GetConnector(ctx, ref)
}

// validateParams checks tool_call params against the tool's input schema
// when one is declared. A schema that fails to compile is skipped; bad
// catalog data must not block resolution.
func validateParams(stepID string, tool *PackTool, params map[string]interface{}) error {
	schema := tool.InputSchema
	if schema == nil && tool.Connector != nil {
		schema = tool.Connector.ToolSchema(tool.Name)
	}
	if schema == nil {
		return nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("renova://tools/%s.json", tool.Key)
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil
	}

	instRaw, err := json.Marshal(params)
	if err != nil {
		return &ParamsValidationError{StepID: stepID, ToolKey: tool.Key, Message: err.Error()}
	}
	var instance interface{}
	if err := json.Unmarshal(instRaw, &instance); err != nil {
		return &ParamsValidationError{StepID: stepID, ToolKey: tool.Key, Message: err.Error()}
	}
	if instance == nil {
		instance = map[string]interface{}{}
	}
	if err := sch.Validate(instance); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			leaf := ve
			for len(leaf.Causes) > 0 {
				leaf = leaf.Causes[0]
			}
			return &ParamsValidationError{StepID: stepID, ToolKey: tool.Key, Message: leaf.Message}
		}
		return &ParamsValidationError{StepID: stepID, ToolKey: tool.Key, Message: err.Error()}
	}
	return nil
}

// resolveEdges returns the playbook's explicit edges, or the linear
// fallback s_i -> s_{i+1} when none are declared.
func resolveEdges(pb *Playbook, steps []PlanStep) []Edge {
	if len(pb.Edges) > 0 {
		out := make([]Edge, len(pb.Edges))
		copy(out, pb.Edges)
		return out
	}
	var out []Edge
	for i := 0; i+1 < len(steps); i++ {
		out = append(out, Edge{From: steps[i].StepID, To: steps[i+1].StepID})
	}
	return out
}

// artifactsContract is union(step.emits) ∪ playbook.produces, first-seen
// order preserved.
func artifactsContract(pb *Playbook, steps []PlanStep) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(kind string) {
		if kind != "" && !seen[kind] {
			seen[kind] = true
			out = append(out, kind)
		}
	}
	for _, s := range steps {
		for _, k := range s.Emits {
			add(k)
		}
	}
	for _, k := range pb.Produces {
		add(k)
	}
	return out
}

// unmetRequirements reports, per step, the required kinds no prior step
// emits. Advisory only; the run falls back to workspace baseline.
func unmetRequirements(steps []PlanStep) map[string][]string {
	out := make(map[string][]string)
	emitted := make(map[string]bool)
	for _, s := range steps {
		for _, req := range s.RequiresKinds {
			if !emitted[req] {
				out[s.StepID] = append(out[s.StepID], req)
			}
		}
		for _, k := range s.Emits {
			emitted[k] = true
		}
	}
	for id, reqs := range out {
		if len(reqs) == 0 {
			delete(out, id)
		}
	}
	return out
}

func planID(pack *Pack, playbookID, workspaceID string) string {
	seed := fmt.Sprintf("%s:%s:%s:%s:%s",
		pack.Key, pack.Version, playbookID, workspaceID, pack.UpdatedAt.UTC().Format(time.RFC3339Nano))
	sum := sha1.Sum([]byte(seed))
	return "pln_" + hex.EncodeToString(sum[:])[:16]
}

func firstNonZero(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}
