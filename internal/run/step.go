package run

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/skamble7/renova/internal/artifact"
	"github.com/skamble7/renova/internal/canonical"
	"github.com/skamble7/renova/internal/capability"
	"github.com/skamble7/renova/internal/llm"
	"github.com/skamble7/renova/internal/mcp"
	"github.com/skamble7/renova/internal/registry"
)

// runStep executes one plan step end to end: context assembly, tool or
// LLM execution, validation + enveloping, diagrams, the produced gate,
// and the diff against the workspace. It always returns an audit entry.
func (o *Orchestrator) runStep(ctx context.Context, r *Run, plan *capability.ExecutionPlan, step *capability.PlanStep, produced map[string][]Envelope) *StepAudit {
	audit := &StepAudit{
		StepID:        step.StepID,
		CapabilityID:  step.CapabilityID,
		Mode:          string(step.Mode),
		Status:        "completed",
		InputsPreview: redactPreview(step.Params),
		StartedAt:     time.Now().UTC(),
	}
	defer func() { audit.CompletedAt = time.Now().UTC() }()

	fail := func(err error) *StepAudit {
		audit.Status = "failed"
		audit.Error = err.Error()
		o.logger.Warn("step failed",
			zap.String("run_id", r.RunID),
			zap.String("step_id", step.StepID),
			zap.Error(err))
		return audit
	}

	stepContext, err := o.prepareContext(ctx, r, step, produced)
	if err != nil {
		return fail(fmt.Errorf("prepare_context: %w", err))
	}

	items, err := o.executeStep(ctx, r, step, stepContext, audit)
	if err != nil {
		return fail(err)
	}

	producedNow, err := o.validateAndEnvelope(ctx, r, step, items, produced)
	if err != nil {
		return fail(err)
	}

	if !r.Options.SkipDiagrams {
		o.attachDiagrams(ctx, step, produced, producedNow)
	}

	if missing := gateProduced(step, producedNow); len(missing) > 0 {
		msg := fmt.Errorf("step emitted nothing for kinds: %s", strings.Join(missing, ", "))
		if !r.Options.AllowPartialStepFailures {
			return fail(msg)
		}
		o.logger.Warn("partial step output allowed",
			zap.String("step_id", step.StepID),
			zap.Strings("missing_kinds", missing))
	}

	o.diffStep(ctx, r, producedNow, produced)
	return audit
}

// prepareContext collects, per emitted kind, artifacts of its hard/soft
// dependency kinds: this run's produced items first, then workspace
// fallback, capped per kind.
func (o *Orchestrator) prepareContext(ctx context.Context, r *Run, step *capability.PlanStep, produced map[string][]Envelope) (map[string][]map[string]interface{}, error) {
	limit := o.cfg.ContextItemsPerKind
	if limit <= 0 {
		limit = 25
	}
	out := make(map[string][]map[string]interface{})

	depKinds := make(map[string]bool)
	for _, kindID := range step.Emits {
		if o.registry == nil {
			break
		}
		_, entry, err := o.registry.GetSchemaVersion(ctx, kindID, "")
		if err != nil {
			continue // unknown emits surface later, at validation
		}
		for _, dep := range entry.DependsOn.Hard {
			depKinds[dep] = true
		}
		for _, dep := range entry.DependsOn.Soft {
			depKinds[dep] = true
		}
	}
	for _, dep := range step.RequiresKinds {
		depKinds[dep] = true
	}

	ordered := make([]string, 0, len(depKinds))
	for dep := range depKinds {
		ordered = append(ordered, dep)
	}
	sort.Strings(ordered)

	for _, dep := range ordered {
		var items []map[string]interface{}
		for _, env := range produced[dep] {
			items = append(items, env.Data)
			if len(items) >= limit {
				break
			}
		}
		if len(items) < limit && o.artifacts != nil {
			existing, _, err := o.artifacts.ListArtifacts(ctx, r.WorkspaceID, artifact.ListFilter{
				Kind: dep, Limit: limit - len(items),
			})
			if err != nil {
				return nil, err
			}
			for i := range existing {
				items = append(items, existing[i].Data)
			}
		}
		if len(items) > 0 {
			out[dep] = items
		}
	}
	return out, nil
}

// executeStep produces raw output items via MCP tools or the LLM.
func (o *Orchestrator) executeStep(ctx context.Context, r *Run, step *capability.PlanStep, stepContext map[string][]map[string]interface{}, audit *StepAudit) ([]map[string]interface{}, error) {
	switch {
	case step.Mode == capability.StepToolCall:
		if step.Tool == nil || step.Tool.Connector == nil {
			return nil, fmt.Errorf("tool step %s has no resolved connector", step.StepID)
		}
		return o.invokeTools(ctx, r, step.Tool.Connector, []toolInvocation{{
			tool:       step.Tool.Name,
			schema:     step.Tool.InputSchema,
			args:       step.Params,
			timeoutSec: step.TimeoutSec,
			retries:    step.Retries,
		}}, audit)

	case step.LLMConfig != nil:
		return o.invokeLLM(ctx, r, step, stepContext, audit)

	case step.Integration != nil:
		invocations := make([]toolInvocation, 0, len(step.ToolCalls))
		for _, binding := range step.ToolCalls {
			args := mergeArgs(binding.ArgsTemplate, step.Params)
			invocations = append(invocations, toolInvocation{
				tool:       binding.Tool,
				schema:     step.Integration.ToolSchema(binding.Tool),
				args:       args,
				timeoutSec: binding.TimeoutSec,
				retries:    binding.Retries,
			})
		}
		return o.invokeTools(ctx, r, step.Integration, invocations, audit)

	default:
		return nil, fmt.Errorf("step %s has neither integration nor llm_config", step.StepID)
	}
}

type toolInvocation struct {
	tool       string
	schema     map[string]interface{}
	args       map[string]interface{}
	timeoutSec int
	retries    int
}

// invokeTools runs the invocations against one integration, with
// sanitized interpolated args and per-call audits.
func (o *Orchestrator) invokeTools(ctx context.Context, r *Run, integ *capability.Integration, invocations []toolInvocation, audit *StepAudit) ([]map[string]interface{}, error) {
	vars := o.runVars(r)
	invoker, err := o.newInvoker(integ, mcp.Options{
		Logger:        o.logger,
		CorrelationID: r.RunID,
		Vars:          vars,
		BackoffBase:   o.cfg.RetryBackoffBase,
	})
	if err != nil {
		return nil, err
	}
	defer invoker.Close()

	// HTTP transports apply the snapshot's retry budget inside the
	// transport; retrying here as well would multiply attempts.
	transportRetries := integ.Transport.HTTP != nil

	var items []map[string]interface{}
	for _, inv := range invocations {
		args := mcp.SanitizeArgs(mcp.InterpolateArgs(inv.args, vars), inv.schema)

		started := time.Now()
		result, err := o.callWithRetries(ctx, invoker, inv, args, transportRetries)
		call := ToolCallAudit{Tool: inv.tool, DurationMS: time.Since(started).Milliseconds()}
		if err != nil {
			call.Error = err.Error()
			audit.Calls = append(audit.Calls, call)
			return nil, fmt.Errorf("tool %s: %w", inv.tool, err)
		}
		out := normalizeItems(result)
		call.ProducedCount = len(out)
		audit.Calls = append(audit.Calls, call)
		items = append(items, out...)
	}
	return items, nil
}

// callWithRetries honors the binding's retry budget with exponential
// backoff. Tool-reported errors and schema violations are not retried;
// repeating the same bad arguments cannot succeed. When the transport
// owns retries, exactly one call is made.
func (o *Orchestrator) callWithRetries(ctx context.Context, invoker mcp.Invoker, inv toolInvocation, args map[string]interface{}, transportRetries bool) (interface{}, error) {
	attempts := inv.retries + 1
	if attempts < 1 || transportRetries {
		attempts = 1
	}
	base := o.cfg.RetryBackoffBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(base * time.Duration(1<<(attempt-1))):
			}
		}

		callCtx := ctx
		cancel := context.CancelFunc(func() {})
		if inv.timeoutSec > 0 {
			callCtx, cancel = context.WithTimeout(ctx, time.Duration(inv.timeoutSec)*time.Second)
		}
		result, err := invoker.CallTool(callCtx, inv.tool, args)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err

		var toolErr *mcp.ToolError
		var schemaErr *mcp.SchemaViolationError
		if errors.As(err, &toolErr) || errors.As(err, &schemaErr) {
			break
		}
	}
	return nil, lastErr
}

// invokeLLM renders the kind's prompt and requests strict JSON.
func (o *Orchestrator) invokeLLM(ctx context.Context, r *Run, step *capability.PlanStep, stepContext map[string][]map[string]interface{}, audit *StepAudit) ([]map[string]interface{}, error) {
	if o.provider == nil {
		return nil, fmt.Errorf("step %s needs an llm provider, none configured", step.StepID)
	}
	if len(step.Emits) == 0 {
		return nil, fmt.Errorf("llm step %s emits no kinds", step.StepID)
	}
	kindID := step.Emits[0]

	selectors := map[string]string{}
	for k, v := range r.Options.RuntimeVars {
		selectors[k] = v
	}
	prompt, entry, err := o.registry.SelectPrompt(ctx, kindID, selectors, "")
	if err != nil {
		return nil, err
	}

	rendered, err := llm.RenderPrompt(prompt.UserTemplate, map[string]interface{}{
		"inputs":         r.Inputs,
		"context":        stepContext,
		"name":           step.Name,
		"kind":           kindID,
		"schema_version": entry.Version,
	})
	if err != nil {
		return nil, err
	}

	started := time.Now()
	parsed, _, err := llm.CompleteJSON(ctx, o.provider, llm.Request{
		System:      prompt.System,
		Prompt:      rendered,
		JSONSchema:  entry.JSONSchema,
		Temperature: step.LLMConfig.Temperature,
		MaxTokens:   step.LLMConfig.MaxTokens,
	})
	call := ToolCallAudit{Tool: o.provider.Name(), DurationMS: time.Since(started).Milliseconds()}
	if err != nil {
		call.Error = err.Error()
		audit.Calls = append(audit.Calls, call)
		return nil, fmt.Errorf("llm generation: %w", err)
	}
	items := normalizeItems(parsed)
	call.ProducedCount = len(items)
	audit.Calls = append(audit.Calls, call)
	return items, nil
}

// validateAndEnvelope validates each item against its kind's latest
// schema, computes identity, and appends envelopes to produced.
func (o *Orchestrator) validateAndEnvelope(ctx context.Context, r *Run, step *capability.PlanStep, items []map[string]interface{}, produced map[string][]Envelope) ([]Envelope, error) {
	var out []Envelope
	for _, item := range items {
		kindID, name, data := splitItem(item, step)
		if kindID == "" {
			return nil, fmt.Errorf("item has no kind and step %s emits none", step.StepID)
		}

		kind, entry, err := o.registry.GetSchemaVersion(ctx, kindID, "")
		if err != nil {
			return nil, err
		}
		if err := o.registry.ValidateData(ctx, kind.ID, data, entry.Version); err != nil {
			return nil, err
		}
		identity := registry.NaturalKey(kind.ID, entry, name, data)

		env := Envelope{
			Kind:          kind.ID,
			SchemaVersion: entry.Version,
			Identity:      identity,
			Name:          name,
			Data:          data,
		}
		out = append(out, env)
		produced[kind.ID] = append(produced[kind.ID], env)
	}
	return out, nil
}

// attachDiagrams renders recipe diagrams for each envelope produced now.
func (o *Orchestrator) attachDiagrams(ctx context.Context, step *capability.PlanStep, produced map[string][]Envelope, producedNow []Envelope) {
	for i := range producedNow {
		env := &producedNow[i]
		recipes, err := o.registry.GetDiagramRecipes(ctx, env.Kind, env.SchemaVersion)
		if err != nil || len(recipes) == 0 {
			continue
		}
		diagrams := o.diagrams.Generate(env.Kind, env.Name, env.Data, recipes)
		env.Diagrams = diagrams
		// Mirror into the shared produced map; envelopes there are copies.
		list := produced[env.Kind]
		for j := range list {
			if list[j].Identity == env.Identity {
				list[j].Diagrams = diagrams
			}
		}
	}
}

// gateProduced lists emitted kinds with no produced item.
func gateProduced(step *capability.PlanStep, producedNow []Envelope) []string {
	got := make(map[string]bool, len(producedNow))
	for _, env := range producedNow {
		got[env.Kind] = true
	}
	var missing []string
	for _, kind := range step.Emits {
		if !got[kind] {
			missing = append(missing, kind)
		}
	}
	return missing
}

// diffStep indexes produced and workspace artifacts by (kind, identity)
// and accumulates added/changed/unchanged/removed counts.
func (o *Orchestrator) diffStep(ctx context.Context, r *Run, producedNow []Envelope, producedAll map[string][]Envelope) {
	byKind := make(map[string][]Envelope)
	for _, env := range producedNow {
		byKind[env.Kind] = append(byKind[env.Kind], env)
	}

	for kindID, envs := range byKind {
		existing, _, err := o.artifacts.ListArtifacts(ctx, r.WorkspaceID, artifact.ListFilter{Kind: kindID, Limit: 200})
		if err != nil {
			o.logger.Warn("diff skipped, workspace listing failed",
				zap.String("kind", kindID), zap.Error(err))
			continue
		}
		baseline := make(map[string]*artifact.Artifact, len(existing))
		for i := range existing {
			baseline[existing[i].NaturalKey] = &existing[i]
		}

		counts := r.Deltas[kindID]
		seen := make(map[string]bool)
		for _, env := range envs {
			seen[env.Identity] = true
			prior, ok := baseline[env.Identity]
			switch {
			case !ok:
				counts.Added++
			case fingerprintsDiffer(prior, env):
				counts.Changed++
			default:
				counts.Unchanged++
			}
		}
		for key := range baseline {
			if !seen[key] {
				counts.Removed++
			}
		}
		r.Deltas[kindID] = counts
	}
}

func fingerprintsDiffer(prior *artifact.Artifact, env Envelope) bool {
	fp, err := canonical.Fingerprint(env.Data)
	if err != nil {
		return true
	}
	return prior.Fingerprint != fp
}

// splitItem extracts (kind, name, data) from one raw output item.
// Enveloped items carry kind/name/data; bare items inherit the step's
// single emitted kind.
func splitItem(item map[string]interface{}, step *capability.PlanStep) (kindID, name string, data map[string]interface{}) {
	if d, ok := item["data"].(map[string]interface{}); ok {
		kindID, _ = item["kind"].(string)
		name, _ = item["name"].(string)
		if kindID != "" {
			return kindID, name, d
		}
	}
	if len(step.Emits) > 0 {
		kindID = step.Emits[0]
	}
	name, _ = item["name"].(string)
	return kindID, name, item
}

// normalizeItems flattens a tool or model result into output items:
// {"items": […]} unwraps, bare lists map, a single object stands alone.
func normalizeItems(result interface{}) []map[string]interface{} {
	switch v := result.(type) {
	case map[string]interface{}:
		if items, ok := v["items"].([]interface{}); ok {
			return normalizeList(items)
		}
		return []map[string]interface{}{v}
	case []interface{}:
		return normalizeList(v)
	default:
		return nil
	}
}

func normalizeList(items []interface{}) []map[string]interface{} {
	var out []map[string]interface{}
	for _, item := range items {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

// mergeArgs overlays step params onto the binding's args template.
func mergeArgs(template, params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(template)+len(params))
	for k, v := range template {
		out[k] = v
	}
	for k, v := range params {
		out[k] = v
	}
	return out
}

// runVars builds the interpolation map: runtime vars plus deep-flattened
// inputs.
func (o *Orchestrator) runVars(r *Run) map[string]string {
	vars := make(map[string]string)
	mcp.FlattenVars("", r.Inputs, vars)
	for k, v := range r.Options.RuntimeVars {
		vars[k] = v
	}
	return vars
}

// redactPreview keeps argument keys only, never values.
func redactPreview(params map[string]interface{}) []string {
	if len(params) == 0 {
		return nil
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
