package run

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skamble7/renova/internal/artifact"
	"github.com/skamble7/renova/internal/canonical"
	"github.com/skamble7/renova/internal/capability"
	"github.com/skamble7/renova/internal/config"
	"github.com/skamble7/renova/internal/diagram"
	"github.com/skamble7/renova/internal/llm"
	"github.com/skamble7/renova/internal/mcp"
	"github.com/skamble7/renova/internal/registry"
)

// Publisher is the event sink for learning-service events.
type Publisher interface {
	Publish(ctx context.Context, event string, payload interface{}) bool
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, interface{}) bool { return false }

// invokerFactory builds tool invokers; swapped in tests.
type invokerFactory func(*capability.Integration, mcp.Options) (mcp.Invoker, error)

// Orchestrator resolves plans and drives runs through the step DAG.
type Orchestrator struct {
	store     Store
	catalog   *capability.Service
	registry  *registry.Registry
	artifacts *artifact.Store
	provider  llm.Provider
	pub       Publisher
	logger    *zap.Logger
	cfg       config.RunsConfig
	diagrams  *diagram.Generator

	newInvoker invokerFactory

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewOrchestrator wires the run executor. provider and pub may be nil.
func NewOrchestrator(store Store, catalog *capability.Service, reg *registry.Registry, artifacts *artifact.Store, provider llm.Provider, pub Publisher, cfg config.RunsConfig, logger *zap.Logger) *Orchestrator {
	if pub == nil {
		pub = nopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:      store,
		catalog:    catalog,
		registry:   reg,
		artifacts:  artifacts,
		provider:   provider,
		pub:        pub,
		logger:     logger,
		cfg:        cfg,
		diagrams:   diagram.NewGenerator(cfg.DiagramTokenBudget),
		newInvoker: mcp.New,
		cancels:    make(map[string]context.CancelFunc),
	}
}

// StartRun resolves the plan, persists the run in created state, and
// executes it on a background goroutine. The returned run reflects the
// created state.
func (o *Orchestrator) StartRun(ctx context.Context, req Request) (*Run, error) {
	plan, err := o.catalog.Resolve(ctx, req.PackKey, req.PackVersion, req.PlaybookID, req.WorkspaceID)
	if err != nil {
		return nil, err
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = StrategyBaseline
	}
	var inputFP string
	if len(req.Inputs) > 0 {
		if fp, err := canonical.Fingerprint(req.Inputs); err == nil {
			inputFP = fp
		}
	}

	now := time.Now().UTC()
	r := &Run{
		RunID:            "run_" + uuid.NewString(),
		WorkspaceID:      req.WorkspaceID,
		PackKey:          req.PackKey,
		PackVersion:      req.PackVersion,
		PlaybookID:       req.PlaybookID,
		PlanID:           plan.PlanID,
		Strategy:         strategy,
		Status:           StatusCreated,
		Inputs:           req.Inputs,
		InputFingerprint: inputFP,
		Options:          req.Options,
		Deltas:           make(map[string]DiffCounts),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := o.store.Insert(ctx, r); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancels[r.RunID] = cancel
	o.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			o.mu.Lock()
			delete(o.cancels, r.RunID)
			o.mu.Unlock()
		}()
		o.execute(runCtx, r, plan)
	}()

	out := *r
	return &out, nil
}

// Cancel aborts an in-flight run. It reports whether a cancelable run was
// found.
func (o *Orchestrator) Cancel(runID string) bool {
	o.mu.Lock()
	cancel, ok := o.cancels[runID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// CancelAll aborts every in-flight run; used on shutdown signals.
func (o *Orchestrator) CancelAll() {
	o.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(o.cancels))
	for _, c := range o.cancels {
		cancels = append(cancels, c)
	}
	o.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// GetRun loads one run document.
func (o *Orchestrator) GetRun(ctx context.Context, runID string) (*Run, error) {
	return o.store.Get(ctx, runID)
}

// ListRuns lists a workspace's runs, newest first.
func (o *Orchestrator) ListRuns(ctx context.Context, workspaceID string, limit int) ([]*Run, error) {
	return o.store.ListByWorkspace(ctx, workspaceID, limit)
}

// execute drives the run to a terminal state. Event order is
// started → step.updated(…) → completed|failed.
func (o *Orchestrator) execute(ctx context.Context, r *Run, plan *capability.ExecutionPlan) {
	r.Status = StatusRunning
	r.Summary.StartedAt = time.Now().UTC()
	o.persist(ctx, r)
	o.pub.Publish(ctx, "started", o.eventPayload(r, nil))

	order, err := topoOrder(plan.Steps, plan.Edges)
	if err != nil {
		o.finish(ctx, r, StatusFailed, err)
		return
	}
	r.Summary.Logs = append(r.Summary.Logs,
		fmt.Sprintf("plan %s resolved with %d steps", plan.PlanID, len(plan.Steps)))

	produced := make(map[string][]Envelope)
	for _, idx := range order {
		if ctx.Err() != nil {
			o.abort(ctx, r, &plan.Steps[idx])
			return
		}
		step := &plan.Steps[idx]
		audit := o.runStep(ctx, r, plan, step, produced)
		r.Audits = append(r.Audits, *audit)
		// The run document records the produced envelopes per kind.
		// Snapshots keep stored copies isolated from later steps.
		r.Produced = snapshotProduced(produced)
		r.Summary.Logs = append(r.Summary.Logs, fmt.Sprintf("step %s %s", step.StepID, audit.Status))
		if audit.Status == "failed" {
			r.Errors = append(r.Errors, fmt.Sprintf("step %s failed: %s", step.StepID, audit.Error))
		}
		o.persist(ctx, r)
		o.pub.Publish(ctx, "step.updated", o.eventPayload(r, audit))

		if ctx.Err() != nil {
			o.abort(ctx, r, nil)
			return
		}
		if audit.Status == "failed" && !r.Options.AllowPartialStepFailures {
			o.finish(ctx, r, StatusFailed, fmt.Errorf("step %s failed: %s", step.StepID, audit.Error))
			return
		}
	}

	if r.Strategy == StrategyBaseline {
		if err := o.persistProduced(ctx, r, produced); err != nil {
			o.finish(ctx, r, StatusFailed, err)
			return
		}
	}
	o.finish(ctx, r, StatusCompleted, nil)
}

// abort transitions to aborted with a partial audit on the current step.
func (o *Orchestrator) abort(ctx context.Context, r *Run, step *capability.PlanStep) {
	if step != nil {
		r.Audits = append(r.Audits, StepAudit{
			StepID:    step.StepID,
			Mode:      string(step.Mode),
			Status:    "aborted",
			StartedAt: time.Now().UTC(),
		})
	}
	o.finish(context.WithoutCancel(ctx), r, StatusAborted, nil)
}

// finish stamps the summary and notes, persists, and publishes the
// terminal event.
func (o *Orchestrator) finish(ctx context.Context, r *Run, status Status, cause error) {
	r.Status = status
	if cause != nil {
		r.Error = cause.Error()
		if n := len(r.Errors); n == 0 || r.Errors[n-1] != cause.Error() {
			r.Errors = append(r.Errors, cause.Error())
		}
	}
	r.Summary.CompletedAt = time.Now().UTC()
	if !r.Summary.StartedAt.IsZero() {
		r.Summary.DurationS = r.Summary.CompletedAt.Sub(r.Summary.StartedAt).Seconds()
	}
	r.Summary.Footer = countsFooter(r)
	r.Summary.Logs = append(r.Summary.Logs, fmt.Sprintf("run %s in %.1fs", status, r.Summary.DurationS))
	r.NotesMD = runNotes(r)
	o.persist(ctx, r)

	event := "completed"
	if status == StatusFailed || status == StatusAborted {
		event = "failed"
	}
	o.pub.Publish(ctx, event, o.eventPayload(r, nil))
	o.logger.Info("run finished",
		zap.String("run_id", r.RunID),
		zap.String("status", string(status)),
		zap.Float64("duration_s", r.Summary.DurationS))
}

func (o *Orchestrator) persist(ctx context.Context, r *Run) {
	r.UpdatedAt = time.Now().UTC()
	if err := o.store.Update(ctx, r); err != nil {
		o.logger.Error("failed to persist run", zap.String("run_id", r.RunID), zap.Error(err))
	}
}

func (o *Orchestrator) eventPayload(r *Run, audit *StepAudit) map[string]interface{} {
	payload := map[string]interface{}{
		"run_id":       r.RunID,
		"workspace_id": r.WorkspaceID,
		"playbook_id":  r.PlaybookID,
		"status":       r.Status,
	}
	if audit != nil {
		payload["step_id"] = audit.StepID
		payload["step_status"] = audit.Status
	}
	return payload
}

func snapshotProduced(produced map[string][]Envelope) map[string][]Envelope {
	if len(produced) == 0 {
		return nil
	}
	out := make(map[string][]Envelope, len(produced))
	for kind, envs := range produced {
		out[kind] = append([]Envelope(nil), envs...)
	}
	return out
}

// runNotes renders the run's markdown notes: outcome, errors, and the
// per-kind delta table.
func runNotes(r *Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Run %s\n\n", r.RunID)
	fmt.Fprintf(&b, "- status: %s\n- playbook: %s\n- duration: %.1fs\n", r.Status, r.PlaybookID, r.Summary.DurationS)
	if len(r.Errors) > 0 {
		b.WriteString("\n### Errors\n\n")
		for _, e := range r.Errors {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}
	if len(r.Deltas) > 0 {
		b.WriteString("\n" + countsFooter(r))
	}
	return b.String()
}

// countsFooter renders the per-kind delta table appended to the summary.
func countsFooter(r *Run) string {
	if len(r.Deltas) == 0 {
		return fmt.Sprintf("Run %s %s in %.1fs.", r.RunID, r.Status, r.Summary.DurationS)
	}
	footer := "| kind | added | changed | unchanged | removed |\n|---|---|---|---|---|\n"
	for _, kind := range sortedKeys(r.Deltas) {
		d := r.Deltas[kind]
		footer += fmt.Sprintf("| %s | %d | %d | %d | %d |\n", kind, d.Added, d.Changed, d.Unchanged, d.Removed)
	}
	return footer
}

func sortedKeys(m map[string]DiffCounts) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
