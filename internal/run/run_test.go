package run

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/skamble7/renova/internal/artifact"
	"github.com/skamble7/renova/internal/capability"
	"github.com/skamble7/renova/internal/config"
	"github.com/skamble7/renova/internal/llm"
	"github.com/skamble7/renova/internal/mcp"
	"github.com/skamble7/renova/internal/registry"
)

type fakeInvoker struct {
	mu      sync.Mutex
	results map[string]interface{}
	calls   []string
}

func (f *fakeInvoker) CallTool(_ context.Context, tool string, _ map[string]interface{}) (interface{}, error) {
	f.mu.Lock()
	f.calls = append(f.calls, tool)
	result, ok := f.results[tool]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no scripted result for tool %q", tool)
	}
	return result, nil
}

func (f *fakeInvoker) Close() error { return nil }

// blockingProvider parks Complete until the context is canceled, so tests
// can interrupt a run mid-step.
type blockingProvider struct {
	entered chan struct{}
	once    sync.Once
}

func (b *blockingProvider) Complete(ctx context.Context, _ llm.Request) (string, error) {
	b.once.Do(func() { close(b.entered) })
	<-ctx.Done()
	return "", ctx.Err()
}

func (b *blockingProvider) Name() string { return "blocking" }

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(_ context.Context, event string, _ interface{}) bool {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
	return true
}

func (p *recordingPublisher) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	copy(out, p.events)
	return out
}

func seedRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(registry.NewMemoryStore(), nil)
	ctx := context.Background()

	if _, err := reg.UpsertKind(ctx, &registry.Kind{
		ID:       "cam.repo.manifest",
		Category: "repo",
		SchemaVersions: []registry.SchemaVersion{{
			Version: "1.0.0",
			JSONSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"root": map[string]interface{}{"type": "string"}},
				"required":   []interface{}{"root"},
			},
			Identity: registry.IdentityRule{Path: "root"},
		}},
	}); err != nil {
		t.Fatalf("UpsertKind manifest failed: %v", err)
	}

	if _, err := reg.UpsertKind(ctx, &registry.Kind{
		ID:       "cam.cobol.program",
		Category: "cobol",
		SchemaVersions: []registry.SchemaVersion{{
			Version: "1.0.0",
			JSONSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"program_id": map[string]interface{}{"type": "string"}},
				"required":   []interface{}{"program_id"},
			},
			Identity:  registry.IdentityRule{Path: "program_id"},
			DependsOn: registry.DependsOn{Hard: []string{"cam.repo.manifest"}},
			Prompt: &registry.PromptSpec{
				System:       "You analyze COBOL sources.",
				UserTemplate: "Produce one {{.kind}} artifact from the provided context.",
				StrictJSON:   true,
			},
		}},
	}); err != nil {
		t.Fatalf("UpsertKind program failed: %v", err)
	}
	return reg
}

func seedCatalog(t *testing.T, reg *registry.Registry) *capability.Service {
	t.Helper()
	ctx := context.Background()
	svc := capability.NewService(capability.NewMemoryStore(), reg, nil, nil)

	c := &capability.Capability{
		ID:            "cap.cobol.analyze",
		Name:          "COBOL analyzer",
		ProducesKinds: []string{"cam.cobol.program"},
		LLMConfig:     &capability.LLMConfig{Provider: "fake", Model: "test-model"},
	}
	if err := svc.PutCapability(ctx, c); err != nil {
		t.Fatalf("PutCapability failed: %v", err)
	}

	connector := &capability.Integration{
		ID: "mcp-repo",
		Transport: capability.Transport{
			Kind: capability.TransportHTTP,
			HTTP: &capability.HTTPTransport{BaseURL: "http://localhost:9001"},
		},
	}
	p := &capability.Pack{
		Key:           "mainframe",
		Version:       "1.0.0",
		CapabilityIDs: []string{"cap.cobol.analyze"},
		Tools: []capability.PackTool{{
			Key:       "repo.scan",
			Name:      "scan",
			Connector: connector,
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"root": map[string]interface{}{"type": "string"}},
				"required":   []interface{}{"root"},
			},
		}},
		Playbooks: []capability.Playbook{{
			ID: "pb-discovery",
			Steps: []capability.Step{
				{Type: capability.StepToolCall, ToolCall: &capability.ToolCallStep{
					StepCommon: capability.StepCommon{StepID: "s1", Emits: []string{"cam.repo.manifest"}},
					ToolKey:    "repo.scan",
					Params:     map[string]interface{}{"root": "/src"},
				}},
				{Type: capability.StepCapability, Capability: &capability.CapabilityStep{
					StepCommon: capability.StepCommon{
						StepID:         "s2",
						Emits:          []string{"cam.cobol.program"},
						DependsOnSteps: []string{"s1"},
					},
					CapabilityID: "cap.cobol.analyze",
				}},
			},
		}},
	}
	if _, err := svc.CreatePack(ctx, p); err != nil {
		t.Fatalf("CreatePack failed: %v", err)
	}
	return svc
}

type harness struct {
	orch      *Orchestrator
	artifacts *artifact.Store
	pub       *recordingPublisher
	invoker   *fakeInvoker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := seedRegistry(t)
	svc := seedCatalog(t, reg)

	store := artifact.NewStore(artifact.NewMemoryDAL(), reg, nil, zap.NewNop())
	if _, err := store.CreateParentDoc(context.Background(), "ws-1", nil, nil); err != nil {
		t.Fatalf("CreateParentDoc failed: %v", err)
	}

	pub := &recordingPublisher{}
	provider := &scriptedRunProvider{replies: []string{`{"program_id": "acctmgmt", "name": "ACCTMGMT"}`}}
	o := NewOrchestrator(NewMemoryStore(), svc, reg, store, provider, pub, config.RunsConfig{}, zap.NewNop())

	inv := &fakeInvoker{results: map[string]interface{}{
		"scan": map[string]interface{}{"root": "/src"},
	}}
	o.newInvoker = func(*capability.Integration, mcp.Options) (mcp.Invoker, error) {
		return inv, nil
	}
	return &harness{orch: o, artifacts: store, pub: pub, invoker: inv}
}

// scriptedRunProvider replays canned completions in order, repeating the
// last one.
type scriptedRunProvider struct {
	mu      sync.Mutex
	replies []string
	calls   int
}

func (s *scriptedRunProvider) Complete(_ context.Context, _ llm.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.replies) {
		i = len(s.replies) - 1
	}
	s.calls++
	return s.replies[i], nil
}

func (s *scriptedRunProvider) Name() string { return "scripted" }

func waitForTerminal(t *testing.T, o *Orchestrator, runID string) *Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r, err := o.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if r.Status.Terminal() {
			return r
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("run never reached a terminal state")
	return nil
}

func TestTopoOrderRespectsDependsOnAndEdges(t *testing.T) {
	steps := []capability.PlanStep{
		{StepID: "a"},
		{StepID: "b", DependsOnSteps: []string{"c"}},
		{StepID: "c"},
	}
	edges := []capability.Edge{{From: "a", To: "c"}}

	order, err := topoOrder(steps, edges)
	if err != nil {
		t.Fatalf("topoOrder failed: %v", err)
	}
	if diff := cmp.Diff([]int{0, 2, 1}, order); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestTopoOrderDetectsCycle(t *testing.T) {
	steps := []capability.PlanStep{
		{StepID: "a", DependsOnSteps: []string{"b"}},
		{StepID: "b", DependsOnSteps: []string{"a"}},
	}
	if _, err := topoOrder(steps, nil); err == nil {
		t.Fatal("expected a cycle error")
	}
}

func TestTopoOrderRejectsUnknownEdgeStep(t *testing.T) {
	steps := []capability.PlanStep{{StepID: "a"}}
	if _, err := topoOrder(steps, []capability.Edge{{From: "a", To: "ghost"}}); err == nil {
		t.Fatal("expected an unknown-step error")
	}
}

func TestRunBaselineCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r, err := h.orch.StartRun(ctx, Request{
		WorkspaceID: "ws-1",
		PackKey:     "mainframe",
		PackVersion: "1.0.0",
		PlaybookID:  "pb-discovery",
		Inputs:      map[string]interface{}{"root": "/src"},
	})
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if r.Status != StatusCreated {
		t.Fatalf("expected created status immediately, got %s", r.Status)
	}
	if r.PlanID == "" || !strings.HasPrefix(r.PlanID, "pln_") {
		t.Fatalf("run missing plan id: %q", r.PlanID)
	}

	final := waitForTerminal(t, h.orch, r.RunID)
	if final.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (error: %s)", final.Status, final.Error)
	}
	if len(final.Audits) != 2 {
		t.Fatalf("expected 2 step audits, got %d", len(final.Audits))
	}
	for _, a := range final.Audits {
		if a.Status != "completed" {
			t.Fatalf("step %s ended %s: %s", a.StepID, a.Status, a.Error)
		}
	}

	// Baseline strategy promotes both produced kinds into the workspace.
	programs, _, err := h.artifacts.ListArtifacts(ctx, "ws-1", artifact.ListFilter{Kind: "cam.cobol.program"})
	if err != nil {
		t.Fatalf("ListArtifacts failed: %v", err)
	}
	if len(programs) != 1 {
		t.Fatalf("expected 1 program artifact, got %d", len(programs))
	}
	if programs[0].Provenance == nil || programs[0].Provenance.RunID != r.RunID {
		t.Fatalf("artifact missing run provenance: %+v", programs[0].Provenance)
	}
	manifests, _, err := h.artifacts.ListArtifacts(ctx, "ws-1", artifact.ListFilter{Kind: "cam.repo.manifest"})
	if err != nil {
		t.Fatalf("ListArtifacts failed: %v", err)
	}
	if len(manifests) != 1 {
		t.Fatalf("expected 1 manifest artifact, got %d", len(manifests))
	}

	if final.Deltas["cam.repo.manifest"].Added != 1 {
		t.Fatalf("expected manifest counted as added, got %+v", final.Deltas["cam.repo.manifest"])
	}
	if final.Deltas["cam.cobol.program"].Added != 1 {
		t.Fatalf("expected program counted as added, got %+v", final.Deltas["cam.cobol.program"])
	}
	if !strings.Contains(final.Summary.Footer, "cam.cobol.program") {
		t.Fatalf("summary footer missing kind table: %q", final.Summary.Footer)
	}
	if final.Summary.DurationS < 0 {
		t.Fatalf("negative duration: %f", final.Summary.DurationS)
	}

	// The run document records what each step produced, per kind.
	if len(final.Produced["cam.repo.manifest"]) != 1 || len(final.Produced["cam.cobol.program"]) != 1 {
		t.Fatalf("run document missing produced envelopes: %+v", final.Produced)
	}
	if env := final.Produced["cam.cobol.program"][0]; env.Identity == "" || env.SchemaVersion != "1.0.0" {
		t.Fatalf("incomplete produced envelope: %+v", env)
	}
	if !strings.Contains(final.NotesMD, "cam.cobol.program") || !strings.Contains(final.NotesMD, string(StatusCompleted)) {
		t.Fatalf("run notes missing outcome: %q", final.NotesMD)
	}
	if len(final.Summary.Logs) == 0 {
		t.Fatal("run summary has no execution log")
	}
	logs := strings.Join(final.Summary.Logs, "\n")
	if !strings.Contains(logs, "step s1 completed") || !strings.Contains(logs, "step s2 completed") {
		t.Fatalf("execution log missing step lines: %q", logs)
	}

	want := []string{"started", "step.updated", "step.updated", "completed"}
	if diff := cmp.Diff(want, h.pub.snapshot()); diff != "" {
		t.Fatalf("event order mismatch (-want +got):\n%s", diff)
	}
}

func TestRunFailsWhenStepEmitsNothing(t *testing.T) {
	h := newHarness(t)
	h.invoker.results["scan"] = []interface{}{}

	r, err := h.orch.StartRun(context.Background(), Request{
		WorkspaceID: "ws-1",
		PackKey:     "mainframe",
		PackVersion: "1.0.0",
		PlaybookID:  "pb-discovery",
	})
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}

	final := waitForTerminal(t, h.orch, r.RunID)
	if final.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if !strings.Contains(final.Error, "s1") {
		t.Fatalf("error should name the failed step: %q", final.Error)
	}
	if len(final.Errors) != 1 || !strings.Contains(final.Errors[0], "s1") {
		t.Fatalf("run errors should carry the step failure once: %v", final.Errors)
	}
	events := h.pub.snapshot()
	if events[len(events)-1] != "failed" {
		t.Fatalf("expected terminal failed event, got %v", events)
	}
}

func TestRunToleratesEmptyStepWhenPartialAllowed(t *testing.T) {
	h := newHarness(t)
	h.invoker.results["scan"] = []interface{}{}

	r, err := h.orch.StartRun(context.Background(), Request{
		WorkspaceID: "ws-1",
		PackKey:     "mainframe",
		PackVersion: "1.0.0",
		PlaybookID:  "pb-discovery",
		Options:     Options{AllowPartialStepFailures: true},
	})
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}

	final := waitForTerminal(t, h.orch, r.RunID)
	if final.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (error: %s)", final.Status, final.Error)
	}
	if _, ok := final.Deltas["cam.repo.manifest"]; ok {
		t.Fatal("empty step should not contribute deltas")
	}
	if final.Deltas["cam.cobol.program"].Added != 1 {
		t.Fatalf("expected program still produced, got %+v", final.Deltas)
	}
}

// failingInvoker counts calls and always reports a retryable transport
// failure.
type failingInvoker struct {
	mu    sync.Mutex
	calls int
}

func (f *failingInvoker) CallTool(context.Context, string, map[string]interface{}) (interface{}, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return nil, &mcp.ConnectFailureError{Target: "test", Reason: "down"}
}

func (f *failingInvoker) Close() error { return nil }

func TestRetryBudgetOwnedByOneLayer(t *testing.T) {
	o := &Orchestrator{cfg: config.RunsConfig{RetryBackoffBase: time.Millisecond}}
	inv := toolInvocation{tool: "scan", retries: 2}
	ctx := context.Background()

	stdio := &failingInvoker{}
	if _, err := o.callWithRetries(ctx, stdio, inv, nil, false); err == nil {
		t.Fatal("expected call failure")
	}
	if stdio.calls != 3 {
		t.Fatalf("calls = %d, want retries+1 = 3", stdio.calls)
	}

	// When the transport applies the retry budget itself, the
	// orchestrator makes exactly one call.
	transport := &failingInvoker{}
	if _, err := o.callWithRetries(ctx, transport, inv, nil, true); err == nil {
		t.Fatal("expected call failure")
	}
	if transport.calls != 1 {
		t.Fatalf("calls = %d, want 1 when the transport owns retries", transport.calls)
	}
}

func TestCancelAbortsInFlightRun(t *testing.T) {
	h := newHarness(t)
	provider := &blockingProvider{entered: make(chan struct{})}
	h.orch.provider = provider

	r, err := h.orch.StartRun(context.Background(), Request{
		WorkspaceID: "ws-1",
		PackKey:     "mainframe",
		PackVersion: "1.0.0",
		PlaybookID:  "pb-discovery",
	})
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}

	select {
	case <-provider.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("run never reached the llm step")
	}
	if !h.orch.Cancel(r.RunID) {
		t.Fatal("Cancel found no in-flight run")
	}

	final := waitForTerminal(t, h.orch, r.RunID)
	if final.Status != StatusAborted {
		t.Fatalf("expected aborted, got %s", final.Status)
	}
}

func TestCancelUnknownRun(t *testing.T) {
	h := newHarness(t)
	if h.orch.Cancel("run_missing") {
		t.Fatal("Cancel should report false for unknown runs")
	}
}
