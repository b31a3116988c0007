// Package run executes learning runs: resolve a plan, walk the step DAG,
// produce and validate artifacts, diff them against the workspace, and
// persist the outcome.
package run

import (
	"time"

	"github.com/skamble7/renova/internal/artifact"
)

// Status is the run state machine: created → running → terminal.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// Strategy selects how produced artifacts are persisted.
type Strategy string

const (
	// StrategyBaseline upserts the full produced set at finalize.
	StrategyBaseline Strategy = "baseline"
	// StrategyDelta computes diffs without bulk promotion.
	StrategyDelta Strategy = "delta"
)

// Options tune one run.
type Options struct {
	AllowPartialStepFailures bool                   `json:"allow_partial_step_failures" bson:"allow_partial_step_failures"`
	SkipDiagrams             bool                   `json:"skip_diagrams,omitempty" bson:"skip_diagrams,omitempty"`
	RuntimeVars              map[string]string      `json:"runtime_vars,omitempty" bson:"runtime_vars,omitempty"`
	Extra                    map[string]interface{} `json:"extra,omitempty" bson:"extra,omitempty"`
}

// Request starts a run.
type Request struct {
	WorkspaceID string                 `json:"workspace_id"`
	PackKey     string                 `json:"pack_key"`
	PackVersion string                 `json:"pack_version"`
	PlaybookID  string                 `json:"playbook_id"`
	Strategy    Strategy               `json:"strategy,omitempty"`
	Inputs      map[string]interface{} `json:"inputs,omitempty"`
	Options     Options                `json:"options,omitempty"`
}

// ToolCallAudit is the per-call entry of a step audit.
type ToolCallAudit struct {
	Tool          string `json:"tool" bson:"tool"`
	DurationMS    int64  `json:"duration_ms" bson:"duration_ms"`
	ProducedCount int    `json:"produced_count" bson:"produced_count"`
	Error         string `json:"error,omitempty" bson:"error,omitempty"`
}

// StepAudit records what one step did, with argument previews redacted to
// their keys.
type StepAudit struct {
	StepID        string          `json:"step_id" bson:"step_id"`
	CapabilityID  string          `json:"capability_id,omitempty" bson:"capability_id,omitempty"`
	Mode          string          `json:"mode" bson:"mode"`
	Status        string          `json:"status" bson:"status"`
	InputsPreview []string        `json:"inputs_preview,omitempty" bson:"inputs_preview,omitempty"`
	Calls         []ToolCallAudit `json:"calls,omitempty" bson:"calls,omitempty"`
	Error         string          `json:"error,omitempty" bson:"error,omitempty"`
	StartedAt     time.Time       `json:"started_at" bson:"started_at"`
	CompletedAt   time.Time       `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
}

// Summary stamps run timing, the counts footer, and the execution log.
type Summary struct {
	StartedAt   time.Time `json:"started_at,omitempty" bson:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	DurationS   float64   `json:"duration_s,omitempty" bson:"duration_s,omitempty"`
	Footer      string    `json:"footer,omitempty" bson:"footer,omitempty"`
	Logs        []string  `json:"logs,omitempty" bson:"logs,omitempty"`
}

// DiffCounts partitions produced artifacts against the workspace.
type DiffCounts struct {
	Added     int `json:"added" bson:"added"`
	Changed   int `json:"changed" bson:"changed"`
	Unchanged int `json:"unchanged" bson:"unchanged"`
	Removed   int `json:"removed" bson:"removed"`
}

// Run is the persisted learning_runs document.
type Run struct {
	RunID            string                 `json:"run_id" bson:"_id"`
	WorkspaceID      string                 `json:"workspace_id" bson:"workspace_id"`
	PackKey          string                 `json:"pack_key" bson:"pack_key"`
	PackVersion      string                 `json:"pack_version" bson:"pack_version"`
	PlaybookID       string                 `json:"playbook_id" bson:"playbook_id"`
	PlanID           string                 `json:"plan_id,omitempty" bson:"plan_id,omitempty"`
	Strategy         Strategy               `json:"strategy" bson:"strategy"`
	Status           Status                 `json:"status" bson:"status"`
	Inputs           map[string]interface{} `json:"inputs,omitempty" bson:"inputs,omitempty"`
	InputFingerprint string                 `json:"input_fingerprint,omitempty" bson:"input_fingerprint,omitempty"`
	Options          Options                `json:"options" bson:"options"`
	Audits           []StepAudit            `json:"audits,omitempty" bson:"audits,omitempty"`
	Produced         map[string][]Envelope  `json:"produced,omitempty" bson:"produced,omitempty"` // per kind
	Deltas           map[string]DiffCounts  `json:"deltas,omitempty" bson:"deltas,omitempty"`     // per kind
	Summary          Summary                `json:"summary" bson:"summary"`
	NotesMD          string                 `json:"notes_md,omitempty" bson:"notes_md,omitempty"`
	Error            string                 `json:"error,omitempty" bson:"error,omitempty"`
	Errors           []string               `json:"errors,omitempty" bson:"errors,omitempty"`
	CreatedAt        time.Time              `json:"created_at" bson:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at" bson:"updated_at"`
}

// Envelope is one validated output item, ready for upsert and recorded
// on the run document per kind.
type Envelope struct {
	Kind          string                 `json:"kind" bson:"kind"`
	SchemaVersion string                 `json:"schema_version" bson:"schema_version"`
	Identity      string                 `json:"identity" bson:"identity"`
	Name          string                 `json:"name" bson:"name"`
	Data          map[string]interface{} `json:"data" bson:"data"`
	Diagrams      []artifact.Diagram     `json:"diagrams,omitempty" bson:"diagrams,omitempty"`
}
