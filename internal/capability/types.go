package capability

import (
	"encoding/json"
	"fmt"
	"time"
)

// TransportKind discriminates integration transports.
type TransportKind string

const (
	TransportHTTP  TransportKind = "http"
	TransportSTDIO TransportKind = "stdio"
)

// AuthRef names a credential by alias; secrets are resolved from the
// environment at invocation time, never stored here.
type AuthRef struct {
	Scheme        string `json:"scheme" bson:"scheme"` // bearer | basic | api_key
	Header        string `json:"header,omitempty" bson:"header,omitempty"`
	TokenAlias    string `json:"token_alias,omitempty" bson:"token_alias,omitempty"`
	UsernameAlias string `json:"username_alias,omitempty" bson:"username_alias,omitempty"`
	PasswordAlias string `json:"password_alias,omitempty" bson:"password_alias,omitempty"`
}

// HTTPTransport invokes tools with a single POST per call.
type HTTPTransport struct {
	BaseURL          string            `json:"base_url" bson:"base_url"`
	InvokePath       string            `json:"invoke_path,omitempty" bson:"invoke_path,omitempty"`
	Headers          map[string]string `json:"headers,omitempty" bson:"headers,omitempty"`
	Auth             *AuthRef          `json:"auth,omitempty" bson:"auth,omitempty"`
	TimeoutSec       int               `json:"timeout_sec,omitempty" bson:"timeout_sec,omitempty"`
	RetryMaxAttempts int               `json:"retry_max_attempts,omitempty" bson:"retry_max_attempts,omitempty"`
	RetryBackoffMS   int               `json:"retry_backoff_ms,omitempty" bson:"retry_backoff_ms,omitempty"`
}

// STDIOTransport runs a persistent child process speaking newline-framed
// JSON-RPC 2.0.
type STDIOTransport struct {
	Command           string            `json:"command" bson:"command"`
	Args              []string          `json:"args,omitempty" bson:"args,omitempty"`
	Cwd               string            `json:"cwd,omitempty" bson:"cwd,omitempty"`
	Env               map[string]string `json:"env,omitempty" bson:"env,omitempty"`
	EnvAliases        map[string]string `json:"env_aliases,omitempty" bson:"env_aliases,omitempty"`
	ReadinessRegex    string            `json:"readiness_regex,omitempty" bson:"readiness_regex,omitempty"`
	StartupTimeoutSec int               `json:"startup_timeout_sec,omitempty" bson:"startup_timeout_sec,omitempty"`
	KillTimeoutSec    int               `json:"kill_timeout_sec,omitempty" bson:"kill_timeout_sec,omitempty"`
	RestartOnExit     bool              `json:"restart_on_exit,omitempty" bson:"restart_on_exit,omitempty"`
}

// Transport is the tagged union over the two MCP transports. Exactly one
// variant is populated, matching Kind.
type Transport struct {
	Kind  TransportKind   `json:"kind" bson:"kind"`
	HTTP  *HTTPTransport  `json:"http,omitempty" bson:"http,omitempty"`
	STDIO *STDIOTransport `json:"stdio,omitempty" bson:"stdio,omitempty"`
}

// Validate checks the discriminator agrees with the populated variant.
func (t *Transport) Validate() error {
	switch t.Kind {
	case TransportHTTP:
		if t.HTTP == nil || t.HTTP.BaseURL == "" {
			return fmt.Errorf("http transport requires base_url")
		}
		if t.STDIO != nil {
			return fmt.Errorf("http transport must not carry stdio fields")
		}
	case TransportSTDIO:
		if t.STDIO == nil || t.STDIO.Command == "" {
			return fmt.Errorf("stdio transport requires command")
		}
		if t.HTTP != nil {
			return fmt.Errorf("stdio transport must not carry http fields")
		}
	default:
		return fmt.Errorf("unknown transport kind %q", t.Kind)
	}
	return nil
}

// ToolDecl is a tool advertised by an integration, with an optional
// JSON-Schema for its arguments.
type ToolDecl struct {
	Name        string                 `json:"name" bson:"name"`
	Description string                 `json:"description,omitempty" bson:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty" bson:"input_schema,omitempty"`
}

// Integration is an MCP server snapshot: transport plus its tool surface.
// Snapshots embed into capabilities and packs at publish time so a run
// never depends on live integration documents.
type Integration struct {
	ID        string     `json:"id" bson:"_id"`
	Name      string     `json:"name,omitempty" bson:"name,omitempty"`
	Transport Transport  `json:"transport" bson:"transport"`
	Tools     []ToolDecl `json:"tools,omitempty" bson:"tools,omitempty"`
	UpdatedAt time.Time  `json:"updated_at,omitempty" bson:"updated_at,omitempty"`
}

// ToolSchema returns the declared input schema for a tool name, or nil.
func (i *Integration) ToolSchema(name string) map[string]interface{} {
	if i == nil {
		return nil
	}
	for _, t := range i.Tools {
		if t.Name == name {
			return t.InputSchema
		}
	}
	return nil
}

// ToolBinding names a tool on the capability's integration plus an args
// template interpolated at execution time.
type ToolBinding struct {
	Tool         string                 `json:"tool" bson:"tool"`
	ArgsTemplate map[string]interface{} `json:"args_template,omitempty" bson:"args_template,omitempty"`
	TimeoutSec   int                    `json:"timeout_sec,omitempty" bson:"timeout_sec,omitempty"`
	Retries      int                    `json:"retries,omitempty" bson:"retries,omitempty"`
}

// LLMConfig selects a provider-backed capability instead of an MCP one.
type LLMConfig struct {
	Provider    string  `json:"provider" bson:"provider"`
	Model       string  `json:"model" bson:"model"`
	Temperature float64 `json:"temperature,omitempty" bson:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty" bson:"max_tokens,omitempty"`
}

// Capability is a globally addressable unit of production: it either
// drives MCP tool calls or an LLM, and declares what artifact kinds it
// produces and requires.
type Capability struct {
	ID             string        `json:"id" bson:"_id"`
	Name           string        `json:"name" bson:"name"`
	Description    string        `json:"description,omitempty" bson:"description,omitempty"`
	ProducesKinds  []string      `json:"produces_kinds" bson:"produces_kinds"`
	RequiresKinds  []string      `json:"requires_kinds,omitempty" bson:"requires_kinds,omitempty"`
	IntegrationRef string        `json:"integration_ref,omitempty" bson:"integration_ref,omitempty"`
	Integration    *Integration  `json:"integration,omitempty" bson:"integration,omitempty"`
	ToolCalls      []ToolBinding `json:"tool_calls,omitempty" bson:"tool_calls,omitempty"`
	LLMConfig      *LLMConfig    `json:"llm_config,omitempty" bson:"llm_config,omitempty"`
	Tags           []string      `json:"tags,omitempty" bson:"tags,omitempty"`
	CreatedAt      time.Time     `json:"created_at" bson:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at" bson:"updated_at"`
}

// StepType discriminates playbook steps.
type StepType string

const (
	StepCapability StepType = "capability"
	StepToolCall   StepType = "tool_call"
)

// StepCommon carries the fields shared by both step variants.
type StepCommon struct {
	StepID         string   `json:"step_id" bson:"step_id"`
	Name           string   `json:"name,omitempty" bson:"name,omitempty"`
	Emits          []string `json:"emits,omitempty" bson:"emits,omitempty"`
	RequiresKinds  []string `json:"requires_kinds,omitempty" bson:"requires_kinds,omitempty"`
	DependsOnSteps []string `json:"depends_on_steps,omitempty" bson:"depends_on_steps,omitempty"`
}

// CapabilityStep executes a registered capability, optionally overriding
// its integration with a step-local snapshot or ref.
type CapabilityStep struct {
	StepCommon     `bson:",inline"`
	CapabilityID   string                 `json:"capability_id" bson:"capability_id"`
	Integration    *Integration           `json:"integration,omitempty" bson:"integration,omitempty"`
	IntegrationRef string                 `json:"integration_ref,omitempty" bson:"integration_ref,omitempty"`
	Params         map[string]interface{} `json:"params,omitempty" bson:"params,omitempty"`
}

// ToolCallStep invokes one pack tool directly.
type ToolCallStep struct {
	StepCommon `bson:",inline"`
	ToolKey    string                 `json:"tool_key" bson:"tool_key"`
	Params     map[string]interface{} `json:"params,omitempty" bson:"params,omitempty"`
	TimeoutSec int                    `json:"timeout_sec,omitempty" bson:"timeout_sec,omitempty"`
	Retries    int                    `json:"retries,omitempty" bson:"retries,omitempty"`
}

// Step is the tagged variant over the two step shapes. Exactly one of
// Capability/ToolCall is set, matching Type.
type Step struct {
	Type       StepType        `json:"type" bson:"type"`
	Capability *CapabilityStep `json:"capability,omitempty" bson:"capability,omitempty"`
	ToolCall   *ToolCallStep   `json:"tool_call,omitempty" bson:"tool_call,omitempty"`
}

// Common returns the shared fields of whichever variant is populated.
func (s *Step) Common() *StepCommon {
	switch s.Type {
	case StepCapability:
		if s.Capability != nil {
			return &s.Capability.StepCommon
		}
	case StepToolCall:
		if s.ToolCall != nil {
			return &s.ToolCall.StepCommon
		}
	}
	return nil
}

// ID is the step id regardless of variant; empty for malformed steps.
func (s *Step) ID() string {
	if c := s.Common(); c != nil {
		return c.StepID
	}
	return ""
}

// Validate checks the discriminator/variant agreement and required
// per-variant fields.
func (s *Step) Validate() error {
	switch s.Type {
	case StepCapability:
		if s.Capability == nil || s.ToolCall != nil {
			return fmt.Errorf("capability step must carry exactly the capability variant")
		}
		if s.Capability.StepID == "" {
			return fmt.Errorf("capability step requires step_id")
		}
		if s.Capability.CapabilityID == "" {
			return fmt.Errorf("step %q requires capability_id", s.Capability.StepID)
		}
	case StepToolCall:
		if s.ToolCall == nil || s.Capability != nil {
			return fmt.Errorf("tool_call step must carry exactly the tool_call variant")
		}
		if s.ToolCall.StepID == "" {
			return fmt.Errorf("tool_call step requires step_id")
		}
		if s.ToolCall.ToolKey == "" {
			return fmt.Errorf("step %q requires tool_key", s.ToolCall.StepID)
		}
	default:
		return fmt.Errorf("unknown step type %q", s.Type)
	}
	return nil
}

// stepWire is the flat JSON representation: shared fields plus the
// variant's own, discriminated by "type".
type stepWire struct {
	Type           StepType               `json:"type"`
	StepID         string                 `json:"step_id"`
	Name           string                 `json:"name,omitempty"`
	Emits          []string               `json:"emits,omitempty"`
	RequiresKinds  []string               `json:"requires_kinds,omitempty"`
	DependsOnSteps []string               `json:"depends_on_steps,omitempty"`
	CapabilityID   string                 `json:"capability_id,omitempty"`
	Integration    *Integration           `json:"integration,omitempty"`
	IntegrationRef string                 `json:"integration_ref,omitempty"`
	ToolKey        string                 `json:"tool_key,omitempty"`
	Params         map[string]interface{} `json:"params,omitempty"`
	TimeoutSec     int                    `json:"timeout_sec,omitempty"`
	Retries        int                    `json:"retries,omitempty"`
}

// MarshalJSON flattens the variant into a single tagged object.
func (s Step) MarshalJSON() ([]byte, error) {
	w := stepWire{Type: s.Type}
	if c := s.Common(); c != nil {
		w.StepID = c.StepID
		w.Name = c.Name
		w.Emits = c.Emits
		w.RequiresKinds = c.RequiresKinds
		w.DependsOnSteps = c.DependsOnSteps
	}
	switch s.Type {
	case StepCapability:
		if s.Capability != nil {
			w.CapabilityID = s.Capability.CapabilityID
			w.Integration = s.Capability.Integration
			w.IntegrationRef = s.Capability.IntegrationRef
			w.Params = s.Capability.Params
		}
	case StepToolCall:
		if s.ToolCall != nil {
			w.ToolKey = s.ToolCall.ToolKey
			w.Params = s.ToolCall.Params
			w.TimeoutSec = s.ToolCall.TimeoutSec
			w.Retries = s.ToolCall.Retries
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the flat tagged object back into the variant.
func (s *Step) UnmarshalJSON(data []byte) error {
	var w stepWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	common := StepCommon{
		StepID:         w.StepID,
		Name:           w.Name,
		Emits:          w.Emits,
		RequiresKinds:  w.RequiresKinds,
		DependsOnSteps: w.DependsOnSteps,
	}
	switch w.Type {
	case StepCapability:
		*s = Step{Type: StepCapability, Capability: &CapabilityStep{
			StepCommon:     common,
			CapabilityID:   w.CapabilityID,
			Integration:    w.Integration,
			IntegrationRef: w.IntegrationRef,
			Params:         w.Params,
		}}
	case StepToolCall:
		*s = Step{Type: StepToolCall, ToolCall: &ToolCallStep{
			StepCommon: common,
			ToolKey:    w.ToolKey,
			Params:     w.Params,
			TimeoutSec: w.TimeoutSec,
			Retries:    w.Retries,
		}}
	default:
		return fmt.Errorf("unknown step type %q", w.Type)
	}
	return nil
}

// Edge is an explicit playbook dependency from one step to another.
type Edge struct {
	From string `json:"from" bson:"from"`
	To   string `json:"to" bson:"to"`
}

// Playbook is an ordered DAG of steps inside a pack.
type Playbook struct {
	ID          string   `json:"id" bson:"id"`
	Name        string   `json:"name" bson:"name"`
	Description string   `json:"description,omitempty" bson:"description,omitempty"`
	Steps       []Step   `json:"steps" bson:"steps"`
	Edges       []Edge   `json:"edges,omitempty" bson:"edges,omitempty"`
	Produces    []string `json:"produces,omitempty" bson:"produces,omitempty"`
}

// PackTool is a tool made addressable inside a pack by key, bound to a
// connector snapshot.
type PackTool struct {
	Key         string                 `json:"key" bson:"key"`
	Name        string                 `json:"name,omitempty" bson:"name,omitempty"`
	ConnectorID string                 `json:"connector_id,omitempty" bson:"connector_id,omitempty"`
	Connector   *Integration           `json:"connector,omitempty" bson:"connector,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty" bson:"input_schema,omitempty"`
	TimeoutSec  int                    `json:"timeout_sec,omitempty" bson:"timeout_sec,omitempty"`
	Retries     int                    `json:"retries,omitempty" bson:"retries,omitempty"`
}

// Pack is a versioned, immutable-once-published bundle of capability
// snapshots, tools, and playbooks. (key, version) is unique.
type Pack struct {
	ID            string       `json:"id" bson:"_id"` // key@version
	Key           string       `json:"key" bson:"key"`
	Version       string       `json:"version" bson:"version"`
	Title         string       `json:"title,omitempty" bson:"title,omitempty"`
	Description   string       `json:"description,omitempty" bson:"description,omitempty"`
	CapabilityIDs []string     `json:"capability_ids,omitempty" bson:"capability_ids,omitempty"`
	Capabilities  []Capability `json:"capabilities,omitempty" bson:"capabilities,omitempty"`
	Tools         []PackTool   `json:"tools,omitempty" bson:"tools,omitempty"`
	Playbooks     []Playbook   `json:"playbooks" bson:"playbooks"`
	CreatedAt     time.Time    `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at" bson:"updated_at"`
}

// PackID composes the storage id for a (key, version) pair.
func PackID(key, version string) string { return key + "@" + version }

// CapabilityByID returns the frozen capability snapshot, or nil.
func (p *Pack) CapabilityByID(id string) *Capability {
	for i := range p.Capabilities {
		if p.Capabilities[i].ID == id {
			return &p.Capabilities[i]
		}
	}
	return nil
}

// ToolByKey returns the pack tool for a key, or nil.
func (p *Pack) ToolByKey(key string) *PackTool {
	for i := range p.Tools {
		if p.Tools[i].Key == key {
			return &p.Tools[i]
		}
	}
	return nil
}

// PlaybookByID returns a playbook, or nil.
func (p *Pack) PlaybookByID(id string) *Playbook {
	for i := range p.Playbooks {
		if p.Playbooks[i].ID == id {
			return &p.Playbooks[i]
		}
	}
	return nil
}
