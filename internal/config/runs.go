package config

import "time"

// RunsConfig configures run execution behavior.
type RunsConfig struct {
	// Tool retry backoff base; attempt n sleeps base*2^n.
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base"`

	// Default per-tool timeout when the integration snapshot carries none.
	DefaultToolTimeout time.Duration `yaml:"default_tool_timeout"`

	// Context assembly cap per dependency kind.
	ContextItemsPerKind int `yaml:"context_items_per_kind"`

	// Token budget for diagram payload chunking.
	DiagramTokenBudget int `yaml:"diagram_token_budget"`

	// AllowPartialStepFailures is the default for runs that do not set
	// the option explicitly.
	AllowPartialStepFailures bool `yaml:"allow_partial_step_failures"`
}

func defaultRuns() RunsConfig {
	return RunsConfig{
		RetryBackoffBase:    500 * time.Millisecond,
		DefaultToolTimeout:  60 * time.Second,
		ContextItemsPerKind: 25,
		DiagramTokenBudget:  6000,
	}
}
