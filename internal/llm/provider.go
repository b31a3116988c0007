// Package llm drives capability steps that produce artifacts through a
// language model instead of an MCP tool.
package llm

import (
	"context"
	"fmt"

	"github.com/skamble7/renova/internal/config"
)

// Request is one structured-output completion.
type Request struct {
	System string
	Prompt string
	// JSONSchema, when set and small enough, constrains the response to
	// the schema; otherwise a generic JSON object is requested.
	JSONSchema  map[string]interface{}
	Temperature float64
	MaxTokens   int
}

// Provider is a chat-completion backend. Complete returns the raw text of
// the model's reply.
type Provider interface {
	Complete(ctx context.Context, req Request) (string, error)
	Name() string
}

// New builds the configured provider.
func New(cfg config.LLMConfig) (Provider, error) {
	switch cfg.Provider {
	case "gemini":
		return NewGemini(cfg)
	case "openai":
		return NewOpenAI(cfg), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
