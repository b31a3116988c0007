package config

import "time"

// LLMConfig configures the LLM provider used for capability steps.
type LLMConfig struct {
	Provider    string        `yaml:"provider"` // gemini, openai
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	BaseURL     string        `yaml:"base_url"` // openai-compatible endpoints only
	Timeout     time.Duration `yaml:"timeout"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`

	// Schemas larger than this (canonical bytes) are requested as plain
	// json_object instead of json_schema constrained output.
	SchemaByteLimit int `yaml:"schema_byte_limit"`
}

func defaultLLM() LLMConfig {
	return LLMConfig{
		Provider:        "gemini",
		Model:           "gemini-2.0-flash",
		Timeout:         120 * time.Second,
		Temperature:     0.2,
		MaxTokens:       8192,
		SchemaByteLimit: 16 * 1024,
	}
}
