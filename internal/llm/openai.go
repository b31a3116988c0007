package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/skamble7/renova/internal/config"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAI speaks the OpenAI-compatible /chat/completions protocol, which
// also covers self-hosted gateways configured via base_url.
type OpenAI struct {
	cfg        config.LLMConfig
	httpClient *http.Client

	mu          sync.Mutex
	lastRequest time.Time
}

var _ Provider = (*OpenAI)(nil)

// NewOpenAI creates the provider; base_url falls back to the public API.
func NewOpenAI(cfg config.LLMConfig) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OpenAI{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (o *OpenAI) Name() string { return "openai:" + o.cfg.Model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string                 `json:"model"`
	Messages       []chatMessage          `json:"messages"`
	MaxTokens      int                    `json:"max_tokens,omitempty"`
	Temperature    float64                `json:"temperature,omitempty"`
	ResponseFormat map[string]interface{} `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (o *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	if o.cfg.APIKey == "" {
		return "", fmt.Errorf("openai api key is required")
	}

	// Keep a floor between requests so bursts do not trip rate limits.
	o.mu.Lock()
	if elapsed := time.Since(o.lastRequest); elapsed < 600*time.Millisecond {
		time.Sleep(600*time.Millisecond - elapsed)
	}
	o.lastRequest = time.Now()
	o.mu.Unlock()

	var messages []chatMessage
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	temperature := req.Temperature
	if temperature == 0 {
		temperature = o.cfg.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = o.cfg.MaxTokens
	}

	body := chatRequest{
		Model:          o.cfg.Model,
		Messages:       messages,
		MaxTokens:      maxTokens,
		Temperature:    temperature,
		ResponseFormat: responseFormat(req.JSONSchema, o.cfg.SchemaByteLimit),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	const maxRetries = 3
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(1<<uint(attempt-1)) * time.Second):
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			o.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return "", fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)

		resp, err := o.httpClient.Do(httpReq)
		if err != nil {
			lastErr = fmt.Errorf("chat request failed: %w", err)
			continue
		}
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limit exceeded")
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("chat request failed with status %d: %s", resp.StatusCode, string(raw))
		}

		var parsed chatResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return "", fmt.Errorf("failed to parse chat response: %w", err)
		}
		if parsed.Error != nil {
			return "", fmt.Errorf("chat api error: %s", parsed.Error.Message)
		}
		if len(parsed.Choices) == 0 {
			return "", fmt.Errorf("no completion returned")
		}
		return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
	}
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

// responseFormat asks for schema-constrained output when the schema fits
// the byte limit, otherwise a generic JSON object.
func responseFormat(schema map[string]interface{}, byteLimit int) map[string]interface{} {
	if schema == nil {
		return map[string]interface{}{"type": "json_object"}
	}
	raw, err := json.Marshal(schema)
	if err != nil || (byteLimit > 0 && len(raw) > byteLimit) {
		return map[string]interface{}{"type": "json_object"}
	}
	return map[string]interface{}{
		"type": "json_schema",
		"json_schema": map[string]interface{}{
			"name":   "artifact",
			"schema": schema,
			"strict": false,
		},
	}
}
