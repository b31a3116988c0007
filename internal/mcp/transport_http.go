package mcp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/skamble7/renova/internal/capability"
)

const defaultInvokePath = "/invoke"

// httpInvoker performs one POST {base_url}{invoke_path} per tool call
// with body {"tool","args"}.
type httpInvoker struct {
	transport *capability.HTTPTransport
	client    *http.Client
	opts      Options
	target    string
}

var _ Invoker = (*httpInvoker)(nil)

func newHTTPInvoker(integ *capability.Integration, opts Options) (*httpInvoker, error) {
	t := integ.Transport.HTTP
	if t == nil || t.BaseURL == "" {
		return nil, &ConnectFailureError{Target: integ.ID, Reason: "http transport without base_url"}
	}
	return &httpInvoker{
		transport: t,
		client:    &http.Client{},
		opts:      opts,
		target:    integ.ID,
	}, nil
}

func (h *httpInvoker) CallTool(ctx context.Context, tool string, args map[string]interface{}) (interface{}, error) {
	args = InterpolateArgs(args, h.opts.Vars)

	body, err := json.Marshal(map[string]interface{}{"tool": tool, "args": args})
	if err != nil {
		return nil, &SchemaViolationError{Tool: tool, Message: err.Error()}
	}

	timeout := time.Duration(h.transport.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	attempts := h.transport.RetryMaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoffBase := h.opts.BackoffBase
	if h.transport.RetryBackoffMS > 0 {
		backoffBase = time.Duration(h.transport.RetryBackoffMS) * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff(backoffBase, attempt-1)):
			}
		}
		result, err := h.post(ctx, tool, body, timeout)
		if err == nil {
			return result, nil
		}
		lastErr = err
		// Tool-level and arg-level failures are not retryable.
		var te *ToolError
		var sv *SchemaViolationError
		if errors.As(err, &te) || errors.As(err, &sv) {
			return nil, err
		}
		h.opts.Logger.Warn("mcp http call failed, retrying",
			zap.String("tool", tool),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, lastErr
}

func (h *httpInvoker) post(ctx context.Context, tool string, body []byte, timeout time.Duration) (interface{}, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := h.transport.BaseURL + h.invokePath()
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &ConnectFailureError{Target: h.target, Reason: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.transport.Headers {
		req.Header.Set(k, v)
	}
	if h.opts.CorrelationID != "" {
		req.Header.Set("X-Correlation-ID", h.opts.CorrelationID)
	}
	h.applyAuth(req)

	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &TransportTimeoutError{Tool: tool, Timeout: timeout}
		}
		return nil, &ConnectFailureError{Target: h.target, Reason: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ConnectFailureError{Target: h.target, Reason: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(raw))
		var parsed map[string]interface{}
		if json.Unmarshal(raw, &parsed) == nil {
			if d, ok := parsed["detail"].(string); ok {
				msg = d
			}
			return nil, &ToolError{Tool: tool, Code: resp.StatusCode, Message: msg, Data: parsed}
		}
		return nil, &ToolError{Tool: tool, Code: resp.StatusCode, Message: msg}
	}

	var result interface{}
	if err := json.Unmarshal(raw, &result); err != nil {
		// Non-JSON bodies come back as raw text.
		return string(raw), nil
	}
	return result, nil
}

func (h *httpInvoker) invokePath() string {
	if h.transport.InvokePath != "" {
		return h.transport.InvokePath
	}
	return defaultInvokePath
}

func (h *httpInvoker) applyAuth(req *http.Request) {
	auth := h.transport.Auth
	if auth == nil {
		return
	}
	switch auth.Scheme {
	case "bearer":
		if token := resolveAlias(auth.TokenAlias); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	case "basic":
		user := resolveAlias(auth.UsernameAlias)
		pass := resolveAlias(auth.PasswordAlias)
		if user != "" || pass != "" {
			cred := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
			req.Header.Set("Authorization", "Basic "+cred)
		}
	case "api_key":
		header := auth.Header
		if header == "" {
			header = "X-API-Key"
		}
		if key := resolveAlias(auth.TokenAlias); key != "" {
			req.Header.Set(header, key)
		}
	default:
		h.opts.Logger.Warn("unknown auth scheme, sending unauthenticated",
			zap.String("scheme", auth.Scheme))
	}
}

func (h *httpInvoker) Close() error { return nil }
