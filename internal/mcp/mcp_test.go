package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/skamble7/renova/internal/capability"
)

func TestSanitizeArgsStripsFrameworkKeys(t *testing.T) {
	args := map[string]interface{}{
		"path":           "/src",
		"inputs":         map[string]interface{}{"x": 1},
		"context":        "c",
		"correlation_id": "abc",
		"correlationId":  "abc",
		"__metadata__":   map[string]interface{}{},
	}
	out := SanitizeArgs(args, nil)
	if len(out) != 1 || out["path"] != "/src" {
		t.Fatalf("sanitized = %v", out)
	}
	// Input untouched.
	if len(args) != 6 {
		t.Fatal("input map mutated")
	}
}

func TestSanitizeArgsAppliesSchemaAllowList(t *testing.T) {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"root": map[string]interface{}{"type": "string"},
		},
	}
	out := SanitizeArgs(map[string]interface{}{"root": "/src", "extra": true}, schema)
	if len(out) != 1 || out["root"] != "/src" {
		t.Fatalf("sanitized = %v", out)
	}
}

func TestInterpolate(t *testing.T) {
	vars := map[string]string{"repo.paths_root": "/work/src", "MODE": "fast"}
	got := Interpolate(map[string]interface{}{
		"root":    "${repo.paths_root}/cobol",
		"mode":    "${MODE}",
		"absent":  "${MISSING:-fallback}",
		"kept":    "${UNKNOWN}",
		"nested":  []interface{}{"${MODE}", 7},
		"literal": 42,
	}, vars).(map[string]interface{})

	if got["root"] != "/work/src/cobol" || got["mode"] != "fast" {
		t.Fatalf("interpolated = %v", got)
	}
	if got["absent"] != "fallback" {
		t.Fatalf("default not applied: %v", got["absent"])
	}
	if got["kept"] != "${UNKNOWN}" {
		t.Fatalf("unknown var rewritten: %v", got["kept"])
	}
	if got["nested"].([]interface{})[0] != "fast" {
		t.Fatalf("nested not interpolated: %v", got["nested"])
	}
}

func TestFlattenVars(t *testing.T) {
	out := map[string]string{}
	FlattenVars("", map[string]interface{}{
		"repo": map[string]interface{}{"paths_root": "/src", "depth": float64(3)},
		"list": []interface{}{"a", "b"},
	}, out)
	if out["repo.paths_root"] != "/src" || out["repo.depth"] != "3" {
		t.Fatalf("flattened = %v", out)
	}
	if out["list.0"] != "a" || out["list.1"] != "b" {
		t.Fatalf("array flatten = %v", out)
	}
}

func httpIntegration(url string, timeoutSec, retries int) *capability.Integration {
	return &capability.Integration{
		ID: "test-http",
		Transport: capability.Transport{
			Kind: capability.TransportHTTP,
			HTTP: &capability.HTTPTransport{
				BaseURL:          url,
				TimeoutSec:       timeoutSec,
				RetryMaxAttempts: retries,
			},
		},
	}
}

func TestHTTPInvokerCallsTool(t *testing.T) {
	var gotBody map[string]interface{}
	var gotCorrelation string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/invoke" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotCorrelation = r.Header.Get("X-Correlation-ID")
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]interface{}{"items": []interface{}{"a"}})
	}))
	defer srv.Close()

	inv, err := New(httpIntegration(srv.URL, 5, 1), Options{CorrelationID: "corr-1"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer inv.Close()

	res, err := inv.CallTool(context.Background(), "scan", map[string]interface{}{"root": "/src"})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if gotBody["tool"] != "scan" {
		t.Fatalf("body = %v", gotBody)
	}
	if gotCorrelation != "corr-1" {
		t.Fatalf("correlation header = %q", gotCorrelation)
	}
	items := res.(map[string]interface{})["items"].([]interface{})
	if len(items) != 1 || items[0] != "a" {
		t.Fatalf("result = %v", res)
	}
}

func TestHTTPInvokerToolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]interface{}{"detail": "bad args"})
	}))
	defer srv.Close()

	inv, _ := New(httpIntegration(srv.URL, 5, 3), Options{})
	defer inv.Close()

	_, err := inv.CallTool(context.Background(), "scan", nil)
	var te *ToolError
	if !errors.As(err, &te) {
		t.Fatalf("expected ToolError, got %v", err)
	}
	if te.Code != 422 || te.Message != "bad args" {
		t.Fatalf("error = %+v", te)
	}
}

func TestHTTPInvokerTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(3 * time.Second)
	}))
	defer srv.Close()

	inv, _ := New(httpIntegration(srv.URL, 1, 1), Options{})
	defer inv.Close()

	_, err := inv.CallTool(context.Background(), "slow", nil)
	var to *TransportTimeoutError
	if !errors.As(err, &to) {
		t.Fatalf("expected TransportTimeoutError, got %v", err)
	}
}

func TestSTDIOInvokerEchoLoopback(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	// cat echoes each request frame back; the frame carries the request id,
	// so the reply multiplexer resolves it as an empty success.
	integ := &capability.Integration{
		ID: "test-stdio",
		Transport: capability.Transport{
			Kind:  capability.TransportSTDIO,
			STDIO: &capability.STDIOTransport{Command: "cat", KillTimeoutSec: 1},
		},
	}
	inv, err := New(integ, Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := inv.CallTool(ctx, "echo", map[string]interface{}{"x": 1})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if res != nil {
		t.Fatalf("result = %v", res)
	}
	if err := inv.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}
