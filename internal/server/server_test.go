package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skamble7/renova/internal/artifact"
	"github.com/skamble7/renova/internal/capability"
	"github.com/skamble7/renova/internal/config"
	"github.com/skamble7/renova/internal/registry"
	"github.com/skamble7/renova/internal/run"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()

	reg := registry.New(registry.NewMemoryStore(), nil)
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
			Identity: registry.IdentityRule{Path: "program_id"},
		}},
	}); err != nil {
		t.Fatalf("UpsertKind failed: %v", err)
	}

	catalog := capability.NewService(capability.NewMemoryStore(), reg, nil, nil)
	store := artifact.NewStore(artifact.NewMemoryDAL(), reg, nil, zap.NewNop())
	if _, err := store.CreateParentDoc(ctx, "ws-1", nil, nil); err != nil {
		t.Fatalf("CreateParentDoc failed: %v", err)
	}
	orch := run.NewOrchestrator(run.NewMemoryStore(), catalog, reg, store, nil, nil, config.RunsConfig{}, zap.NewNop())

	return New(config.ServerConfig{AllowedOrigins: []string{"*"}}, Deps{
		Registry:  reg,
		OpenAPI:   registry.NewOpenAPIBuilder(reg),
		Artifacts: store,
		Catalog:   catalog,
		Runs:      orch,
		Logger:    zap.NewNop(),
	})
}

func doRequest(t *testing.T, s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "response is not JSON: %s", rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestPatchMalformedDocumentIs400(t *testing.T) {
	s := newTestServer(t)

	body := `{"kind":"cam.cobol.program","name":"ACCTMGMT","data":{"program_id":"ACCTMGMT"}}`
	rec := doRequest(t, s, http.MethodPost, "/artifact/ws-1", body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeMap(t, rec)
	artifactID, _ := created["artifact_id"].(string)

	rec = doRequest(t, s, http.MethodPost, "/artifact/ws-1/"+artifactID+"/patch",
		`{"not":"a patch"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed patch, got %d: %s", rec.Code, rec.Body.String())
	}
	detail := decodeMap(t, rec)
	if detail["detail"] == "" {
		t.Fatalf("missing detail: %v", detail)
	}
}

func TestArtifactUpsertLifecycle(t *testing.T) {
	s := newTestServer(t)

	body := `{"kind":"cam.cobol.program","name":"ACCTMGMT","data":{"program_id":"ACCTMGMT"}}`
	rec := doRequest(t, s, http.MethodPost, "/artifact/ws-1", body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("ETag") != "1" || rec.Header().Get("X-Op") != "insert" {
		t.Fatalf("unexpected headers: ETag=%q X-Op=%q", rec.Header().Get("ETag"), rec.Header().Get("X-Op"))
	}
	if rec.Header().Get("X-Event-Published") != "false" {
		t.Fatalf("expected X-Event-Published false without a broker, got %q", rec.Header().Get("X-Event-Published"))
	}
	created := decodeMap(t, rec)
	artifactID, _ := created["artifact_id"].(string)
	if artifactID == "" {
		t.Fatalf("missing artifact_id: %v", created)
	}

	// Same payload again: noop, version stays 1.
	rec = doRequest(t, s, http.MethodPost, "/artifact/ws-1", body, nil)
	if rec.Code != http.StatusOK || rec.Header().Get("X-Op") != "noop" {
		t.Fatalf("expected 200 noop, got %d %q", rec.Code, rec.Header().Get("X-Op"))
	}

	// Changed data: update, version 2.
	changed := `{"kind":"cam.cobol.program","name":"ACCTMGMT","data":{"program_id":"ACCTMGMT","paragraphs":["MAIN"]}}`
	rec = doRequest(t, s, http.MethodPost, "/artifact/ws-1", changed, nil)
	if rec.Code != http.StatusOK || rec.Header().Get("X-Op") != "update" || rec.Header().Get("ETag") != "2" {
		t.Fatalf("expected 200 update v2, got %d %q %q", rec.Code, rec.Header().Get("X-Op"), rec.Header().Get("ETag"))
	}

	// Schema violation: program_id missing.
	rec = doRequest(t, s, http.MethodPost, "/artifact/ws-1", `{"kind":"cam.cobol.program","name":"X","data":{}}`, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
	if _, ok := decodeMap(t, rec)["detail"]; !ok {
		t.Fatal("error body missing detail")
	}

	// HEAD carries the ETag without a body.
	rec = doRequest(t, s, http.MethodHead, "/artifact/ws-1/"+artifactID, "", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("ETag") != "2" {
		t.Fatalf("expected HEAD 200 ETag 2, got %d %q", rec.Code, rec.Header().Get("ETag"))
	}

	// Stale If-Match on replace.
	rec = doRequest(t, s, http.MethodPut, "/artifact/ws-1/"+artifactID,
		`{"data":{"program_id":"ACCT2"}}`, map[string]string{"If-Match": "99"})
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("expected 412, got %d", rec.Code)
	}

	// Patch with matching version.
	rec = doRequest(t, s, http.MethodPost, "/artifact/ws-1/"+artifactID+"/patch",
		`[{"op":"replace","path":"/program_id","value":"ACCT2"}]`, map[string]string{"If-Match": "2"})
	if rec.Code != http.StatusOK || rec.Header().Get("ETag") != "3" {
		t.Fatalf("expected 200 v3 after patch, got %d %q: %s", rec.Code, rec.Header().Get("ETag"), rec.Body.String())
	}
	rec = doRequest(t, s, http.MethodGet, "/artifact/ws-1/"+artifactID+"/history", "", nil)
	history := decodeMap(t, rec)
	if items, ok := history["items"].([]interface{}); !ok || len(items) != 1 {
		t.Fatalf("expected 1 history entry, got %v", history["items"])
	}

	// Soft delete, then 404.
	rec = doRequest(t, s, http.MethodDelete, "/artifact/ws-1/"+artifactID, "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	rec = doRequest(t, s, http.MethodGet, "/artifact/ws-1/"+artifactID, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestArtifactBatchUpsert(t *testing.T) {
	s := newTestServer(t)

	body := `{"items":[
		{"kind":"cam.cobol.program","name":"A","data":{"program_id":"A"}},
		{"kind":"cam.cobol.program","name":"B","data":{"program_id":"B"}},
		{"kind":"cam.cobol.program","name":"BAD","data":{}}
	]}`
	rec := doRequest(t, s, http.MethodPost, "/artifact/ws-1/upsert-batch", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Batch-Insert") != "2" || rec.Header().Get("X-Batch-Failed") != "1" {
		t.Fatalf("unexpected batch headers: insert=%q failed=%q",
			rec.Header().Get("X-Batch-Insert"), rec.Header().Get("X-Batch-Failed"))
	}
}

func TestListArtifactsRejectsNegativeOffset(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/artifact/ws-1?offset=-1", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestUnknownWorkspaceIs404(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/artifact/ws-ghost/parent", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRegistryEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/registry/kinds", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "cam.cobol.program") {
		t.Fatalf("kind listing wrong: %d %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, s, http.MethodPost, "/registry/kinds/exists",
		`{"ids":["cam.cobol.program","cam.ghost"]}`, nil)
	exists := decodeMap(t, rec)["exists"].(map[string]interface{})
	if exists["cam.cobol.program"] != true || exists["cam.ghost"] != false {
		t.Fatalf("unexpected existence map: %v", exists)
	}

	rec = doRequest(t, s, http.MethodPost, "/registry/validate",
		`{"kind":"cam.cobol.program","data":{}}`, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/registry/meta", "", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("ETag") == "" {
		t.Fatalf("meta should carry an ETag: %d %q", rec.Code, rec.Header().Get("ETag"))
	}

	rec = doRequest(t, s, http.MethodGet, "/registry/kinds/cam.ghost", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown kind, got %d", rec.Code)
	}
}

func TestCapabilityPackFlow(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPut, "/capability/capabilities/cap.cobol.analyze",
		`{"name":"COBOL analyzer","produces_kinds":["cam.cobol.program"],"llm_config":{"provider":"openai","model":"m"}}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("put capability failed: %d %s", rec.Code, rec.Body.String())
	}

	pack := `{
		"key": "mainframe",
		"version": "1.0.0",
		"capability_ids": ["cap.cobol.analyze"],
		"playbooks": [{
			"id": "pb-1",
			"steps": [
				{"type":"capability","step_id":"s1","emits":["cam.cobol.program"],"capability_id":"cap.cobol.analyze"}
			]
		}]
	}`
	rec = doRequest(t, s, http.MethodPost, "/capability/pack", pack, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create pack failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, s, http.MethodPost, "/capability/pack", pack, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate pack, got %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodPost, "/capability/resolve",
		`{"pack_key":"mainframe","pack_version":"1.0.0","playbook_id":"pb-1","workspace_id":"ws-1"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve failed: %d %s", rec.Code, rec.Body.String())
	}
	plan := decodeMap(t, rec)
	if id, _ := plan["plan_id"].(string); !strings.HasPrefix(id, "pln_") {
		t.Fatalf("unexpected plan id: %v", plan["plan_id"])
	}

	rec = doRequest(t, s, http.MethodGet, "/capability/pack/mainframe/9.9.9", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown pack version, got %d", rec.Code)
	}
}

func TestOpenAPIExposesEnvelopeUnion(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/openapi.json", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ArtifactEnvelope") {
		t.Fatal("spec missing the ArtifactEnvelope union")
	}
}

func TestRunEndpointsValidation(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/learning/run", `{}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty run request, got %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/learning/run", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without workspace_id, got %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/learning/run/run_missing", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown run, got %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodPost, "/learning/run/run_missing/cancel", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 canceling unknown run, got %d", rec.Code)
	}
}

func TestCorrelationIDEchoed(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/healthz", "", map[string]string{"X-Correlation-ID": "corr-42"})
	if rec.Header().Get("X-Correlation-ID") != "corr-42" {
		t.Fatalf("expected echoed correlation id, got %q", rec.Header().Get("X-Correlation-ID"))
	}
	rec = doRequest(t, s, http.MethodGet, "/healthz", "", nil)
	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Fatal("expected a minted correlation id")
	}
}
