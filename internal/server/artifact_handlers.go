package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/skamble7/renova/internal/artifact"
	"github.com/skamble7/renova/internal/registry"
)

func (s *Server) upsertArtifact(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	var payload artifact.UpsertPayload
	if !decodeBody(w, r, &payload) {
		return
	}
	if err := s.checkSchema(r, payload); err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.deps.Artifacts.UpsertArtifact(r.Context(), workspaceID, payload, r.Header.Get("X-Run-Id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("ETag", strconv.FormatInt(res.Artifact.Version, 10))
	w.Header().Set("X-Op", string(res.Op))
	w.Header().Set("X-Event-Published", strconv.FormatBool(res.EventPublished))
	status := http.StatusOK
	if res.Op == artifact.OpInsert {
		status = http.StatusCreated
	}
	writeJSON(w, status, res.Artifact)
}

func (s *Server) upsertBatch(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	var body struct {
		Items []artifact.UpsertPayload `json:"items"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	runID := r.Header.Get("X-Run-Id")
	counts := map[string]int{"insert": 0, "update": 0, "noop": 0, "failed": 0}
	results := make([]map[string]interface{}, 0, len(body.Items))
	for _, item := range body.Items {
		var res *artifact.UpsertResult
		err := s.checkSchema(r, item)
		if err == nil {
			res, err = s.deps.Artifacts.UpsertArtifact(r.Context(), workspaceID, item, runID)
		}
		if err != nil {
			counts["failed"]++
			results = append(results, map[string]interface{}{
				"kind": item.Kind, "name": item.Name, "error": err.Error(),
			})
			continue
		}
		counts[string(res.Op)]++
		results = append(results, map[string]interface{}{
			"artifact_id": res.Artifact.ArtifactID,
			"op":          string(res.Op),
			"version":     res.Artifact.Version,
		})
	}

	w.Header().Set("X-Batch-Insert", strconv.Itoa(counts["insert"]))
	w.Header().Set("X-Batch-Update", strconv.Itoa(counts["update"]))
	w.Header().Set("X-Batch-Noop", strconv.Itoa(counts["noop"]))
	w.Header().Set("X-Batch-Failed", strconv.Itoa(counts["failed"]))
	writeJSON(w, http.StatusOK, map[string]interface{}{"counts": counts, "results": results})
}

func (s *Server) listArtifacts(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	q := r.URL.Query()

	filter := artifact.ListFilter{
		Kind:           q.Get("kind"),
		NamePrefix:     q.Get("name_prefix"),
		IncludeDeleted: q.Get("include_deleted") == "true",
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	if filter.Offset < 0 {
		writeDetail(w, http.StatusBadRequest, "offset must be >= 0")
		return
	}

	items, total, err := s.deps.Artifacts.ListArtifacts(r.Context(), workspaceID, filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items, "total": total})
}

func (s *Server) getParentDoc(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	doc, err := s.deps.Artifacts.GetParentDoc(r.Context(), workspaceID, r.URL.Query().Get("include_deleted") == "true")
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) runDeltas(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeDetail(w, http.StatusBadRequest, "run_id is required")
		return
	}
	deltas, err := s.deps.Artifacts.ComputeRunDeltas(r.Context(), workspaceID, runID, r.URL.Query().Get("include_ids") == "true")
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deltas)
}

func (s *Server) getArtifact(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	artifactID := chi.URLParam(r, "artifactID")

	a, err := s.deps.Artifacts.GetArtifact(r.Context(), workspaceID, artifactID, r.URL.Query().Get("include_deleted") == "true")
	if err != nil {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		s.writeError(w, err)
		return
	}

	w.Header().Set("ETag", strconv.FormatInt(a.Version, 10))
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) replaceArtifact(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	artifactID := chi.URLParam(r, "artifactID")

	var body struct {
		Data       map[string]interface{} `json:"data"`
		Diagrams   []artifact.Diagram     `json:"diagrams"`
		Provenance *artifact.Provenance   `json:"provenance"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	ifMatch, ok := parseIfMatch(w, r)
	if !ok {
		return
	}

	a, err := s.deps.Artifacts.ReplaceArtifact(r.Context(), workspaceID, artifactID, body.Data, body.Diagrams, body.Provenance, ifMatch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("ETag", strconv.FormatInt(a.Version, 10))
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) patchArtifact(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	artifactID := chi.URLParam(r, "artifactID")

	patchDoc, err := io.ReadAll(r.Body)
	if err != nil || len(patchDoc) == 0 {
		writeDetail(w, http.StatusBadRequest, "patch body is required")
		return
	}
	ifMatch, ok := parseIfMatch(w, r)
	if !ok {
		return
	}

	a, err := s.deps.Artifacts.ApplyPatch(r.Context(), workspaceID, artifactID, json.RawMessage(patchDoc), nil, ifMatch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("ETag", strconv.FormatInt(a.Version, 10))
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) artifactHistory(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	artifactID := chi.URLParam(r, "artifactID")

	patches, err := s.deps.Artifacts.ListPatches(r.Context(), workspaceID, artifactID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": patches})
}

func (s *Server) deleteArtifact(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	artifactID := chi.URLParam(r, "artifactID")

	if err := s.deps.Artifacts.SoftDeleteArtifact(r.Context(), workspaceID, artifactID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setBaseline(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	var body struct {
		Inputs          map[string]interface{} `json:"inputs"`
		IfAbsentOnly    bool                   `json:"if_absent_only"`
		ExpectedVersion int64                  `json:"expected_version"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	baseline, err := s.deps.Artifacts.SetInputsBaseline(r.Context(), workspaceID, body.Inputs, body.IfAbsentOnly, body.ExpectedVersion)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, baseline)
}

func (s *Server) mergeBaseline(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	var body struct {
		artifact.BaselineMerge
		ExpectedVersion int64 `json:"expected_version"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	baseline, err := s.deps.Artifacts.MergeInputsBaseline(r.Context(), workspaceID, body.BaselineMerge, body.ExpectedVersion)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, baseline)
}

// checkSchema validates upsert data against the kind's latest schema.
// Kinds absent from the registry pass through; the store still derives a
// fallback natural key for them.
func (s *Server) checkSchema(r *http.Request, payload artifact.UpsertPayload) error {
	if s.deps.Registry == nil {
		return nil
	}
	err := s.deps.Registry.ValidateData(r.Context(), payload.Kind, payload.Data, "")
	var unknown *registry.UnknownKindError
	if errors.As(err, &unknown) {
		return nil
	}
	return err
}

// parseIfMatch reads an optional If-Match header as a version number.
func parseIfMatch(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.Header.Get("If-Match")
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		writeDetail(w, http.StatusBadRequest, "invalid If-Match header %q", raw)
		return 0, false
	}
	return v, true
}
