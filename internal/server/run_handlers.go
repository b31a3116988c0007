package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/skamble7/renova/internal/run"
)

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req run.Request
	if !decodeBody(w, r, &req) {
		return
	}
	if req.WorkspaceID == "" || req.PackKey == "" || req.PackVersion == "" || req.PlaybookID == "" {
		writeDetail(w, http.StatusBadRequest, "workspace_id, pack_key, pack_version, and playbook_id are required")
		return
	}

	started, err := s.deps.Runs.StartRun(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, started)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Runs.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspace_id")
	if workspaceID == "" {
		writeDetail(w, http.StatusBadRequest, "workspace_id is required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	runs, err := s.deps.Runs.ListRuns(r.Context(), workspaceID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": runs})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if !s.deps.Runs.Cancel(runID) {
		writeDetail(w, http.StatusNotFound, "no in-flight run %s", runID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "canceling"})
}
