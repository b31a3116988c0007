package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/skamble7/renova/internal/capability"
)

func (s *Server) listPacks(w http.ResponseWriter, r *http.Request) {
	packs, err := s.deps.Catalog.ListPacks(r.Context(), r.URL.Query().Get("key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": packs})
}

func (s *Server) createPack(w http.ResponseWriter, r *http.Request) {
	var pack capability.Pack
	if !decodeBody(w, r, &pack) {
		return
	}
	created, err := s.deps.Catalog.CreatePack(r.Context(), &pack)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) getPack(w http.ResponseWriter, r *http.Request) {
	pack, err := s.deps.Catalog.GetPack(r.Context(), chi.URLParam(r, "key"), chi.URLParam(r, "version"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pack)
}

func (s *Server) updatePack(w http.ResponseWriter, r *http.Request) {
	var pack capability.Pack
	if !decodeBody(w, r, &pack) {
		return
	}
	pack.Key = chi.URLParam(r, "key")
	pack.Version = chi.URLParam(r, "version")

	updated, err := s.deps.Catalog.UpdatePack(r.Context(), &pack)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deletePack(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Catalog.DeletePack(r.Context(), chi.URLParam(r, "key"), chi.URLParam(r, "version")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) addPlaybook(w http.ResponseWriter, r *http.Request) {
	var pb capability.Playbook
	if !decodeBody(w, r, &pb) {
		return
	}
	pack, err := s.deps.Catalog.AddPlaybook(r.Context(), chi.URLParam(r, "key"), chi.URLParam(r, "version"), pb)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pack)
}

func (s *Server) updatePlaybook(w http.ResponseWriter, r *http.Request) {
	var pb capability.Playbook
	if !decodeBody(w, r, &pb) {
		return
	}
	pb.ID = chi.URLParam(r, "playbookID")

	pack, err := s.deps.Catalog.UpdatePlaybook(r.Context(), chi.URLParam(r, "key"), chi.URLParam(r, "version"), pb)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pack)
}

func (s *Server) deletePlaybook(w http.ResponseWriter, r *http.Request) {
	pack, err := s.deps.Catalog.DeletePlaybook(r.Context(), chi.URLParam(r, "key"), chi.URLParam(r, "version"), chi.URLParam(r, "playbookID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pack)
}

func (s *Server) reorderPlaybooks(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []string `json:"ids"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	pack, err := s.deps.Catalog.ReorderPlaybooks(r.Context(), chi.URLParam(r, "key"), chi.URLParam(r, "version"), body.IDs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pack)
}

func (s *Server) listCapabilities(w http.ResponseWriter, r *http.Request) {
	caps, err := s.deps.Catalog.ListCapabilities(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": caps})
}

func (s *Server) getCapability(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Catalog.GetCapability(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) putCapability(w http.ResponseWriter, r *http.Request) {
	var c capability.Capability
	if !decodeBody(w, r, &c) {
		return
	}
	c.ID = chi.URLParam(r, "id")

	if err := s.deps.Catalog.PutCapability(r.Context(), &c); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &c)
}

func (s *Server) deleteCapability(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Catalog.DeleteCapability(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// resolvePlan compiles a playbook into an execution plan without running it.
func (s *Server) resolvePlan(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PackKey     string `json:"pack_key"`
		PackVersion string `json:"pack_version"`
		PlaybookID  string `json:"playbook_id"`
		WorkspaceID string `json:"workspace_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	plan, err := s.deps.Catalog.Resolve(r.Context(), body.PackKey, body.PackVersion, body.PlaybookID, body.WorkspaceID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}
