package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/skamble7/renova/internal/registry"
)

func (s *Server) listKinds(w http.ResponseWriter, r *http.Request) {
	kinds, err := s.deps.Registry.ListKinds(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": kinds})
}

func (s *Server) getKind(w http.ResponseWriter, r *http.Request) {
	kind, err := s.deps.Registry.ResolveKind(r.Context(), chi.URLParam(r, "kindID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, kind)
}

func (s *Server) upsertKind(w http.ResponseWriter, r *http.Request) {
	var kind registry.Kind
	if !decodeBody(w, r, &kind) {
		return
	}
	out, err := s.deps.Registry.UpsertKind(r.Context(), &kind)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) patchKind(w http.ResponseWriter, r *http.Request) {
	var patch registry.KindPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	out, err := s.deps.Registry.PatchKind(r.Context(), chi.URLParam(r, "kindID"), patch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) removeKind(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Registry.RemoveKind(r.Context(), chi.URLParam(r, "kindID")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// kindPrompt resolves the prompt with paradigm/style/format selectors.
func (s *Server) kindPrompt(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	selectors := make(map[string]string)
	for _, key := range []string{"paradigm", "style", "format"} {
		if v := q.Get(key); v != "" {
			selectors[key] = v
		}
	}

	prompt, entry, err := s.deps.Registry.SelectPrompt(r.Context(), chi.URLParam(r, "kindID"), selectors, q.Get("version"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"system":        prompt.System,
		"user_template": prompt.UserTemplate,
		"strict_json":   prompt.StrictJSON,
		"prompt_rev":    prompt.PromptRev,
		"variant":       prompt.Variant,
		"version":       entry.Version,
	})
}

func (s *Server) adaptData(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Data    map[string]interface{} `json:"data"`
		Version string                 `json:"version"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	out, err := s.deps.Registry.Adapt(r.Context(), chi.URLParam(r, "kindID"), body.Data, body.Version)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": out})
}

func (s *Server) validateData(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Kind    string                 `json:"kind"`
		Data    map[string]interface{} `json:"data"`
		Version string                 `json:"version"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.deps.Registry.ValidateData(r.Context(), body.Kind, body.Data, body.Version); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

func (s *Server) kindsExist(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []string `json:"ids"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	exists, err := s.deps.Registry.KindsExist(r.Context(), body.IDs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"exists": exists})
}

func (s *Server) registryMeta(w http.ResponseWriter, r *http.Request) {
	meta, err := s.deps.Registry.Meta(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("ETag", meta.ETag)
	writeJSON(w, http.StatusOK, meta)
}
