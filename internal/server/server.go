// Package server exposes the REST surface: artifact store, kind
// registry, capability registry, and learning runs, on one chi router.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/skamble7/renova/internal/artifact"
	"github.com/skamble7/renova/internal/capability"
	"github.com/skamble7/renova/internal/config"
	"github.com/skamble7/renova/internal/registry"
	"github.com/skamble7/renova/internal/run"
)

// Deps are the wired services the handlers delegate to.
type Deps struct {
	Registry  *registry.Registry
	OpenAPI   *registry.OpenAPIBuilder
	Artifacts *artifact.Store
	Catalog   *capability.Service
	Runs      *run.Orchestrator
	Logger    *zap.Logger
}

// Server is the HTTP front of all services.
type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	router chi.Router
	logger *zap.Logger
}

// New builds the router. Logger may be nil.
func New(cfg config.ServerConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{cfg: cfg, deps: deps, logger: logger.Named("http")}
	s.router = s.routes()
	return s
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down http server: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.RequestID)
	r.Use(correlationID)
	r.Use(requestLogger(s.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"ETag", "X-Op", "X-Event-Published", "X-Correlation-ID"},
	}))

	r.Get("/healthz", s.health)
	r.Get("/openapi.json", s.openAPISpec)

	r.Route("/artifact/{workspaceID}", func(r chi.Router) {
		r.Post("/", s.upsertArtifact)
		r.Post("/upsert-batch", s.upsertBatch)
		r.Get("/", s.listArtifacts)
		r.Get("/parent", s.getParentDoc)
		r.Get("/deltas", s.runDeltas)
		r.Post("/baseline-inputs", s.setBaseline)
		r.Patch("/baseline-inputs", s.mergeBaseline)
		r.Route("/{artifactID}", func(r chi.Router) {
			r.Get("/", s.getArtifact)
			r.Head("/", s.getArtifact)
			r.Put("/", s.replaceArtifact)
			r.Post("/patch", s.patchArtifact)
			r.Get("/history", s.artifactHistory)
			r.Delete("/", s.deleteArtifact)
		})
	})

	r.Route("/registry", func(r chi.Router) {
		r.Get("/kinds", s.listKinds)
		r.Post("/kinds", s.upsertKind)
		r.Post("/kinds/exists", s.kindsExist)
		r.Get("/kinds/{kindID}", s.getKind)
		r.Patch("/kinds/{kindID}", s.patchKind)
		r.Delete("/kinds/{kindID}", s.removeKind)
		r.Get("/kinds/{kindID}/prompt", s.kindPrompt)
		r.Post("/kinds/{kindID}/adapt", s.adaptData)
		r.Post("/validate", s.validateData)
		r.Get("/meta", s.registryMeta)
	})

	r.Route("/capability", func(r chi.Router) {
		r.Get("/packs", s.listPacks)
		r.Post("/pack", s.createPack)
		r.Route("/pack/{key}/{version}", func(r chi.Router) {
			r.Get("/", s.getPack)
			r.Put("/", s.updatePack)
			r.Delete("/", s.deletePack)
			r.Post("/playbooks", s.addPlaybook)
			r.Post("/playbooks/reorder", s.reorderPlaybooks)
			r.Put("/playbooks/{playbookID}", s.updatePlaybook)
			r.Delete("/playbooks/{playbookID}", s.deletePlaybook)
		})
		r.Get("/capabilities", s.listCapabilities)
		r.Get("/capabilities/{id}", s.getCapability)
		r.Put("/capabilities/{id}", s.putCapability)
		r.Delete("/capabilities/{id}", s.deleteCapability)
		r.Post("/resolve", s.resolvePlan)
	})

	r.Post("/learning/run", s.startRun)
	r.Get("/learning/run", s.listRuns)
	r.Get("/learning/run/{runID}", s.getRun)
	r.Post("/learning/run/{runID}/cancel", s.cancelRun)

	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) openAPISpec(w http.ResponseWriter, r *http.Request) {
	doc, err := s.deps.OpenAPI.Spec(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
