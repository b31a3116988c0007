package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/skamble7/renova/internal/artifact"
	"github.com/skamble7/renova/internal/capability"
	"github.com/skamble7/renova/internal/config"
	"github.com/skamble7/renova/internal/events"
	"github.com/skamble7/renova/internal/llm"
	"github.com/skamble7/renova/internal/registry"
	"github.com/skamble7/renova/internal/run"
	"github.com/skamble7/renova/internal/server"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the REST API",
	Long: `Starts the HTTP server with all services wired: kind registry,
artifact store, capability catalog, MCP/LLM execution, and the run
orchestrator. Without a Mongo URI everything runs on in-memory stores;
without a broker URL event publishing is disabled.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := buildStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.close(logger)

	publisher, err := events.NewPublisher(cfg.Broker, cfg.Org, events.ServiceArtifact, logger)
	if err != nil {
		return fmt.Errorf("failed to set up event publisher: %w", err)
	}
	defer publisher.Close()

	reg := registry.New(stores.registry, logger)
	artifacts := artifact.NewStore(stores.artifacts, reg, publisher.ForService(events.ServiceArtifact), logger)
	catalog := capability.NewService(stores.catalog, reg, publisher.ForService(events.ServiceCapability), logger)

	var provider llm.Provider
	if cfg.LLM.Provider != "" {
		provider, err = llm.New(cfg.LLM)
		if err != nil {
			return fmt.Errorf("failed to configure llm provider: %w", err)
		}
	} else {
		logger.Warn("no llm provider configured; llm capability steps will fail")
	}

	orch := run.NewOrchestrator(stores.runs, catalog, reg, artifacts, provider,
		publisher.ForService(events.ServiceLearning), cfg.Runs, logger)

	if cfg.RegistrySeedDir != "" {
		n, err := reg.LoadSeedDir(ctx, cfg.RegistrySeedDir)
		if err != nil {
			return fmt.Errorf("failed to seed registry: %w", err)
		}
		logger.Info("registry seeded", zap.Int("kinds", n), zap.String("dir", cfg.RegistrySeedDir))
		go func() {
			if err := reg.WatchSeedDir(ctx, cfg.RegistrySeedDir); err != nil && ctx.Err() == nil {
				logger.Error("seed watcher stopped", zap.Error(err))
			}
		}()
	}

	consumer := events.NewWorkspaceConsumer(cfg.Broker, artifacts, logger)
	go func() {
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("workspace consumer stopped", zap.Error(err))
		}
	}()

	srv := server.New(cfg.Server, server.Deps{
		Registry:  reg,
		OpenAPI:   registry.NewOpenAPIBuilder(reg),
		Artifacts: artifacts,
		Catalog:   catalog,
		Runs:      orch,
		Logger:    logger,
	})

	err = srv.Run(ctx)

	// In-flight runs must reach a terminal state before stores close.
	orch.CancelAll()
	return err
}

// stores bundles one backend choice for all services: Mongo when a URI
// is configured, in-memory otherwise.
type stores struct {
	registry  registry.Store
	artifacts artifact.DAL
	catalog   capability.Store
	runs      run.Store
	client    *mongo.Client
}

func buildStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.Mongo.URI == "" {
		return &stores{
			registry:  registry.NewMemoryStore(),
			artifacts: artifact.NewMemoryDAL(),
			catalog:   capability.NewMemoryStore(),
			runs:      run.NewMemoryStore(),
		}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Mongo.ConnectTimeout)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	db := client.Database(cfg.Mongo.Database)

	regStore, err := registry.NewMongoStore(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("failed to init registry store: %w", err)
	}
	capStore, err := capability.NewMongoStore(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("failed to init capability store: %w", err)
	}
	runStore, err := run.NewMongoStore(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("failed to init run store: %w", err)
	}

	return &stores{
		registry:  regStore,
		artifacts: artifact.NewMongoDAL(db),
		catalog:   capStore,
		runs:      runStore,
		client:    client,
	}, nil
}

func (s *stores) close(logger *zap.Logger) {
	if s.client == nil {
		return
	}
	if err := s.client.Disconnect(context.Background()); err != nil {
		logger.Warn("failed to disconnect mongo", zap.Error(err))
	}
}
