package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/skamble7/renova/internal/registry"
)

var seedDir string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load kind definitions into the registry",
	Long: `Reads every *.yaml kind definition under --dir and upserts it into
the configured registry backend. Each file holds one kind with its
schema versions, identity rule, prompts, and diagram recipes.`,
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().StringVar(&seedDir, "dir", "", "directory of kind definition YAML files")
	_ = seedCmd.MarkFlagRequired("dir")
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	stores, err := buildStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.close(logger)

	reg := registry.New(stores.registry, logger)
	n, err := reg.LoadSeedDir(ctx, seedDir)
	if err != nil {
		return err
	}
	logger.Info("registry seeded", zap.Int("kinds", n), zap.String("dir", seedDir))
	fmt.Printf("loaded %d kinds from %s\n", n, seedDir)
	return nil
}
