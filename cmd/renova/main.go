// renova is the capability-driven learning service: kind registry,
// artifact store, capability catalog, and run orchestrator behind one
// HTTP surface.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/skamble7/renova/internal/config"
	"github.com/skamble7/renova/internal/logging"
)

var version = "dev"

var (
	// Global flags
	configPath string
	verbose    bool

	logger *zap.Logger
)

// errUsage marks command-line misuse; main exits 2 for it.
var errUsage = errors.New("usage error")

var rootCmd = &cobra.Command{
	Use:   "renova",
	Short: "Renova - capability-driven learning platform",
	Long: `Renova learns a modernization workspace by running capability packs:
playbooks resolve to execution plans, steps invoke MCP tools or LLM
generation, and validated artifacts land in the content-addressed
workspace store.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(logging.Options{
			Level:  level,
			Format: cfg.Logging.Format,
			File:   cfg.Logging.File,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the renova version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("renova", version)
	},
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config YAML")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %s", errUsage, err)
	})

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
