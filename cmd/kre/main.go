// Package main implements the kre CLI for maintenance jobs against the
// knowledge engine's stores: decay refresh, aggregation and interest refresh.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/knowledge-engine/backend/internal/bootstrap"
	"github.com/knowledge-engine/backend/pkg/config"
	"github.com/knowledge-engine/backend/pkg/logger"
)

var (
	configPath string
	verbose    bool
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kre",
	Short: "Maintenance CLI for the knowledge relevance engine",
	Long: `kre runs the engine's externally triggered jobs directly against its stores.

It reads the same configuration as the API server (config.yaml, KRE_* env).`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	rootCmd.AddCommand(decayCmd)
	rootCmd.AddCommand(aggregateCmd)
	rootCmd.AddCommand(interestsCmd)
}

// withEngine loads configuration, builds the engine, runs fn and releases
// every connection afterwards.
func withEngine(ctx context.Context, fn func(*bootstrap.Engine) error) error {
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format, "stderr"); err != nil {
		return err
	}
	defer logger.Sync()
	if verbose {
		_ = logger.SetLevel("debug")
	}

	engine, err := bootstrap.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	defer engine.Close()

	return fn(engine)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
