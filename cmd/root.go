package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/metadata-extractor/internal/config"
)

var (
	cfg        *config.Config
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "metadata-extractor",
	Short: "Structured metadata extraction from documents with LLMs",
	Long:  "Prompts language models for an XML analysis block per document, validates it against a fixed field schema, retries and escalates to a fallback model, and records results and per-model counters.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c
		if debug {
			cfg.Log.Level = "debug"
			cfg.Log.Format = "console"
		}

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "debug logging to the console")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
