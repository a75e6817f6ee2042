package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/mof-screen/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "mof-screen",
	Short: "High-throughput MOF screening pipeline",
	Long:  "Analyzes metal-organic framework structures, filters them against natural-language screening rules, and optimizes the survivors through MACE and xTB.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
