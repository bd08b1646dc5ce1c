package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/kenshin-ledger/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "kenshin",
	Short: "Health-checkup ledger: ingest, judge, and reconcile",
	Long:  "Registers checkup ZIP archives and their CDA documents, normalizes exam values against the reference snapshot, judges completeness, and reconciles each document against the subscriber master.",
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
