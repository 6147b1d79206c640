package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/orgsync/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "orgsync",
	Short: "Incremental organisation entity resolution",
	Long:  "Diffs organisation snapshots, blocks candidate names by TF-IDF similarity, refines them with a language-model oracle and keeps stable entity groups in a store.",
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
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
