package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/iago/knowledge-pipeline/internal/config"
)

var (
	logger = log.New(os.Stdout, "[kp-worker] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)
	cfg    config.Config
)

var rootCmd = &cobra.Command{
	Use:           "kp-worker",
	Short:         "Knowledge pipeline background worker",
	Long:          `Claims queued jobs and runs indexing, conversion, video ingestion, generation and account deletion.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
			logger.Printf("failed loading .env files: %v", err)
		}
		loaded, err := config.LoadWithOverlay()
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Printf("command failed: %v", err)
		os.Exit(1)
	}
}
