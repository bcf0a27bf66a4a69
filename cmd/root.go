package cmd

import (
	"fmt"

	"github.com/psds-microservice/support-chat-service/internal/config"
	"github.com/psds-microservice/support-chat-service/internal/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:           "support-chat-service",
	Short:         "Support ticket chat: REST API, real-time ticket feed and admin tooling (PSDS)",
	RunE:          runAPI,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(apiCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(reindexSearchCmd)
	rootCmd.AddCommand(chatCmd)
}

// bootstrap loads .env-backed configuration and the process logger.
func bootstrap() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	log, err := logger.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}
