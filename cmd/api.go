package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/psds-microservice/support-chat-service/internal/application"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Run the HTTP API with the ticket WebSocket feed",
	RunE:  runAPI,
}

func runAPI(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := application.NewAPI(ctx, cfg, log)
	if err != nil {
		log.Error("failed to start api", zap.Error(err))
		return err
	}
	return app.Run(ctx)
}
