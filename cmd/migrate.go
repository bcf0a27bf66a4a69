package cmd

import (
	"fmt"
	"io/fs"
	"os"
	"text/tabwriter"

	"github.com/psds-microservice/support-chat-service/internal/database"
	"github.com/spf13/cobra"
)

var migrationsDir string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE:  runMigrateUp,
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List migrations and whether they are applied",
	RunE:  runMigrateStatus,
}

func init() {
	migrateCmd.PersistentFlags().StringVar(&migrationsDir, "dir", "", "read migrations from this directory instead of the embedded set")
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}

func migrationSource() (fs.FS, error) {
	if migrationsDir == "" {
		return database.Migrations(), nil
	}
	return database.MigrationSource(migrationsDir)
}

func runMigrateUp(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	src, err := migrationSource()
	if err != nil {
		return err
	}
	if err := database.MigrateUp(cmd.Context(), cfg.DatabaseURL(), src, log.Named("migrate")); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.Info("migrate up: ok")
	return nil
}

func runMigrateStatus(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	src, err := migrationSource()
	if err != nil {
		return err
	}
	states, err := database.MigrateStatus(cmd.Context(), cfg.DatabaseURL(), src)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tSTATE\tFILE")
	for _, s := range states {
		state := "pending"
		if s.Applied {
			state = "applied"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", s.Version, state, s.File)
	}
	return w.Flush()
}
