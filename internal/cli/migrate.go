package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/buildtall-systems/chainpos/internal/config"
	"github.com/buildtall-systems/chainpos/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := newLogger(os.Stderr, cfg.Log, cfg.Verbose)

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = database.Close() }()

	if err := database.MigrateContext(cmd.Context()); err != nil {
		return err
	}
	v, err := database.SchemaVersion(cmd.Context())
	if err != nil {
		return err
	}

	logger.Info().Str("database", cfg.Database.Path).Int64("version", v).Msg("database migrated")
	return nil
}
