package main

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/SirClappington/taskq/internal/config"
	"github.com/SirClappington/taskq/internal/logger"
	"github.com/SirClappington/taskq/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply result store migrations to POSTGRES_DSN",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.PostgresDSN == "" {
			return errors.New("POSTGRES_DSN is not set")
		}
		log, err := logger.New(cfg.LogLevel, "console")
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		pool, err := pgxpool.New(cmd.Context(), cfg.PostgresDSN)
		if err != nil {
			return errors.Wrap(err, "connect postgres")
		}
		defer pool.Close()
		return storage.Migrate(cmd.Context(), pool, log)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
