package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/drblury/blockflow/internal/indexer/store/postgres"
	"github.com/drblury/blockflow/internal/runtime/config"
	"github.com/drblury/blockflow/internal/runtime/logging"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.PostgresURL == "" {
			return errors.New("postgres_url is required to migrate")
		}
		logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return err
		}

		st, err := postgres.Open(cmd.Context(), postgres.Config{
			ConnectionString: cfg.PostgresURL,
			MaxOpenConns:     1,
			Migrate:          true,
		})
		if err != nil {
			return err
		}
		logger.Info("Schema migrated", logging.LogFields{"migrations": len(postgres.SchemaMigrations())})
		return st.Close()
	},
}
