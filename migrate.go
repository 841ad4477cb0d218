package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jsusurcia/pryGobierno-sub000/service"
	"github.com/spf13/cobra"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Long: `Create the contract, signer, rejection and notification tables.

The schema is idempotent. SQLite stores apply it on open, so this command
only does work for the postgres driver.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			switch cfg.Store.Driver {
			case "postgres":
				store, err := service.NewPostgresStore(ctx, cfg.Store.DSN, cfg.Store.MaxConns)
				if err != nil {
					return err
				}
				defer store.Close()
				if err := store.Migrate(ctx); err != nil {
					return err
				}
			case "sqlite":
				store, err := service.NewSQLiteStore(cfg.Store.DSN)
				if err != nil {
					return err
				}
				store.Close()
			default:
				return fmt.Errorf("store driver %q has no schema to migrate", cfg.Store.Driver)
			}

			slog.Info("schema applied", "driver", cfg.Store.Driver)
			return nil
		},
	}
}
