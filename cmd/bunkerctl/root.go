package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/bunker-saas/bunker/internal/config"
	"github.com/bunker-saas/bunker/internal/storage"
)

type rootOptions struct {
	ConfigFile string
}

func newRootCmd() *cobra.Command {
	var opts rootOptions

	cmd := &cobra.Command{
		Use:           "bunkerctl",
		Short:         "Operator tool for the bunker admin service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
			if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Msg("Failed to read .env file")
			}
		},
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "config/bunker.yml", "configuration file path")

	cmd.AddCommand(newMigrateCmd(&opts))
	cmd.AddCommand(newCreateCompanyCmd(&opts))
	cmd.AddCommand(newCreateAdminCmd(&opts))
	cmd.AddCommand(newSetPasswordCmd(&opts))
	cmd.AddCommand(newHashPasswordCmd())
	cmd.AddCommand(newCleanupCmd(&opts))
	cmd.AddCommand(newAuditCmd(&opts))
	return cmd
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// openStore loads the configuration and connects to Postgres. Operator
// commands always need a real database.
func openStore(ctx context.Context, opts *rootOptions) (*config.Config, *storage.PostgresStore, error) {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.DSN == "" {
		return nil, nil, errors.New("DATABASE_URL is required")
	}
	store, err := storage.NewPostgresStore(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}
