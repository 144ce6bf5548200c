package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"liveclass/internal/app"
	"liveclass/internal/config"
	pkgdatabase "liveclass/pkg/database"
)

// cli carries what the persistent pre-run resolves for every subcommand.
type cli struct {
	configPath string
	cfg        *config.Config
	logger     zerolog.Logger
	out        io.Writer
}

func newRootCmd() *cobra.Command {
	c := &cli{out: os.Stdout}

	root := &cobra.Command{
		Use:           "liveclass",
		Short:         "Live session coordination server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = newLogger(cfg.Log, c.out)
			cmd.SetContext(c.logger.WithContext(cmd.Context()))
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error { return c.serve(cmd.Context()) },
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "config file (default $"+config.ConfigFileEnv+")")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP and websocket server",
			RunE:  func(cmd *cobra.Command, args []string) error { return c.serve(cmd.Context()) },
		},
		&cobra.Command{
			Use:   "reconcile",
			Short: "Settle recordings left running by a previous process, then exit",
			RunE:  func(cmd *cobra.Command, args []string) error { return c.reconcile(cmd.Context()) },
		},
		c.migrateCmd(),
	)
	return root
}

// newLogger builds the root logger; pretty output is for terminals.
func newLogger(cfg config.LogConfig, w io.Writer) zerolog.Logger {
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(cfg.ZerologLevel()).With().Timestamp().Str("service", "liveclass").Logger()
}

func (c *cli) serve(ctx context.Context) error {
	a, err := app.New(ctx, c.cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("Resource cleanup error")
		}
	}()

	c.logger.Info().Str("addr", a.Addr()).Msg("Starting liveclass")
	return a.Run(ctx)
}

func (c *cli) reconcile(ctx context.Context) error {
	a, err := app.New(ctx, c.cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer func() { _ = a.Close() }()

	if err := a.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	c.logger.Info().Msg("Reconciliation complete")
	return nil
}

func (c *cli) migrateCmd() *cobra.Command {
	manager := func() *pkgdatabase.MigrationManager {
		return pkgdatabase.NewMigrationManager(c.cfg.Database.DatabasePath)
	}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Migrate(&c.cfg.Database); err != nil {
				return err
			}
			return printVersion(cmd, manager())
		},
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			RunE:  func(cmd *cobra.Command, args []string) error { return printVersion(cmd, manager()) },
		},
		&cobra.Command{
			Use:   "rollback",
			Short: "Revert every migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := manager().Rollback(); err != nil && !errors.Is(err, pkgdatabase.ErrNoChange) {
					return err
				}
				return printVersion(cmd, manager())
			},
		},
	)
	return cmd
}

func printVersion(cmd *cobra.Command, m *pkgdatabase.MigrationManager) error {
	v, dirty, err := m.Version()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", v, dirty)
	return nil
}
