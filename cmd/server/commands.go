package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rpattn/sheetsync/internal/api"
	"github.com/rpattn/sheetsync/internal/db"
	"github.com/rpattn/sheetsync/internal/domain"
	"github.com/rpattn/sheetsync/internal/logger"
	"github.com/rpattn/sheetsync/internal/reconcile"
)

type rootOptions struct {
	ConfigPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "sheetsync",
		Short: "Keep a Postgres datastore in step with a human-edited spreadsheet",
		Long: `sheetsync reconciles spreadsheet rows with stored records.

Changes made only in the sheet are applied, changes made only in the
datastore are kept, and fields edited on both sides are reported as
conflicts. Records missing from the sheet are soft-deleted only when the
deletion safety rules allow it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.ConfigPath, "config", ".", "config file or directory containing config.yaml")

	root.AddCommand(
		newServeCommand(opts),
		newRunCommand(opts),
		newHistoryCommand(opts),
		newRecoverCommand(opts),
		newDeletionsCommand(opts),
		newForgetCommand(opts),
		newMigrateCommand(opts),
	)
	return root
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var skipMigrations bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the schedulers and the operator HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, opts.ConfigPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if !skipMigrations {
				if err := db.RunMigrations(a.cfg.Database); err != nil {
					return err
				}
			}

			registry := reconcile.NewRegistry(a.orchestrator, schedulesFromConfig(a.cfg), logger.Component(a.log, "scheduler"))
			if err := registry.Start(ctx); err != nil {
				return err
			}
			defer registry.Stop()

			server := &http.Server{
				Addr: a.cfg.Server.Addr,
				Handler: api.NewHandler(a.orchestrator, api.Options{
					AllowedOrigins: a.cfg.Server.AllowedOrigins,
					Health:         func(ctx context.Context) error { return a.conn.Pool.Ping(ctx) },
					Logger:         logger.Component(a.log, "http"),
				}),
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 10 * time.Minute,
				IdleTimeout:  60 * time.Second,
			}

			serverErr := make(chan error, 1)
			go func() {
				a.log.Info("Starting HTTP server", zap.String("addr", server.Addr), zap.Strings("scopes", a.orchestrator.Scopes()))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
				close(serverErr)
			}()

			select {
			case <-ctx.Done():
			case err := <-serverErr:
				if err != nil {
					return fmt.Errorf("http server: %w", err)
				}
			}

			a.log.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server forced to shutdown: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply pending migrations on start")
	return cmd
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	var scope string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one sync cycle for a scope and print its report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, opts.ConfigPath)
			if err != nil {
				return err
			}
			defer a.Close()

			run, runErr := a.orchestrator.RunSync(ctx, scope, domain.TriggerManual)
			if run.ID != uuid.Nil {
				if err := printJSON(cmd, run); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "scope to sync")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	var (
		scope string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent sync runs for a scope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, opts.ConfigPath)
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.orchestrator.RunHistory(ctx, scope, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, runs)
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "scope to inspect")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

func newRecoverCommand(opts *rootOptions) *cobra.Command {
	var recoveredBy string

	cmd := &cobra.Command{
		Use:   "recover <business-key>",
		Short: "Restore a soft-deleted record from its audit snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, opts.ConfigPath)
			if err != nil {
				return err
			}
			defer a.Close()

			record, err := a.orchestrator.RecoverRecord(ctx, args[0], recoveredBy)
			if err != nil {
				return err
			}
			return printJSON(cmd, record)
		},
	}
	cmd.Flags().StringVar(&recoveredBy, "by", os.Getenv("USER"), "operator performing the recovery")
	return cmd
}

func newDeletionsCommand(opts *rootOptions) *cobra.Command {
	var (
		scope string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "deletions",
		Short: "List soft-deleted records and their recovery state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, opts.ConfigPath)
			if err != nil {
				return err
			}
			defer a.Close()

			audits, err := a.orchestrator.DeletionAudits(ctx, scope, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, audits)
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "scope to inspect")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of audits")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

func newForgetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "forget <business-key>",
		Short: "Mark a deletion as permanent so it can no longer be recovered",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, opts.ConfigPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.orchestrator.ForgetDeletion(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deletion of %s is no longer recoverable\n", args[0])
			return nil
		},
	}
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(opts.ConfigPath)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			if err := db.RunMigrations(cfg.Database); err != nil {
				return err
			}
			version, dirty, err := db.MigrationVersion(cfg.Database)
			if err != nil {
				return err
			}
			log.Info("Migrations applied", zap.Uint("version", version), zap.Bool("dirty", dirty))
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, payload any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}
