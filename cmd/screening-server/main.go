package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/screening/screening/internal/config"
	"github.com/screening/screening/internal/domain/scoring"
	"github.com/screening/screening/internal/platform/db"
	"github.com/screening/screening/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "screening-server",
		Short:        "Clinical screening API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(registryCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the screening API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, newLogger(cfg))
		},
	}
}

// migrationFiles prefers an on-disk directory so operators can ship new
// files without a rebuild; otherwise the embedded set is used.
func migrationFiles(dir string) fs.FS {
	if dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return os.DirFS(dir)
		}
	}
	return migrations.FS
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrationFiles(dir)).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR, then the embedded set)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationFiles(dir)).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(w, "%03d\t%s\t%s\t%s\n", s.Version, s.Name, status, appliedAt)
			}
			return w.Flush()
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR, then the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Cancel orders with expired links and open retention deletion requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			app, err := buildApp(ctx, cfg, pool, nil, logger)
			if err != nil {
				return err
			}
			rep, err := app.orders.Sweep(ctx, dryRun)
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}
			logger.Info().
				Bool("dry_run", rep.DryRun).
				Int("cancelled", len(rep.Cancelled)).
				Int("deletion_requested", len(rep.DeletionRequested)).
				Int("failed", rep.Failed).
				Msg("sweep finished")
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		},
	}
	cmd.Flags().Bool("dry-run", false, "Report what would change without writing")
	return cmd
}

func registryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect the instrument registry",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the embedded instrument registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := scoring.DefaultRegistry()
			if err != nil {
				return fmt.Errorf("registry invalid: %w", err)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "engine_version\t%s\n\n", reg.EngineVersion())
			fmt.Fprintln(w, "BATTERY\tVERSION\tTESTS")
			for _, b := range reg.Batteries() {
				fmt.Fprintf(w, "%s\t%s\t%v\n", b.Code, b.Version, b.Tests)
			}
			return w.Flush()
		},
	})
	return cmd
}
