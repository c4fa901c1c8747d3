// Package main is the entry point for the Nautilus database migration tool.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/prn-tf/nautilus/internal/app"
	"github.com/prn-tf/nautilus/internal/config"
	"github.com/prn-tf/nautilus/internal/repository"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "nautilus-migrate",
	Short: "Nautilus database migration tool",
	Long: `nautilus-migrate applies the embedded schema migrations to the
configured database (PostgreSQL or SQLite).

Examples:
  nautilus-migrate up
  nautilus-migrate status --config /etc/nautilus/config.yaml`,
	SilenceUsage: true,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(cmd.Context(), func(ctx context.Context, db *repository.Database) error {
			before, err := db.Version(ctx)
			if err != nil {
				return err
			}
			if err := db.Migrate(ctx); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			after, err := db.Version(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Schema migrated from version %d to %d\n", before, after)
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(cmd.Context(), func(ctx context.Context, db *repository.Database) error {
			version, err := db.Version(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Current schema version: %d\n", version)
			return nil
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Nautilus Migration Tool\n")
		fmt.Printf("Version: %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")
	rootCmd.AddCommand(upCmd, statusCmd, versionCmd)
}

func withDatabase(ctx context.Context, fn func(context.Context, *repository.Database) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(zerolog.WarnLevel)
	db, err := app.OpenDatabase(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Health.Close()

	return fn(ctx, db)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
