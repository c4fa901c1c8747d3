// Package main is the entry point for the Nautilus admin CLI.
// This tool provides maintenance commands for storage, the job queue and
// the retention sweep.
package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/prn-tf/nautilus/internal/app"
	"github.com/prn-tf/nautilus/internal/auth"
	"github.com/prn-tf/nautilus/internal/config"
	"github.com/prn-tf/nautilus/internal/lock"
	"github.com/prn-tf/nautilus/internal/pkg/crypto"
	"github.com/prn-tf/nautilus/internal/queue"
	"github.com/prn-tf/nautilus/internal/service"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "nautilus-admin",
	Short: "Nautilus admin CLI",
	Long: `nautilus-admin provides maintenance commands for a Nautilus deployment.

Examples:
  nautilus-admin storage check
  nautilus-admin storage ls <project-id>
  nautilus-admin sweep run --dry-run
  nautilus-admin queue stats
  nautilus-admin token generate --user <uuid>`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	rootCmd.AddCommand(versionCmd, storageCmd, sweepCmd, queueCmd, tokenCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Nautilus Admin CLI\n")
		fmt.Printf("Version: %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)
	},
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(level)
	return cfg, logger, nil
}

// =============================================================================
// Storage
// =============================================================================

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Inspect the storage backend",
}

var storageCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify storage credentials and connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		backend, err := app.NewBackend(cmd.Context(), cfg.Storage, logger)
		if err != nil {
			return err
		}
		if err := backend.Check(cmd.Context()); err != nil {
			return fmt.Errorf("%s backend check failed: %w", backend.Name(), err)
		}
		fmt.Printf("%s backend OK (%s)\n", backend.Name(), backend.PublicURL())
		return nil
	},
}

var storageListCmd = &cobra.Command{
	Use:   "ls [prefix]",
	Short: "List stored objects under a prefix",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		backend, err := app.NewBackend(cmd.Context(), cfg.Storage, logger)
		if err != nil {
			return err
		}

		prefix := ""
		if len(args) == 1 {
			prefix = args[0]
		}
		objects, err := backend.List(cmd.Context(), prefix)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PATH\tSIZE\tMODIFIED")
		var total int64
		for _, obj := range objects {
			total += obj.Size
			fmt.Fprintf(w, "%s\t%s\t%s\n", obj.Path, humanize.IBytes(uint64(obj.Size)), humanize.Time(obj.ModifiedOn))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("%d objects, %s\n", len(objects), humanize.IBytes(uint64(total)))
		return nil
	},
}

// =============================================================================
// Sweep
// =============================================================================

var sweepDryRun bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Manage the retention sweep",
}

var sweepRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one retention sweep now",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := app.New(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		// a dry run changes nothing, so it may overlap a live sweep
		locker := a.Locker
		if sweepDryRun {
			locker = lock.NewNoOpLocker()
		}
		sweep := service.NewRetentionService(a.DB.Repos.Project, a.DB.Repos.File, a.Projects, a.Jobs, locker, a.Metrics, logger, service.RetentionConfig{
			Interval:            cfg.Lifecycle.SweepInterval,
			StalePromotionAfter: cfg.Lifecycle.StalePromotionAfter,
			BatchSize:           cfg.Lifecycle.SweepBatchSize,
			DryRun:              sweepDryRun,
		})
		result := sweep.RunOnce(cmd.Context())
		if result.Skipped {
			fmt.Println("Sweep skipped: another process holds the sweep lock")
			return nil
		}

		fmt.Printf("Projects deleted:   %d\n", result.ProjectsDeleted)
		fmt.Printf("Files reset:        %d\n", result.FilesReset)
		fmt.Printf("Files rescheduled:  %d\n", result.FilesRescheduled)
		fmt.Printf("Errors:             %d\n", result.Errors)
		fmt.Printf("Duration:           %s\n", result.Duration)
		if sweepDryRun {
			fmt.Println("(dry run, nothing was changed)")
		}
		if result.Errors > 0 {
			return fmt.Errorf("sweep finished with %d errors", result.Errors)
		}
		return nil
	},
}

// =============================================================================
// Queue
// =============================================================================

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the job queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show scheduled, processing and failed job counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Queue.Driver != "redis" {
			return fmt.Errorf("queue driver %q is in-process; nothing to inspect", cfg.Queue.Driver)
		}

		client, err := app.NewRedisClient(cmd.Context(), cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()

		stats, err := queue.NewRedisQueue(client, cfg.Queue.Channel, cfg.Queue.VisibilityTimeout).Stats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Scheduled:   %d\n", stats.Scheduled)
		fmt.Printf("Processing:  %d\n", stats.Processing)
		fmt.Printf("Failed:      %d\n", stats.Failed)
		return nil
	},
}

// =============================================================================
// Token
// =============================================================================

var tokenUser string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate cookies and secrets",
}

var tokenGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Sign a user cookie value, e.g. for API testing",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		userID := cfg.Auth.SingleUser()
		if tokenUser != "" {
			userID, err = uuid.Parse(tokenUser)
			if err != nil {
				return fmt.Errorf("invalid user id: %w", err)
			}
		}
		if userID == uuid.Nil {
			return fmt.Errorf("--user is required unless auth.single_user_id is set")
		}

		issuer, err := auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.CookieMaxAge())
		if err != nil {
			return err
		}
		token, err := issuer.Issue(userID)
		if err != nil {
			return err
		}
		fmt.Printf("%s=%s\n", cfg.Auth.CookieName, token)
		return nil
	},
}

var tokenSecretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Print a random value for auth.secret or zimfarm.callback_token",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := crypto.GenerateToken()
		if err != nil {
			return err
		}
		fmt.Println(secret)
		return nil
	},
}

func init() {
	storageCmd.AddCommand(storageCheckCmd, storageListCmd)

	sweepRunCmd.Flags().BoolVar(&sweepDryRun, "dry-run", false, "Log what would be done without changing anything")
	sweepCmd.AddCommand(sweepRunCmd)

	queueCmd.AddCommand(queueStatsCmd)

	tokenGenerateCmd.Flags().StringVar(&tokenUser, "user", "", "User ID to sign (defaults to auth.single_user_id)")
	tokenCmd.AddCommand(tokenGenerateCmd, tokenSecretCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
