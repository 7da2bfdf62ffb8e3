package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/andresmejia3/facegate/internal/config"
	"github.com/andresmejia3/facegate/internal/store"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/spf13/cobra"
)

var (
	// DB is the shared database connection. It stays nil when no database
	// is configured; persistence is optional.
	DB *store.Store
	// Cfg is the configuration loaded before any subcommand runs.
	Cfg *config.Config
	// Logger is the structured logger handed to internal packages.
	Logger *slog.Logger

	configPath string
	dbURL      string
	logLevel   string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:           "facegate",
	Short:         "Real-time face verification against a reference gallery",
	Version:       Version, // This enables the --version flag
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if dbURL != "" {
			Cfg.Database.URL = dbURL
		}
		if cmd.Flags().Changed("log-level") || Cfg.LogLevel == "" {
			Cfg.LogLevel = logLevel
		}

		Logger, err = newLogger(Cfg.LogLevel)
		if err != nil {
			return err
		}
		slog.SetDefault(Logger)

		// Persistence is optional: only connect when a URL is configured
		if Cfg.Database.URL == "" {
			return nil
		}
		DB, err = store.New(cmd.Context(), Cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
	},
}

// Execute runs the root command until it finishes or SIGINT/SIGTERM arrives.
func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var shown *shownError
		if !errors.As(err, &shown) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: DATABASE_URL or POSTGRES_* env; unset disables persistence)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
}

// newLogger returns a text logger on stderr, keeping stdout for results.
func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

// shownError marks an error that was already reported with utils.ShowError.
type shownError struct {
	err error
}

func (e *shownError) Error() string { return e.err.Error() }

func (e *shownError) Unwrap() error { return e.err }

// fail reports err in the boxed format, including the logs of a crashed
// child process, and returns it for cobra.
func fail(context string, err error, s *utils.SafeCommand) error {
	utils.ShowError(context, err, s)
	return &shownError{err: err}
}

// requireDB is used by subcommands that cannot work without persistence.
func requireDB() error {
	if DB == nil {
		return errors.New("this command needs a database: pass --db or set DATABASE_URL / POSTGRES_HOST")
	}
	return nil
}
