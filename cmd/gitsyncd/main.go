package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/schaermu/gitsyncd/internal/config"
	"github.com/schaermu/gitsyncd/internal/git"
	"github.com/schaermu/gitsyncd/internal/report"
	"github.com/schaermu/gitsyncd/internal/sync"
	"github.com/schaermu/gitsyncd/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Sync command flags
	dryRun  bool
	targets []string

	// Diff command flags
	changedOnly bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gitsyncd",
	Short: "Reconcile files, flows and key/value pairs from a Git repository",
	Long: `gitsyncd checks out a Git repository and reconciles directories of it into
namespaced stores: plain files, YAML flow definitions and key/value pairs.

Every run writes a diff artifact describing what was added, updated,
overwritten, deleted or left unchanged. It can run as a oneshot sync (via
systemd timer) or as a long-running webhook daemon that responds to GitHub
push events.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform a one-time sync of all configured targets",
	Long: `Sync fetches the configured Git repository and reconciles every target
directory into its store. With --dry-run the changes are computed and reported
but not applied.`,
	RunE: runSync,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Serve performs an initial sync and then listens for GitHub webhook events,
triggering a debounced sync when the configured repository is updated.

A socket passed by systemd (named "webhook" or the only one) takes precedence
over serve.listen_addr.`,
	RunE: runServe,
}

var diffCmd = &cobra.Command{
	Use:   "diff <uri>",
	Short: "Print a diff artifact written by a previous run",
	Args:  cobra.ExactArgs(1),
	RunE:  runDiff,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gitsyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/gitsyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "auto", "log format (auto, text, json)")

	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	syncCmd.Flags().StringSliceVar(&targets, "target", nil, "only sync the named target (repeatable)")

	diffCmd.Flags().BoolVar(&changedOnly, "changed", false, "hide unchanged resources")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	backends, err := sync.OpenBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := backends.Close(); err != nil {
			logger.Warn("failed to close stores", "error", err)
		}
	}()

	gitClient := git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)
	engine := sync.NewEngine(cfg, gitClient, backends, logger, dryRun)
	if err := engine.Only(targets...); err != nil {
		return err
	}

	logger.Info("starting sync operation")
	res, err := engine.Run(ctx)
	if err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}

	printSummary(cmd.OutOrStdout(), res)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("invalid serve configuration: %w", err)
	}

	backends, err := sync.OpenBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := backends.Close(); err != nil {
			logger.Warn("failed to close stores", "error", err)
		}
	}()

	gitClient := git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)
	engine := sync.NewEngine(cfg, gitClient, backends, logger, false)

	server, err := webhook.NewServer(cfg, engine, logger)
	if err != nil {
		return err
	}

	return server.Start(ctx)
}

func runDiff(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, closeStore, err := sync.OpenBlobStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = closeStore()
	}()

	results, err := report.Open(ctx, store, args[0])
	if err != nil {
		return fmt.Errorf("failed to read diff %s: %w", args[0], err)
	}

	printDiff(cmd.OutOrStdout(), results, changedOnly)
	return nil
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	format := logFormat
	if format == "auto" {
		// journald and log shippers get JSON, terminals get text
		format = "json"
		if isatty.IsTerminal(os.Stderr.Fd()) {
			format = "text"
		}
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	// logs go to stderr, command output to stdout
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = fmt.Sprintf("%s/.config/gitsyncd/config.yaml", home)
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"repo", cfg.Repo.URL,
		"ref", cfg.Repo.Ref,
		"state_dir", cfg.Paths.StateDir,
		"targets", len(cfg.Targets),
		"artifacts", cfg.Artifacts.Backend)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
