package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/schaermu/pressync/internal/config"
	"github.com/schaermu/pressync/internal/manifest"
	"github.com/schaermu/pressync/internal/publish"
	"github.com/schaermu/pressync/internal/sync"
	"github.com/schaermu/pressync/internal/trigger"
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

	// Sync flags
	dryRun bool
	force  bool
	sites  []string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pressync",
	Short: "Publish a Markdown corpus to WordPress sites",
	Long: `pressync keeps the posts of one or more WordPress sites in line with a
directory of Markdown documents.

Each run compares the corpus with the site's manifest and publishes new and
changed documents in one batch. The manifest only advances when the site has
acknowledged the whole batch.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform a one-time sync of every configured site",
	Long: `Sync scans each site's corpus, classifies documents as new, changed or
unchanged against the manifest, and publishes the pending ones.

Failed batches are retried up to sync.max_retries times; the manifest is
restored after every failed attempt.`,
	RunE: runSync,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Sync on push webhooks and local corpus changes",
	Long: `Serve performs an initial sync and then keeps running, syncing again when a
signed push webhook arrives or when a document in a local corpus changes.

Bursts of triggers are debounced and at most one sync runs at a time.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pressync %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/pressync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Sync command flags
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be published without publishing")
	syncCmd.Flags().BoolVar(&force, "force", false, "republish every document regardless of its fingerprint")
	syncCmd.Flags().StringArrayVar(&sites, "site", nil, "only sync the named site (repeatable)")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
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

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = closeStore()
	}()

	engine := sync.NewEngine(cfg, store, publisherFactory(cfg, logger), nil, logger)

	start := time.Now()
	results, runErr := engine.Run(ctx, sync.Options{DryRun: dryRun, Force: force, Sites: sites})
	printReport(cmd.OutOrStdout(), results, time.Since(start))

	if runErr != nil {
		return runErr
	}
	for _, r := range results {
		if !r.OK() {
			return fmt.Errorf("site %s finished with status %s", r.Site, r.Status)
		}
	}
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
	if !cfg.Serve.Enabled {
		return fmt.Errorf("serve is disabled, set serve.enabled in %s", configPath())
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = closeStore()
	}()

	engine := sync.NewEngine(cfg, store, publisherFactory(cfg, logger), nil, logger)
	run := func(ctx context.Context) error {
		_, err := engine.Run(ctx, sync.Options{})
		return err
	}

	server, err := trigger.NewServer(cfg, run, logger)
	if err != nil {
		return fmt.Errorf("failed to create trigger server: %w", err)
	}
	return server.Start(ctx)
}

// openStore returns the manifest store selected by manifest.backend and a
// function releasing it.
func openStore(cfg *config.Config) (manifest.Store, func() error, error) {
	switch cfg.Manifest.Backend {
	case config.BackendBolt:
		if err := os.MkdirAll(filepath.Dir(cfg.BoltPath()), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create state directory: %w", err)
		}
		store, err := manifest.OpenBoltStore(cfg.BoltPath())
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		store := manifest.NewFileStore(cfg.ManifestDir(), cfg.ManifestPaths())
		return store, func() error { return nil }, nil
	}
}

// publisherFactory builds publishers from the credentials of each site
func publisherFactory(cfg *config.Config, logger *slog.Logger) sync.PublisherFactory {
	return func(site config.SiteConfig) (publish.Publisher, error) {
		creds, err := site.Credentials()
		if err != nil {
			return nil, err
		}
		switch {
		case creds.Mode == config.AuthREST && site.Auth.PasswordFile != "":
			logger.Warn("both application_password_file and password_file configured, using rest api", "site", site.Name)
		case creds.Mode != site.AuthMode():
			logger.Warn("application password too short, falling back to xml-rpc", "site", site.Name)
		}
		return publish.NewForSite(publish.SiteOptions{
			Domain:              site.Domain,
			Username:            site.Username,
			ApplicationPassword: creds.ApplicationPassword,
			Password:            creds.Password,
			TouchDate:           cfg.Sync.TouchPostDate,
			Logger:              logger.With("site", site.Name),
		})
	}
}

// printReport writes one line per site and the total duration
func printReport(w io.Writer, results []sync.SiteResult, elapsed time.Duration) {
	ok := color.New(color.FgGreen).SprintFunc()
	warn := color.New(color.FgYellow).SprintFunc()
	bad := color.New(color.FgRed, color.Bold).SprintFunc()

	for _, r := range results {
		status := string(r.Status)
		switch {
		case r.DryRun:
			status = warn("dry-run")
		case r.OK():
			status = ok(status)
		default:
			status = bad(status)
		}

		_, _ = fmt.Fprintf(w, "%-12s %s  new=%d changed=%d unchanged=%d",
			r.Site, status, r.New, r.Changed, r.Unchanged)
		if r.Attempts > 1 {
			_, _ = fmt.Fprintf(w, " attempts=%d", r.Attempts)
		}
		_, _ = fmt.Fprintf(w, " (%s)\n", r.Duration.Round(time.Millisecond))
		if r.Err != nil {
			_, _ = fmt.Fprintf(w, "  %s\n", bad(r.Err.Error()))
		}
	}
	_, _ = fmt.Fprintf(w, "all done in %s\n", elapsed.Round(time.Millisecond))
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

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "pressync", "config.yaml")
	}
	return filepath.Join(home, ".config", "pressync", "config.yaml")
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	path := configPath()
	logger.Info("loading configuration", "path", path)

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	for _, name := range cfg.IgnoredManifestOverrides() {
		logger.Warn("manifest override is ignored by the bolt backend", "site", name, "db", cfg.BoltPath())
	}

	logger.Debug("configuration loaded",
		"sites", len(cfg.Sites),
		"state_dir", cfg.Paths.StateDir,
		"manifest_backend", cfg.Manifest.Backend,
		"serve", cfg.Serve.Enabled)

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
