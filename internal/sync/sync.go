// Package sync brings the posts of each configured site in line with its
// Markdown corpus.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/schaermu/pressync/internal/config"
	"github.com/schaermu/pressync/internal/corpus"
	"github.com/schaermu/pressync/internal/git"
	"github.com/schaermu/pressync/internal/manifest"
	"github.com/schaermu/pressync/internal/publish"
)

// PublisherFactory returns the publisher for a site
type PublisherFactory func(site config.SiteConfig) (publish.Publisher, error)

// GitFactory returns the git client for a site's corpus repository
type GitFactory func(repo config.RepoConfig) git.Client

// Options tunes a single Run
type Options struct {
	DryRun bool
	Force  bool     // in addition to sync.force from the config
	Sites  []string // empty selects every site
}

// Engine orchestrates the sync process across sites
type Engine struct {
	cfg        *config.Config
	store      manifest.Store
	publishers PublisherFactory
	git        GitFactory
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, store manifest.Store, publishers PublisherFactory, gitFactory GitFactory, logger *slog.Logger) *Engine {
	if gitFactory == nil {
		gitFactory = func(repo config.RepoConfig) git.Client {
			return git.NewClient(repo.SSHKeyFile, repo.HTTPSTokenFile)
		}
	}
	return &Engine{
		cfg:        cfg,
		store:      store,
		publishers: publishers,
		git:        gitFactory,
		logger:     logger,
		sleep:      sleepContext,
	}
}

// Run syncs the selected sites one after another. A failing site does not
// stop the others; their errors are joined in the returned error.
func (e *Engine) Run(ctx context.Context, opts Options) ([]SiteResult, error) {
	sites, err := e.selectSites(opts.Sites)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(e.cfg.Paths.StateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	logger := e.logger.With("run_id", uuid.NewString())
	logger.Info("starting sync",
		"sites", len(sites),
		"force", opts.Force || e.cfg.Sync.Force,
		"dry_run", opts.DryRun)

	results := make([]SiteResult, 0, len(sites))
	var errs []error

	for _, site := range sites {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("sync interrupted before site %s: %w", site.Name, err))
			break
		}

		res := e.syncSite(ctx, site, opts, logger)
		results = append(results, res)
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("site %s: %w", site.Name, res.Err))
		}
	}

	return results, errors.Join(errs...)
}

func (e *Engine) selectSites(names []string) ([]config.SiteConfig, error) {
	if len(names) == 0 {
		return e.cfg.Sites, nil
	}

	sites := make([]config.SiteConfig, 0, len(names))
	for _, name := range names {
		site, ok := e.cfg.Site(name)
		if !ok {
			return nil, fmt.Errorf("unknown site: %s", name)
		}
		sites = append(sites, site)
	}
	return sites, nil
}

func (e *Engine) syncSite(ctx context.Context, site config.SiteConfig, opts Options, runLogger *slog.Logger) SiteResult {
	start := time.Now()
	logger := runLogger.With("site", site.Name)
	res := SiteResult{Site: site.Name, DryRun: opts.DryRun}
	abort := func(err error) SiteResult {
		res.Status = StatusAborted
		res.Err = err
		res.Duration = time.Since(start)
		logger.Error("site sync aborted", "error", err)
		return res
	}

	if repo := site.Corpus.Repo; repo != nil {
		logger.Info("fetching repository", "url", repo.URL, "ref", repo.Ref, "auth", repo.AuthMethod())
		commit, err := e.git(*repo).EnsureCheckout(ctx, repo.URL, repo.Ref, e.cfg.RepoDir(site))
		if err != nil {
			return abort(fmt.Errorf("failed to checkout repository: %w", err))
		}
		logger.Info("repository checked out", "commit", commit)
	}

	dir := e.cfg.CorpusDir(site)
	docs, err := corpus.Scan(ctx, corpus.Open(dir), corpus.ScanOptions{Workers: e.cfg.Sync.HashWorkers})
	if err != nil {
		return abort(fmt.Errorf("failed to scan corpus %s: %w", dir, err))
	}
	logger.Info("discovered documents", "count", len(docs), "dir", dir)

	prev, err := e.store.Load(site.Name)
	if err != nil {
		return abort(fmt.Errorf("failed to load manifest: %w", err))
	}

	c := Detect(docs, prev, DetectOptions{Force: opts.Force || e.cfg.Sync.Force})
	res.New, res.Changed, res.Unchanged = len(c.New), len(c.Changed), len(c.Unchanged)
	logger.Info("sync plan", "new", res.New, "changed", res.Changed, "unchanged", res.Unchanged)
	e.logClassification(logger, c, opts.DryRun)

	if opts.DryRun {
		res.Status = StatusNoChanges
		if c.Pending() > 0 {
			res.Status = StatusSuccess
		}
		res.Duration = time.Since(start)
		logger.Info("dry-run complete, nothing published")
		return res
	}

	if c.Pending() == 0 {
		res.Status = StatusNoChanges
		res.Duration = time.Since(start)
		logger.Info("site is up to date")
		return res
	}

	publisher, err := e.publishers(site)
	if err != nil {
		return abort(fmt.Errorf("failed to create publisher: %w", err))
	}

	tx := NewTransaction(TransactionConfig{
		Site:       site.Name,
		MaxRetries: e.cfg.Sync.MaxRetries,
		RetryDelay: e.cfg.Sync.RetryDelay,
		Metadata: publish.PostMetadata{
			Status:        site.Post.Status,
			Categories:    site.Post.Categories,
			Tags:          site.Post.Tags,
			CommentStatus: site.Post.CommentStatus,
		},
	}, e.store, publisher, runLogger)
	tx.sleep = e.sleep

	out := tx.Run(ctx, prev, c)
	res.Status = out.Status
	res.Published = out.Published
	res.Attempts = out.Attempts
	res.Err = out.Err
	res.Duration = time.Since(start)

	if res.Err != nil {
		logger.Error("site sync failed", "status", res.Status, "attempts", res.Attempts, "error", res.Err)
	} else {
		logger.Info("site sync completed", "published", len(res.Published), "attempts", res.Attempts)
	}
	return res
}

// logClassification logs every pending document, and with sync.verbose every
// document, at info level.
func (e *Engine) logClassification(logger *slog.Logger, c *Classification, dryRun bool) {
	prefix := ""
	if dryRun {
		prefix = "[dry-run] would "
	}
	for _, doc := range c.New {
		logger.Info(prefix+"create post", "path", doc.Path)
	}
	for _, doc := range c.Changed {
		logger.Info(prefix+"update post", "path", doc.Path)
	}

	level := slog.LevelDebug
	if e.cfg.Sync.Verbose {
		level = slog.LevelInfo
	}
	for _, doc := range c.Unchanged {
		logger.Log(context.Background(), level, "unchanged", "path", doc.Path)
	}
}
