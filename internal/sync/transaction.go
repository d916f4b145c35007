package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/schaermu/pressync/internal/manifest"
	"github.com/schaermu/pressync/internal/publish"
)

var (
	// ErrPublishFailed is returned once every publish attempt has failed.
	ErrPublishFailed = errors.New("publish failed")
	// ErrCommitFailed is returned when the remote accepted the batch but the
	// manifest could not be committed.
	ErrCommitFailed = errors.New("manifest commit failed")
)

// TransactionConfig holds the per-site settings of a Transaction
type TransactionConfig struct {
	Site       string
	MaxRetries int // total publish attempts
	RetryDelay time.Duration
	Metadata   publish.PostMetadata
}

// Transaction publishes one classification for one site and keeps the
// manifest consistent with what the remote site has acknowledged. Each
// attempt snapshots the manifest, publishes the whole batch, and then either
// commits the new manifest or restores the snapshot.
//
// A Transaction is single-use and not safe for concurrent use.
type Transaction struct {
	cfg       TransactionConfig
	store     manifest.Store
	publisher publish.Publisher
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error

	phase   Phase
	attempt int
}

// NewTransaction creates a transaction in the idle phase
func NewTransaction(cfg TransactionConfig, store manifest.Store, publisher publish.Publisher, logger *slog.Logger) *Transaction {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	return &Transaction{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		logger:    logger.With("site", cfg.Site),
		sleep:     sleepContext,
		phase:     PhaseIdle,
	}
}

// Phase returns the current phase
func (t *Transaction) Phase() Phase {
	return t.phase
}

// Attempts returns the number of publish attempts made so far
func (t *Transaction) Attempts() int {
	return t.attempt
}

// Run publishes the New and Changed documents of c. prev must be the manifest
// c was computed against.
func (t *Transaction) Run(ctx context.Context, prev manifest.Manifest, c *Classification) SiteResult {
	result := SiteResult{Site: t.cfg.Site}

	if c.Pending() == 0 {
		t.setPhase(PhaseDone)
		result.Status = StatusNoChanges
		return result
	}

	batch := t.batch(prev, c)
	var lastErr error

	for t.attempt < t.cfg.MaxRetries {
		t.attempt++
		result.Attempts = t.attempt

		t.setPhase(PhaseSnapshotting)
		snap, err := t.store.Snapshot(t.cfg.Site)
		if err != nil {
			return t.fail(result, StatusAborted, err)
		}

		t.setPhase(PhasePublishing)
		ids, err := t.publisher.Publish(ctx, batch)
		if err == nil {
			err = checkMapping(batch, ids)
		}

		if err == nil {
			t.setPhase(PhaseCommitting)
			if err := t.store.Commit(t.cfg.Site, merge(prev, batch, ids), snap); err != nil {
				commitErr := fmt.Errorf("%w: %w", ErrCommitFailed, err)
				t.setPhase(PhaseRestoring)
				if rerr := t.store.Restore(t.cfg.Site, snap); rerr != nil {
					return t.fail(result, StatusAborted, errors.Join(commitErr, rerr))
				}
				return t.fail(result, StatusAborted, commitErr)
			}

			t.setPhase(PhaseDone)
			t.logger.Info("published batch", "documents", len(batch), "attempt", t.attempt)
			result.Status = StatusSuccess
			result.Published = ids
			return result
		}

		lastErr = err
		t.logger.Warn("publish attempt failed",
			"attempt", t.attempt,
			"max_retries", t.cfg.MaxRetries,
			"error", err)

		t.setPhase(PhaseRestoring)
		if rerr := t.store.Restore(t.cfg.Site, snap); rerr != nil {
			return t.fail(result, StatusAborted, fmt.Errorf("%w (after publish error: %v)", rerr, err))
		}

		if t.attempt >= t.cfg.MaxRetries {
			break
		}

		t.setPhase(PhaseRetryWait)
		if err := t.sleep(ctx, t.cfg.RetryDelay); err != nil {
			return t.fail(result, StatusAborted, errors.Join(
				fmt.Errorf("retry wait interrupted: %w", err),
				fmt.Errorf("%w: %w", ErrPublishFailed, lastErr),
			))
		}
	}

	return t.fail(result, StatusFailedAfterRetries,
		fmt.Errorf("%w after %d attempts: %w", ErrPublishFailed, t.attempt, lastErr))
}

func (t *Transaction) fail(result SiteResult, status Status, err error) SiteResult {
	t.setPhase(PhaseFailed)
	result.Status = status
	result.Err = err
	return result
}

func (t *Transaction) setPhase(p Phase) {
	t.logger.Debug("transaction phase", "from", t.phase, "to", p, "attempt", t.attempt)
	t.phase = p
}

// batch lists New documents first, then Changed ones, with the post ID of
// any existing entry.
func (t *Transaction) batch(prev manifest.Manifest, c *Classification) []publish.Item {
	items := make([]publish.Item, 0, c.Pending())
	for _, doc := range c.New {
		items = append(items, publish.Item{Document: doc, Metadata: t.cfg.Metadata, PostID: prev[doc.Path].PostID})
	}
	for _, doc := range c.Changed {
		items = append(items, publish.Item{Document: doc, Metadata: t.cfg.Metadata, PostID: prev[doc.Path].PostID})
	}
	return items
}

// checkMapping rejects a publisher result that does not cover the batch.
func checkMapping(batch []publish.Item, ids map[string]string) error {
	for _, item := range batch {
		if ids[item.Document.Path] == "" {
			return fmt.Errorf("publisher returned no post id for %s", item.Document.Path)
		}
	}
	return nil
}

// merge returns prev plus one fresh entry per published document.
func merge(prev manifest.Manifest, batch []publish.Item, ids map[string]string) manifest.Manifest {
	next := prev.Clone()
	for _, item := range batch {
		next[item.Document.Path] = manifest.Entry{
			Fingerprint: item.Document.Fingerprint,
			PostID:      ids[item.Document.Path],
		}
	}
	return next
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
