package sync

import (
	"time"

	"github.com/schaermu/pressync/internal/corpus"
)

// Classification partitions the documents of one run. Each list is sorted by
// path and the lists are disjoint.
type Classification struct {
	New       []corpus.Document
	Changed   []corpus.Document
	Unchanged []corpus.Document
}

// Pending returns the number of documents that need publishing.
func (c *Classification) Pending() int {
	return len(c.New) + len(c.Changed)
}

// Status is the outcome of syncing one site
type Status string

const (
	StatusNoChanges          Status = "no_changes"
	StatusSuccess            Status = "success"
	StatusFailedAfterRetries Status = "failed_after_retries"
	StatusAborted            Status = "aborted"
)

// Phase is the state of a Transaction
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseSnapshotting Phase = "snapshotting"
	PhasePublishing   Phase = "publishing"
	PhaseCommitting   Phase = "committing"
	PhaseRestoring    Phase = "restoring"
	PhaseRetryWait    Phase = "retry_wait"
	PhaseDone         Phase = "done"
	PhaseFailed       Phase = "failed"
)

// SiteResult reports what a run did for one site
type SiteResult struct {
	Site      string
	Status    Status
	New       int
	Changed   int
	Unchanged int
	Published map[string]string // path -> post ID, set on success
	Attempts  int
	DryRun    bool
	Duration  time.Duration
	Err       error
}

// OK reports whether the site ended in a state that needs no attention.
func (r SiteResult) OK() bool {
	return r.Status == StatusSuccess || r.Status == StatusNoChanges
}
