// Package manifest persists the per-site record of documents that have been
// published, and provides the snapshot/restore pair used to keep that record
// consistent with the remote site when a publish attempt fails.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrCorrupt is returned by Load when the persisted manifest cannot be parsed.
	ErrCorrupt = errors.New("manifest is corrupt")
	// ErrSnapshotFailed is returned when a recovery copy cannot be made.
	ErrSnapshotFailed = errors.New("manifest snapshot failed")
	// ErrRestoreFailed is returned when a snapshot cannot be put back. The
	// persisted manifest may be in an unknown state afterwards.
	ErrRestoreFailed = errors.New("manifest restore failed")
)

// Entry records the last successful publish of one document.
type Entry struct {
	Fingerprint string `json:"fingerprint"` // content fingerprint at publish time
	PostID      string `json:"post_id"`     // remote post identifier
}

// Manifest maps a corpus-relative document path to its entry.
type Manifest map[string]Entry

// Clone returns a copy that can be mutated without affecting m.
func (m Manifest) Clone() Manifest {
	out := make(Manifest, len(m))
	for path, entry := range m {
		out[path] = entry
	}
	return out
}

// Snapshot is a handle to a durable copy of a site's persisted manifest,
// taken before a transaction mutates anything.
type Snapshot struct {
	ID      string
	Site    string
	Existed bool // whether a manifest was persisted when the snapshot was taken

	path string // backing copy, FileStore only
}

// Store loads and persists manifests. Implementations provide no locking;
// callers must serialise transactions per site.
type Store interface {
	// Load returns the persisted manifest, or an empty one if none exists.
	Load(site string) (Manifest, error)
	// Snapshot makes a durable copy of the persisted manifest.
	Snapshot(site string) (*Snapshot, error)
	// Commit atomically replaces the persisted manifest and discards snap.
	Commit(site string, m Manifest, snap *Snapshot) error
	// Restore puts the snapshot contents back and discards snap.
	Restore(site string, snap *Snapshot) error
}

// decode parses a persisted manifest. The top-level value must be a JSON
// object; "null" is rejected like any other non-object document.
func decode(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("top-level value is not a JSON object")
	}
	return m, nil
}

func encode(m Manifest) ([]byte, error) {
	if m == nil {
		m = Manifest{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func checkSnapshot(site string, snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("no snapshot for site %q", site)
	}
	if snap.Site != site {
		return fmt.Errorf("snapshot %s belongs to site %q, not %q", snap.ID, snap.Site, site)
	}
	return nil
}
