package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// FileStore keeps one JSON document per site on the local filesystem.
type FileStore struct {
	dir   string
	paths map[string]string
}

// NewFileStore creates a store that keeps manifests under dir as <site>.json.
// Entries in paths override the location for individual sites.
func NewFileStore(dir string, paths map[string]string) *FileStore {
	overrides := make(map[string]string, len(paths))
	for site, p := range paths {
		if p != "" {
			overrides[site] = p
		}
	}
	return &FileStore{dir: dir, paths: overrides}
}

// Path returns the manifest file location for site.
func (s *FileStore) Path(site string) string {
	if p, ok := s.paths[site]; ok {
		return p
	}
	return filepath.Join(s.dir, site+".json")
}

// Load reads the manifest for site.
func (s *FileStore) Load(site string) (Manifest, error) {
	path := s.Path(site)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, nil
		}
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	m, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return m, nil
}

// Snapshot copies the current manifest file next to it. Nothing is copied
// when no manifest exists yet; the handle records that instead.
func (s *FileStore) Snapshot(site string) (*Snapshot, error) {
	path := s.Path(site)
	snap := &Snapshot{
		ID:   uuid.New().String(),
		Site: site,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return snap, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrSnapshotFailed, path, err)
	}

	snap.Existed = true
	snap.path = fmt.Sprintf("%s.%s.snapshot", path, snap.ID)
	if err := writeFileAtomic(snap.path, data, 0600); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSnapshotFailed, snap.path, err)
	}
	return snap, nil
}

// Commit replaces the manifest file with m and drops the snapshot copy.
func (s *FileStore) Commit(site string, m Manifest, snap *Snapshot) error {
	if err := checkSnapshot(site, snap); err != nil {
		return err
	}

	data, err := encode(m)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	path := s.Path(site)
	if err := writeFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest %s: %w", path, err)
	}

	s.discard(snap)
	return nil
}

// Restore puts the snapshot bytes back in place, or removes the manifest if
// none existed when the snapshot was taken.
func (s *FileStore) Restore(site string, snap *Snapshot) error {
	if err := checkSnapshot(site, snap); err != nil {
		return fmt.Errorf("%w: %v", ErrRestoreFailed, err)
	}

	path := s.Path(site)
	if !snap.Existed {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: %s: %v", ErrRestoreFailed, path, err)
		}
		return nil
	}

	data, err := os.ReadFile(snap.path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRestoreFailed, snap.path, err)
	}
	if err := writeFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRestoreFailed, path, err)
	}

	s.discard(snap)
	return nil
}

func (s *FileStore) discard(snap *Snapshot) {
	if snap.path != "" {
		_ = os.Remove(snap.path)
	}
}
