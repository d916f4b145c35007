package manifest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

const (
	manifestsBucket = "manifests"
	snapshotsBucket = "snapshots"
)

// BoltStore keeps every site's manifest in one bbolt database. Each manifest
// is stored as the same JSON document FileStore writes, keyed by site name.
type BoltStore struct {
	db *bbolt.DB
}

// snapshotRecord is what a snapshot looks like inside the snapshots bucket.
type snapshotRecord struct {
	ID      string `json:"id"`
	Existed bool   `json:"existed"`
	Data    []byte `json:"data,omitempty"`
}

// OpenBoltStore opens (or creates) the database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	// Timeout keeps a second process from blocking forever on the file lock
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest database %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{manifestsBucket, snapshotsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create manifest buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close releases the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Load reads the manifest for site.
func (s *BoltStore) Load(site string) (Manifest, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket([]byte(manifestsBucket)).Get([]byte(site)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest for %s: %w", site, err)
	}
	if data == nil {
		return Manifest{}, nil
	}

	m, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: site %s: %v", ErrCorrupt, site, err)
	}
	return m, nil
}

// Snapshot stores a copy of the current manifest bytes in the snapshots bucket.
func (s *BoltStore) Snapshot(site string) (*Snapshot, error) {
	snap := &Snapshot{
		ID:   uuid.New().String(),
		Site: site,
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		rec := snapshotRecord{ID: snap.ID}
		if v := tx.Bucket([]byte(manifestsBucket)).Get([]byte(site)); v != nil {
			rec.Existed = true
			rec.Data = append([]byte(nil), v...)
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		snap.Existed = rec.Existed
		return tx.Bucket([]byte(snapshotsBucket)).Put([]byte(site), raw)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: site %s: %v", ErrSnapshotFailed, site, err)
	}
	return snap, nil
}

// Commit writes m and drops the snapshot in a single transaction.
func (s *BoltStore) Commit(site string, m Manifest, snap *Snapshot) error {
	if err := checkSnapshot(site, snap); err != nil {
		return err
	}
	data, err := encode(m)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := loadSnapshotRecord(tx, site, snap.ID); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(manifestsBucket)).Put([]byte(site), data); err != nil {
			return err
		}
		return tx.Bucket([]byte(snapshotsBucket)).Delete([]byte(site))
	})
	if err != nil {
		return fmt.Errorf("failed to commit manifest for %s: %w", site, err)
	}
	return nil
}

// Restore puts the snapshot bytes back and drops the snapshot in a single
// transaction.
func (s *BoltStore) Restore(site string, snap *Snapshot) error {
	if err := checkSnapshot(site, snap); err != nil {
		return fmt.Errorf("%w: %v", ErrRestoreFailed, err)
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		rec, err := loadSnapshotRecord(tx, site, snap.ID)
		if err != nil {
			return err
		}
		manifests := tx.Bucket([]byte(manifestsBucket))
		if rec.Existed {
			if err := manifests.Put([]byte(site), rec.Data); err != nil {
				return err
			}
		} else if err := manifests.Delete([]byte(site)); err != nil {
			return err
		}
		return tx.Bucket([]byte(snapshotsBucket)).Delete([]byte(site))
	})
	if err != nil {
		return fmt.Errorf("%w: site %s: %v", ErrRestoreFailed, site, err)
	}
	return nil
}

func loadSnapshotRecord(tx *bbolt.Tx, site, id string) (*snapshotRecord, error) {
	raw := tx.Bucket([]byte(snapshotsBucket)).Get([]byte(site))
	if raw == nil {
		return nil, fmt.Errorf("snapshot %s for site %s not found", id, site)
	}
	var rec snapshotRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("snapshot record for site %s is unreadable: %w", site, err)
	}
	if rec.ID != id {
		return nil, fmt.Errorf("snapshot %s for site %s was superseded by %s", id, site, rec.ID)
	}
	return &rec, nil
}
