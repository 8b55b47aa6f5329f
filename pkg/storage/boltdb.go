package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/cms-pdmv/gridpack-machine/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketGridpacks = []byte("gridpacks")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "gridpacks.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketGridpacks); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketGridpacks, err)
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Create inserts a gridpack, stamping last_update. Inserting an
// existing id is a no-op so retried creates stay idempotent.
func (s *BoltStore) Create(gridpack *types.Gridpack) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGridpacks)
		if b.Get([]byte(gridpack.ID)) != nil {
			return nil
		}
		gridpack.LastUpdate = time.Now().Unix()
		data, err := json.Marshal(gridpack)
		if err != nil {
			return err
		}
		return b.Put([]byte(gridpack.ID), data)
	})
}

// Update replaces a gridpack document, stamping last_update
func (s *BoltStore) Update(gridpack *types.Gridpack) error {
	if gridpack.ID == "" {
		return fmt.Errorf("gridpack has no id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGridpacks)
		gridpack.LastUpdate = time.Now().Unix()
		data, err := json.Marshal(gridpack)
		if err != nil {
			return err
		}
		return b.Put([]byte(gridpack.ID), data)
	})
}

// Delete removes a gridpack by id
func (s *BoltStore) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGridpacks)
		return b.Delete([]byte(id))
	})
}

// Get fetches a gridpack by id. Returns nil without error when the
// document does not exist.
func (s *BoltStore) Get(id string) (*types.Gridpack, error) {
	var gridpack *types.Gridpack
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGridpacks)
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		gridpack = &types.Gridpack{}
		return json.Unmarshal(data, gridpack)
	})
	if err != nil {
		return nil, err
	}
	if gridpack != nil {
		gridpack.ApplyDefaults()
	}
	return gridpack, nil
}

// List returns a page of gridpacks sorted by id descending and the
// total count. Ids are millisecond timestamps, so descending id order
// is newest first.
func (s *BoltStore) List(page, limit int) ([]*types.Gridpack, int, error) {
	all, err := s.all()
	if err != nil {
		return nil, 0, err
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].ID > all[j].ID
	})

	total := len(all)
	if limit <= 0 {
		return all, total, nil
	}
	start := page * limit
	if start >= total {
		return []*types.Gridpack{}, total, nil
	}
	end := start + limit
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

// ByStatus returns all gridpacks whose status is in the given set
func (s *BoltStore) ByStatus(statuses ...types.Status) ([]*types.Gridpack, error) {
	wanted := map[types.Status]bool{}
	for _, status := range statuses {
		wanted[status] = true
	}
	return s.filter(func(g *types.Gridpack) bool {
		return wanted[g.Status]
	})
}

// ByArchive returns gridpacks matching the archive provenance tuple
func (s *BoltStore) ByArchive(archive, campaign, generator, process string) ([]*types.Gridpack, error) {
	return s.filter(func(g *types.Gridpack) bool {
		return g.Archive == archive &&
			g.Campaign == campaign &&
			g.Generator == generator &&
			g.Process == process
	})
}

// Count returns the total number of gridpacks
func (s *BoltStore) Count() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketGridpacks).Stats().KeyN
		return nil
	})
	return count, err
}

func (s *BoltStore) all() ([]*types.Gridpack, error) {
	return s.filter(func(*types.Gridpack) bool { return true })
}

func (s *BoltStore) filter(keep func(*types.Gridpack) bool) ([]*types.Gridpack, error) {
	var gridpacks []*types.Gridpack
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGridpacks)
		return b.ForEach(func(k, v []byte) error {
			var gridpack types.Gridpack
			if err := json.Unmarshal(v, &gridpack); err != nil {
				return err
			}
			gridpack.ApplyDefaults()
			if keep(&gridpack) {
				gridpacks = append(gridpacks, &gridpack)
			}
			return nil
		})
	})
	return gridpacks, err
}
