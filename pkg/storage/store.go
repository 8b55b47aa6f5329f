package storage

import (
	"github.com/cms-pdmv/gridpack-machine/pkg/types"
)

// Store defines the document store interface for gridpacks.
// Writes are whole-document replacements keyed by id; every write
// stamps last_update.
type Store interface {
	// Create inserts a gridpack. Inserting an id that already exists
	// is a no-op.
	Create(gridpack *types.Gridpack) error

	// Update replaces a gridpack document (upsert)
	Update(gridpack *types.Gridpack) error

	// Delete removes a gridpack by id
	Delete(id string) error

	// Get fetches a gridpack by id, returning nil when it does not exist
	Get(id string) (*types.Gridpack, error)

	// List returns a page of gridpacks sorted by id descending and the
	// total document count
	List(page, limit int) ([]*types.Gridpack, int, error)

	// ByStatus returns all gridpacks whose status is in the given set
	ByStatus(statuses ...types.Status) ([]*types.Gridpack, error)

	// ByArchive returns gridpacks matching the archive provenance tuple
	ByArchive(archive, campaign, generator, process string) ([]*types.Gridpack, error)

	// Count returns the total number of gridpacks
	Count() (int, error)

	// Close releases the underlying database
	Close() error
}
