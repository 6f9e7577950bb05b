package engine

import (
	"context"
	"time"

	"github.com/miradorstack/mirador-twin/internal/models"
)

// DirectoryLoader fetches the full set of known twins.
type DirectoryLoader interface {
	LoadDirectory(ctx context.Context) (map[string]models.Tree, error)
}

// Directory is an immutable snapshot of known twins, passed explicitly to each batch.
type Directory struct {
	entities map[string]models.Tree
	loadedAt time.Time
}

// NewDirectory copies entities into a snapshot taken at loadedAt.
func NewDirectory(entities map[string]models.Tree, loadedAt time.Time) *Directory {
	copied := make(map[string]models.Tree, len(entities))
	for id, tree := range entities {
		copied[id] = models.CloneTree(tree)
	}
	return &Directory{entities: copied, loadedAt: loadedAt}
}

// Lookup returns a private copy of the twin registered under id.
func (d *Directory) Lookup(id string) (models.Tree, bool) {
	if d == nil {
		return nil, false
	}
	tree, ok := d.entities[id]
	if !ok {
		return nil, false
	}
	return models.CloneTree(tree), true
}

// Len reports the number of twins.
func (d *Directory) Len() int {
	if d == nil {
		return 0
	}
	return len(d.entities)
}

// LoadedAt reports when the snapshot was taken.
func (d *Directory) LoadedAt() time.Time {
	if d == nil {
		return time.Time{}
	}
	return d.loadedAt
}

