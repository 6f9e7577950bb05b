package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/miradorstack/mirador-twin/internal/models"
	"github.com/miradorstack/mirador-twin/internal/utils"
)

// MemoryStore is an in-process graph store. Stored trees are cloned on the way in and out.
type MemoryStore struct {
	mu       sync.Mutex
	twins    map[string]models.Tree
	versions map[string]int
	upserts  map[string]int
}

// NewMemoryStore seeds the store with twins.
func NewMemoryStore(seed map[string]models.Tree) *MemoryStore {
	s := &MemoryStore{
		twins:    make(map[string]models.Tree, len(seed)),
		versions: make(map[string]int, len(seed)),
		upserts:  make(map[string]int),
	}
	for id, tree := range seed {
		s.twins[id] = models.CloneTree(tree)
		s.versions[id] = 1
	}
	return s
}

func (s *MemoryStore) GetEntity(ctx context.Context, id string) (models.Tree, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tree, ok := s.twins[id]
	if !ok {
		return nil, utils.NewAppError("repo.get", id, utils.ErrEntityNotFound)
	}
	return models.CloneTree(tree), nil
}

func (s *MemoryStore) UpsertEntity(ctx context.Context, id string, tree models.Tree) (models.Ack, error) {
	if err := ctx.Err(); err != nil {
		return models.Ack{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.twins[id] = models.CloneTree(tree)
	s.versions[id]++
	s.upserts[id]++
	return models.Ack{ID: id, ETag: fmt.Sprintf("W/\"%d\"", s.versions[id])}, nil
}

// Entity returns a copy of the stored twin.
func (s *MemoryStore) Entity(id string) (models.Tree, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tree, ok := s.twins[id]
	return models.CloneTree(tree), ok
}

// Snapshot copies every stored twin.
func (s *MemoryStore) Snapshot() map[string]models.Tree {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.Tree, len(s.twins))
	for id, tree := range s.twins {
		out[id] = models.CloneTree(tree)
	}
	return out
}

// Upserts reports how many upserts id received. An empty id sums every twin.
func (s *MemoryStore) Upserts(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" {
		return s.upserts[id]
	}
	total := 0
	for _, n := range s.upserts {
		total += n
	}
	return total
}

// IDs lists stored twin ids in order.
func (s *MemoryStore) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.twins))
	for id := range s.twins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LoadDirectory exposes the stored twins as an entity directory.
func (s *MemoryStore) LoadDirectory(ctx context.Context) (map[string]models.Tree, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Snapshot(), nil
}
