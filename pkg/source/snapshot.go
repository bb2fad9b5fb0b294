package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ondemandenv/user-pool/internal/storage"
	"github.com/ondemandenv/user-pool/pkg/common"

	"github.com/tidwall/gjson"
)

// ObjectStore reads and writes whole objects by key. GetFile reports a
// missing key with storage.ErrNotFound.
type ObjectStore interface {
	GetFile(ctx context.Context, key string) ([]byte, error)
	PutFile(ctx context.Context, key string, body []byte, contentType string) error
}

// Snapshot serves build entities from one object holding a JSON array of
// entities. A raw listEntitiesWithFilter response is accepted as well.
type Snapshot struct {
	store ObjectStore
	key   string

	// serializes Save; the object is read, merged and written back
	mu sync.Mutex
}

func NewSnapshot(store ObjectStore, key string) *Snapshot {
	return &Snapshot{store: store, key: key}
}

func (s *Snapshot) QueryBuilds(ctx context.Context, ids []string) ([]common.Entity, error) {
	all, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]common.Entity, len(all))
	for _, e := range all {
		byID[e.ID] = e
	}
	var out []common.Entity
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Snapshot) load(ctx context.Context) ([]common.Entity, error) {
	raw, err := s.store.GetFile(ctx, s.key)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("snapshot %s: invalid json", s.key)
	}
	items := gjson.ParseBytes(raw)
	if !items.IsArray() {
		items = items.Get("data.listEntitiesWithFilter.items")
	}
	if !items.IsArray() {
		return nil, fmt.Errorf("snapshot %s: no entity list", s.key)
	}
	var entities []common.Entity
	if err := json.Unmarshal([]byte(items.Raw), &entities); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", s.key, err)
	}
	return entities, nil
}

// Save merges entities into the stored snapshot, replacing entries with the
// same id. Only a missing object starts a new snapshot; any other read error
// aborts the save and leaves the stored object untouched.
func (s *Snapshot) Save(ctx context.Context, entities []common.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.load(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		existing = []common.Entity{}
	case err != nil:
		return fmt.Errorf("failed to read snapshot before save: %w", err)
	}
	idx := make(map[string]int, len(existing))
	for i, e := range existing {
		idx[e.ID] = i
	}
	for _, e := range entities {
		if i, ok := idx[e.ID]; ok {
			existing[i] = e
			continue
		}
		idx[e.ID] = len(existing)
		existing = append(existing, e)
	}

	body, err := json.Marshal(existing)
	if err != nil {
		return err
	}
	return s.store.PutFile(ctx, s.key, body, "application/json")
}
