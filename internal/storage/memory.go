package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/serroba/patchsync/internal/patch"
)

// entityData holds all persisted data for a single entity.
type entityData struct {
	entity   Entity
	snapshot *Snapshot
	records  []Record
}

// MemoryStore is an in-memory implementation of the Store interface.
// Useful for testing and development. Content is copied on the way in and
// out.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[string]*entityData
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: make(map[string]*entityData),
	}
}

// CreateEntity registers an entity with its initial content.
func (m *MemoryStore) CreateEntity(_ context.Context, e Entity, content map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entities[e.ID]; exists {
		return ErrEntityExists
	}

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	m.entities[e.ID] = &entityData{
		entity: e,
		snapshot: &Snapshot{
			EntityID:  e.ID,
			Content:   patch.CloneMap(content),
			CreatedAt: e.CreatedAt,
		},
	}

	return nil
}

// GetEntity returns the catalog entry.
func (m *MemoryStore) GetEntity(_ context.Context, id string) (Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, exists := m.entities[id]
	if !exists {
		return Entity{}, ErrEntityNotFound
	}

	return data.entity, nil
}

// ListEntities returns all entities ordered by id.
func (m *MemoryStore) ListEntities(context.Context) ([]Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Entity, 0, len(m.entities))
	for _, data := range m.entities {
		result = append(result, data.entity)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })

	return result, nil
}

// DeleteEntity removes the entity and everything stored for it.
func (m *MemoryStore) DeleteEntity(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entities[id]; !exists {
		return ErrEntityNotFound
	}

	delete(m.entities, id)

	return nil
}

// SaveSnapshot persists a snapshot of the entity at the given revision.
func (m *MemoryStore) SaveSnapshot(_ context.Context, id string, revision int, content map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, exists := m.entities[id]
	if !exists {
		return ErrEntityNotFound
	}

	data.snapshot = &Snapshot{
		EntityID:  id,
		Revision:  revision,
		Content:   patch.CloneMap(content),
		CreatedAt: time.Now(),
	}

	// Prune records that are now covered by the snapshot
	kept := data.records[:0]

	for _, rec := range data.records {
		if rec.Revision > revision {
			kept = append(kept, rec)
		}
	}

	data.records = kept

	return nil
}

// LoadSnapshot retrieves the latest snapshot.
func (m *MemoryStore) LoadSnapshot(_ context.Context, id string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, exists := m.entities[id]
	if !exists {
		return Snapshot{}, ErrEntityNotFound
	}

	if data.snapshot == nil {
		return Snapshot{}, ErrSnapshotNotFound
	}

	snap := *data.snapshot
	snap.Content = patch.CloneMap(snap.Content)

	return snap, nil
}

// AppendRecord adds a record to the entity's change log.
func (m *MemoryStore) AppendRecord(_ context.Context, id string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, exists := m.entities[id]
	if !exists {
		return ErrEntityNotFound
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	rec.Changes = cloneChanges(rec.Changes)
	data.records = append(data.records, rec)

	return nil
}

// LoadRecords retrieves all records after the given revision.
func (m *MemoryStore) LoadRecords(_ context.Context, id string, sinceRevision int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, exists := m.entities[id]
	if !exists {
		return nil, ErrEntityNotFound
	}

	var result []Record

	for _, rec := range data.records {
		if rec.Revision > sinceRevision {
			rec.Changes = cloneChanges(rec.Changes)
			result = append(result, rec)
		}
	}

	return result, nil
}

// LatestRevision returns the highest revision of the entity.
func (m *MemoryStore) LatestRevision(_ context.Context, id string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, exists := m.entities[id]
	if !exists {
		return 0, ErrEntityNotFound
	}

	// Records are newer than the snapshot
	if n := len(data.records); n > 0 {
		return data.records[n-1].Revision, nil
	}

	if data.snapshot != nil {
		return data.snapshot.Revision, nil
	}

	return 0, nil
}

func cloneChanges(changes []patch.Change) []patch.Change {
	out := make([]patch.Change, len(changes))

	for i, c := range changes {
		out[i] = patch.Change{
			Patch:   patch.Patch{Op: c.Patch.Op, Path: c.Patch.Path.Clone(), Value: patch.Clone(c.Patch.Value)},
			Inverse: patch.Patch{Op: c.Inverse.Op, Path: c.Inverse.Path.Clone(), Value: patch.Clone(c.Inverse.Value)},
		}
	}

	return out
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
