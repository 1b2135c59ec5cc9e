package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/serroba/patchsync/internal/patch"
)

// SnapshotPolicy determines when to create snapshots.
type SnapshotPolicy struct {
	mu                   sync.Mutex
	threshold            int            // Create snapshot every N records; <= 0 never
	recordsSinceSnapshot map[string]int // Track records per entity since last snapshot
}

// NewSnapshotPolicy creates a policy that triggers snapshots every N records.
func NewSnapshotPolicy(threshold int) *SnapshotPolicy {
	return &SnapshotPolicy{
		threshold:            threshold,
		recordsSinceSnapshot: make(map[string]int),
	}
}

// RecordAppended records that a submission was persisted.
// Returns true if a snapshot should be created.
func (p *SnapshotPolicy) RecordAppended(entityID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.recordsSinceSnapshot[entityID]++

	return p.threshold > 0 && p.recordsSinceSnapshot[entityID] >= p.threshold
}

// Reset resets the counter after a snapshot is created.
func (p *SnapshotPolicy) Reset(entityID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.recordsSinceSnapshot, entityID)
}

// RecordsSinceSnapshot returns the number of records since the last snapshot.
func (p *SnapshotPolicy) RecordsSinceSnapshot(entityID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.recordsSinceSnapshot[entityID]
}

// Loader rebuilds an entity from its latest snapshot and the records
// appended since.
type Loader struct {
	store Store
}

// NewLoader creates a new loader.
func NewLoader(store Store) *Loader {
	return &Loader{store: store}
}

// LoadResult contains the result of loading an entity.
type LoadResult struct {
	Entity   Entity
	Content  map[string]any // Reconstructed content
	Revision int            // Current revision
	Replayed int            // Records applied on top of the snapshot

	SnapshotRevision int
}

// Load reconstructs an entity's state from storage.
func (l *Loader) Load(ctx context.Context, id string) (LoadResult, error) {
	entity, err := l.store.GetEntity(ctx, id)
	if err != nil {
		return LoadResult{}, err
	}

	snapshot, err := l.store.LoadSnapshot(ctx, id)

	content := map[string]any{}
	startRevision := 0

	switch {
	case errors.Is(err, ErrSnapshotNotFound):
		// Start from empty content
	case err != nil:
		return LoadResult{}, err
	default:
		if snapshot.Content != nil {
			content = snapshot.Content
		}

		startRevision = snapshot.Revision
	}

	records, err := l.store.LoadRecords(ctx, id, startRevision)
	if err != nil {
		return LoadResult{}, err
	}

	revision := startRevision

	for _, rec := range records {
		if err := patch.ApplyAll(content, rec.Changes); err != nil {
			return LoadResult{}, fmt.Errorf("replay %s revision %d: %w", id, rec.Revision, err)
		}

		revision = rec.Revision
	}

	return LoadResult{
		Entity:   entity,
		Content:  content,
		Revision: revision,
		Replayed: len(records),

		SnapshotRevision: startRevision,
	}, nil
}
