package storage

import (
	"context"
	"errors"
	"time"

	"github.com/serroba/patchsync/internal/patch"
)

// Common errors.
var (
	ErrEntityNotFound   = errors.New("entity not found")
	ErrEntityExists     = errors.New("entity already exists")
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// Entity is the catalog entry of a shared document.
type Entity struct {
	ID        string
	Kind      string
	OwnerID   string
	CreatedAt time.Time
}

// Snapshot represents a point-in-time capture of an entity's content.
type Snapshot struct {
	EntityID  string
	Revision  int
	Content   map[string]any
	CreatedAt time.Time
}

// Record is one accepted submission in an entity's change log.
type Record struct {
	Revision  int
	UserID    string
	Changes   []patch.Change
	CreatedAt time.Time
}

// Store defines the interface for persisting entities. The server awaits
// every write before acknowledging or broadcasting the change it records.
type Store interface {
	// CreateEntity registers an entity with its initial content as the
	// snapshot at revision 0.
	// Returns ErrEntityExists if the id is taken.
	CreateEntity(ctx context.Context, e Entity, content map[string]any) error

	// GetEntity returns the catalog entry.
	// Returns ErrEntityNotFound if the entity doesn't exist.
	GetEntity(ctx context.Context, id string) (Entity, error)

	// ListEntities returns all entities ordered by id.
	ListEntities(ctx context.Context) ([]Entity, error)

	// DeleteEntity removes the entity with its snapshot and records.
	// Returns ErrEntityNotFound if the entity doesn't exist.
	DeleteEntity(ctx context.Context, id string) error

	// SaveSnapshot persists the content at the given revision and prunes
	// records the snapshot covers.
	// Returns ErrEntityNotFound if the entity doesn't exist.
	SaveSnapshot(ctx context.Context, id string, revision int, content map[string]any) error

	// LoadSnapshot retrieves the latest snapshot.
	// Returns ErrEntityNotFound if the entity doesn't exist.
	// Returns ErrSnapshotNotFound if the entity exists but has no snapshot.
	LoadSnapshot(ctx context.Context, id string) (Snapshot, error)

	// AppendRecord adds a record to the entity's change log.
	// Returns ErrEntityNotFound if the entity doesn't exist.
	AppendRecord(ctx context.Context, id string, rec Record) error

	// LoadRecords retrieves all records after the given revision, in order.
	// Returns ErrEntityNotFound if the entity doesn't exist.
	LoadRecords(ctx context.Context, id string, sinceRevision int) ([]Record, error)

	// LatestRevision returns the highest revision of the entity.
	// Returns ErrEntityNotFound if the entity doesn't exist.
	LatestRevision(ctx context.Context, id string) (int, error)
}
