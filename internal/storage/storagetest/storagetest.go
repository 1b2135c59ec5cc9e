// Package storagetest holds the behaviour every storage.Store must share.
package storagetest

import (
	"context"
	"errors"
	"testing"

	"github.com/serroba/patchsync/internal/patch"
	"github.com/serroba/patchsync/internal/storage"
	"github.com/stretchr/testify/require"
)

// Run exercises a Store implementation. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"CreateDuplicate", testCreateDuplicate},
		{"List", testList},
		{"Delete", testDelete},
		{"NotFound", testNotFound},
		{"RecordsAndRevision", testRecordsAndRevision},
		{"SnapshotPrunesRecords", testSnapshotPrunesRecords},
		{"Loader", testLoader},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func workshop(id string) storage.Entity {
	return storage.Entity{ID: id, Kind: "workshop", OwnerID: "alice"}
}

func testCreateAndGet(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateEntity(ctx, workshop("w1"), map[string]any{"name": "Foo", "count": 1}))

	e, err := s.GetEntity(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, "workshop", e.Kind)
	require.Equal(t, "alice", e.OwnerID)
	require.False(t, e.CreatedAt.IsZero())

	snap, err := s.LoadSnapshot(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, 0, snap.Revision)
	require.True(t, patch.Equal(map[string]any{"name": "Foo", "count": 1}, snap.Content))

	rev, err := s.LatestRevision(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, 0, rev)
}

func testCreateDuplicate(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateEntity(ctx, workshop("w1"), nil))

	err := s.CreateEntity(ctx, workshop("w1"), nil)
	if !errors.Is(err, storage.ErrEntityExists) {
		t.Errorf("expected ErrEntityExists, got %v", err)
	}
}

func testList(t *testing.T, s storage.Store) {
	ctx := context.Background()

	for _, id := range []string{"w2", "w1", "m1"} {
		require.NoError(t, s.CreateEntity(ctx, workshop(id), map[string]any{}))
	}

	entities, err := s.ListEntities(ctx)
	require.NoError(t, err)
	require.Len(t, entities, 3)
	require.Equal(t, "m1", entities[0].ID)
	require.Equal(t, "w1", entities[1].ID)
	require.Equal(t, "w2", entities[2].ID)
}

func testDelete(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateEntity(ctx, workshop("w1"), map[string]any{"name": "Foo"}))
	require.NoError(t, s.AppendRecord(ctx, "w1", storage.Record{
		Revision: 1,
		Changes:  []patch.Change{patch.NewReplace(patch.P("name"), "Foo", "Bar")},
	}))

	require.NoError(t, s.DeleteEntity(ctx, "w1"))

	_, err := s.GetEntity(ctx, "w1")
	require.ErrorIs(t, err, storage.ErrEntityNotFound)

	// The id can be reused, starting from scratch.
	require.NoError(t, s.CreateEntity(ctx, workshop("w1"), map[string]any{"name": "Again"}))

	records, err := s.LoadRecords(ctx, "w1", 0)
	require.NoError(t, err)
	require.Empty(t, records)
}

func testNotFound(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.GetEntity(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrEntityNotFound)

	err = s.DeleteEntity(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrEntityNotFound)

	err = s.SaveSnapshot(ctx, "missing", 1, map[string]any{})
	require.ErrorIs(t, err, storage.ErrEntityNotFound)

	_, err = s.LoadSnapshot(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrEntityNotFound)

	err = s.AppendRecord(ctx, "missing", storage.Record{Revision: 1})
	require.ErrorIs(t, err, storage.ErrEntityNotFound)

	_, err = s.LoadRecords(ctx, "missing", 0)
	require.ErrorIs(t, err, storage.ErrEntityNotFound)

	_, err = s.LatestRevision(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrEntityNotFound)
}

func testRecordsAndRevision(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateEntity(ctx, workshop("w1"), map[string]any{"count": 0}))

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.AppendRecord(ctx, "w1", storage.Record{
			Revision: i,
			UserID:   "alice",
			Changes:  []patch.Change{patch.NewReplace(patch.P("count"), i-1, i)},
		}))
	}

	records, err := s.LoadRecords(ctx, "w1", 1)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, 2, records[0].Revision)
	require.Equal(t, 3, records[1].Revision)
	require.Equal(t, "alice", records[0].UserID)
	require.True(t, records[0].Changes[0].Patch.Path.Equal(patch.P("count")))

	rev, err := s.LatestRevision(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, 3, rev)
}

func testSnapshotPrunesRecords(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateEntity(ctx, workshop("w1"), map[string]any{"count": 0}))

	for i := 1; i <= 4; i++ {
		require.NoError(t, s.AppendRecord(ctx, "w1", storage.Record{
			Revision: i,
			Changes:  []patch.Change{patch.NewReplace(patch.P("count"), i-1, i)},
		}))
	}

	require.NoError(t, s.SaveSnapshot(ctx, "w1", 3, map[string]any{"count": 3}))

	records, err := s.LoadRecords(ctx, "w1", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, 4, records[0].Revision)

	rev, err := s.LatestRevision(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, 4, rev)
}

func testLoader(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateEntity(ctx, workshop("w1"), map[string]any{
		"name":    "Foo",
		"modules": []any{},
	}))

	require.NoError(t, s.AppendRecord(ctx, "w1", storage.Record{
		Revision: 1,
		Changes: []patch.Change{
			patch.NewReplace(patch.P("name"), "Foo", "Bar"),
			patch.NewAdd(patch.P("modules", 0), map[string]any{"title": "intro"}),
		},
	}))
	require.NoError(t, s.SaveSnapshot(ctx, "w1", 1, map[string]any{
		"name":    "Bar",
		"modules": []any{map[string]any{"title": "intro"}},
	}))
	require.NoError(t, s.AppendRecord(ctx, "w1", storage.Record{
		Revision: 2,
		Changes:  []patch.Change{patch.NewReplace(patch.P("modules", 0, "title"), "intro", "welcome")},
	}))

	result, err := storage.NewLoader(s).Load(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, 2, result.Revision)
	require.Equal(t, 1, result.Replayed)
	require.Equal(t, "workshop", result.Entity.Kind)
	require.True(t, patch.Equal(map[string]any{
		"name":    "Bar",
		"modules": []any{map[string]any{"title": "welcome"}},
	}, result.Content), "got %v", result.Content)
}
