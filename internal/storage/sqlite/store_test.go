package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/serroba/patchsync/internal/patch"
	"github.com/serroba/patchsync/internal/storage"
	"github.com/serroba/patchsync/internal/storage/sqlite"
	"github.com/serroba/patchsync/internal/storage/storagetest"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, path string) *sqlite.Store {
	t.Helper()

	store, err := sqlite.New(context.Background(), path)
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestStore(t *testing.T) {
	t.Parallel()

	storagetest.Run(t, func(t *testing.T) storage.Store {
		return newStore(t, ":memory:")
	})
}

func TestStore_SurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "patchsync.db")

	first, err := sqlite.New(ctx, path)
	require.NoError(t, err)

	require.NoError(t, first.CreateEntity(ctx, storage.Entity{ID: "w1", Kind: "workshop", OwnerID: "alice"},
		map[string]any{"tags": []any{"a"}}))
	require.NoError(t, first.AppendRecord(ctx, "w1", storage.Record{
		Revision: 1,
		UserID:   "alice",
		Changes:  []patch.Change{patch.NewAdd(patch.P("tags", 1), "b")},
	}))
	require.NoError(t, first.Close())

	// Migrations are idempotent on an existing file.
	second := newStore(t, path)

	result, err := storage.NewLoader(second).Load(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, 1, result.Revision)
	require.Equal(t, "alice", result.Entity.OwnerID)
	require.Equal(t, []any{"a", "b"}, result.Content["tags"])
}
