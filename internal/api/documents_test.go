package api_test

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/serroba/patchsync/internal/acl"
	"github.com/serroba/patchsync/internal/api"
	"github.com/serroba/patchsync/internal/storage"
	"github.com/stretchr/testify/require"
)

func TestHandleCreateDocument(t *testing.T) {
	t.Parallel()

	t.Run("creates document successfully", func(t *testing.T) {
		t.Parallel()

		env := newEnv(t, nil)

		resp := env.do(t, http.MethodPost, "/documents", "user1", api.CreateDocumentRequest{
			ID:      "doc1",
			Kind:    "workshop",
			Content: map[string]any{"name": "Foo"},
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var body api.DocumentResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		require.Equal(t, "doc1", body.ID)
		require.Equal(t, 0, body.Revision)

		role, err := env.perms.GetRole("doc1", "user1")
		require.NoError(t, err)

		if role != acl.Owner {
			t.Errorf("expected Owner role, got %v", role)
		}
	})

	t.Run("returns 409 for duplicate document", func(t *testing.T) {
		t.Parallel()

		env := newEnv(t, nil)
		req := api.CreateDocumentRequest{ID: "doc1", Kind: "workshop"}

		require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/documents", "user1", req).StatusCode)
		require.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/documents", "user1", req).StatusCode)
	})

	t.Run("returns 400 without kind", func(t *testing.T) {
		t.Parallel()

		env := newEnv(t, nil)

		resp := env.do(t, http.MethodPost, "/documents", "user1", api.CreateDocumentRequest{ID: "doc1"})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("returns 400 for reserved fields", func(t *testing.T) {
		t.Parallel()

		env := newEnv(t, nil)

		resp := env.do(t, http.MethodPost, "/documents", "user1", api.CreateDocumentRequest{
			Kind:    "workshop",
			Content: map[string]any{"kind": "module"},
		})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestHandleGetDocument(t *testing.T) {
	t.Parallel()

	env := newEnv(t, nil)

	resp := env.do(t, http.MethodPost, "/documents", "alice", api.CreateDocumentRequest{
		ID:      "doc1",
		Kind:    "workshop",
		Content: map[string]any{"name": "Foo", "tags": []any{"a"}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	t.Run("owner reads content", func(t *testing.T) {
		t.Parallel()

		resp := env.do(t, http.MethodGet, "/documents/doc1", "alice", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body api.DocumentResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		require.Equal(t, "workshop", body.Kind)
		require.Equal(t, "Foo", body.Content["name"])
		require.Equal(t, []any{"a"}, body.Content["tags"])
	})

	t.Run("stranger is forbidden", func(t *testing.T) {
		t.Parallel()

		resp := env.do(t, http.MethodGet, "/documents/doc1", "mallory", nil)
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("admin reads anything", func(t *testing.T) {
		t.Parallel()

		req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, env.http.URL+"/documents/doc1", nil)
		require.NoError(t, err)
		req.Header.Set("X-User-Id", "root")
		req.Header.Set("X-User-Role", "admin")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)

		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestHandleGetDocument_NotFound(t *testing.T) {
	t.Parallel()

	env := newEnv(t, nil)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, env.http.URL+"/documents/nonexistent", nil)
	require.NoError(t, err)
	req.Header.Set("X-User-Id", "root")
	req.Header.Set("X-User-Role", "admin")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", resp.StatusCode)
	}
}

func TestHandleDeleteDocument(t *testing.T) {
	t.Parallel()

	env := newEnv(t, nil)

	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/documents", "alice",
		api.CreateDocumentRequest{ID: "doc1", Kind: "workshop"}).StatusCode)
	require.NoError(t, env.perms.Grant("doc1", "bob", acl.Editor))

	require.Equal(t, http.StatusForbidden, env.do(t, http.MethodDelete, "/documents/doc1", "bob", nil).StatusCode)
	require.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/documents/doc1", "alice", nil).StatusCode)

	_, err := env.store.GetEntity(t.Context(), "doc1")
	require.ErrorIs(t, err, storage.ErrEntityNotFound)

	// Permissions went away with the document.
	require.Equal(t, http.StatusForbidden, env.do(t, http.MethodDelete, "/documents/doc1", "alice", nil).StatusCode)
}
