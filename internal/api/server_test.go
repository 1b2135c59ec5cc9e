package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/serroba/patchsync/internal/acl"
	"github.com/serroba/patchsync/internal/api"
	"github.com/serroba/patchsync/internal/auth"
	"github.com/serroba/patchsync/internal/collab"
	"github.com/serroba/patchsync/internal/storage"
	"github.com/serroba/patchsync/internal/ws"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	store   *storage.MemoryStore
	perms   *acl.MemoryStore
	hub     *ws.Hub
	manager *collab.Manager
	server  *api.Server
	http    *httptest.Server
}

func newEnv(t *testing.T, verifier *auth.Verifier) *testEnv {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	store := storage.NewMemoryStore()
	perms := acl.NewMemoryStore()
	hub := ws.NewHub(ws.HubConfig{Logger: logger})
	manager := collab.NewManager(collab.ManagerConfig{
		Store:  store,
		Gate:   acl.NewGate(acl.GateConfig{Store: perms, Logger: logger}),
		Hub:    hub,
		Logger: logger,
	})

	server := api.NewServer(api.ServerConfig{
		Manager:  manager,
		Hub:      hub,
		Verifier: verifier,
		Logger:   logger,
	})

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{
		store:   store,
		perms:   perms,
		hub:     hub,
		manager: manager,
		server:  server,
		http:    srv,
	}
}

func (e *testEnv) do(t *testing.T, method, path, userID string, body any) *http.Response {
	t.Helper()

	var reader *bytes.Reader

	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(t.Context(), method, e.http.URL+path, reader)
	require.NoError(t, err)

	if userID != "" {
		req.Header.Set(auth.UserIDHeader, userID)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

// event is an unsolicited message received by a test channel.
type event struct {
	name    ws.Event
	payload json.RawMessage
}

// dial connects userID over WebSocket and collects the given events.
func (e *testEnv) dial(t *testing.T, header http.Header, events ...ws.Event) (*ws.Channel, <-chan event) {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	ch, err := ws.Dial(ctx, ws.DialConfig{
		URL:    "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws",
		Header: header,
		Logger: slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)

	received := make(chan event, 64)

	for _, name := range events {
		ch.On(name, func(payload json.RawMessage) {
			received <- event{name: name, payload: payload}
		})
	}

	go ch.Run()

	t.Cleanup(func() {
		_ = ch.Close()
		<-ch.Done()
	})

	return ch, received
}

func userHeader(userID string) http.Header {
	h := http.Header{}
	h.Set(auth.UserIDHeader, userID)

	return h
}

func next(t *testing.T, events <-chan event) event {
	t.Helper()

	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")

		return event{}
	}
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	env := newEnv(t, nil)

	resp := env.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])
}

func TestServer_RequiresAuth(t *testing.T) {
	t.Parallel()

	env := newEnv(t, nil)

	t.Run("documents endpoint requires auth", func(t *testing.T) {
		t.Parallel()

		resp := env.do(t, http.MethodPost, "/documents", "", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("expected 401 for missing auth, got %d", resp.StatusCode)
		}
	})

	t.Run("ws endpoint requires auth", func(t *testing.T) {
		t.Parallel()

		resp := env.do(t, http.MethodGet, "/ws", "", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("expected 401 for missing auth, got %d", resp.StatusCode)
		}
	})

	t.Run("routes PUT to method not allowed", func(t *testing.T) {
		t.Parallel()

		resp := env.do(t, http.MethodPut, "/documents/test", "user1", nil)
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("expected 405, got %d", resp.StatusCode)
		}
	})
}

func TestServer_Tokens(t *testing.T) {
	t.Parallel()

	verifier := auth.NewVerifier(auth.Config{Secret: []byte("test-secret")})
	env := newEnv(t, verifier)

	token, err := verifier.Issue(auth.Identity{UserID: "alice"})
	require.NoError(t, err)

	post := func(authorization string) int {
		data, _ := json.Marshal(api.CreateDocumentRequest{Kind: "workshop"})

		req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, env.http.URL+"/documents", bytes.NewReader(data))
		require.NoError(t, err)

		if authorization != "" {
			req.Header.Set("Authorization", authorization)
		}

		// Ignored once a secret is configured.
		req.Header.Set(auth.UserIDHeader, "mallory")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)

		_ = resp.Body.Close()

		return resp.StatusCode
	}

	require.Equal(t, http.StatusCreated, post("Bearer "+token))
	require.Equal(t, http.StatusUnauthorized, post(""))
	require.Equal(t, http.StatusUnauthorized, post("Bearer not-a-token"))

	// Browsers pass the token in the query string.
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"

	ch, err := ws.Dial(ctx, ws.DialConfig{URL: wsURL + "?access_token=" + token})
	require.NoError(t, err)
	require.NoError(t, ch.Close())

	_, err = ws.Dial(ctx, ws.DialConfig{URL: wsURL})
	require.Error(t, err)
}
