package collab_test

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/serroba/patchsync/internal/acl"
	"github.com/serroba/patchsync/internal/auth"
	"github.com/serroba/patchsync/internal/collab"
	"github.com/serroba/patchsync/internal/storage"
	"github.com/serroba/patchsync/internal/ws"
	"github.com/stretchr/testify/require"
)

var errConnClosed = errors.New("connection closed")

// recordingConn stores what the write pump sends.
type recordingConn struct {
	mu       sync.Mutex
	messages []ws.Message
	closed   chan struct{}
	once     sync.Once
}

func newRecordingConn() *recordingConn {
	return &recordingConn{closed: make(chan struct{})}
}

func (c *recordingConn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	var msg ws.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}

	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()

	return nil
}

func (c *recordingConn) ReadJSON(any) error {
	<-c.closed

	return errConnClosed
}

func (c *recordingConn) WriteControl(int, []byte, time.Time) error {
	return nil
}

func (c *recordingConn) Close() error {
	c.once.Do(func() { close(c.closed) })

	return nil
}

func (c *recordingConn) Messages() []ws.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]ws.Message(nil), c.messages...)
}

// waitFor returns the first n messages of event, failing the test if they
// do not arrive in time.
func (c *recordingConn) waitFor(t *testing.T, event ws.Event, n int) []ws.Message {
	t.Helper()

	var found []ws.Message

	require.Eventually(t, func() bool {
		found = found[:0]

		for _, msg := range c.Messages() {
			if msg.Event == event {
				found = append(found, msg)
			}
		}

		return len(found) >= n
	}, time.Second, 5*time.Millisecond, "waiting for %d %s messages", n, event)

	return found[:n]
}

func (c *recordingConn) count(event ws.Event) int {
	n := 0

	for _, msg := range c.Messages() {
		if msg.Event == event {
			n++
		}
	}

	return n
}

func connect(t *testing.T, hub *ws.Hub, id, userID string) (*ws.Client, *recordingConn) {
	t.Helper()

	conn := newRecordingConn()
	client := ws.NewClient(id, userID, conn, 0)
	hub.Register(client)

	go func() { _ = client.WritePump(0) }()

	t.Cleanup(func() {
		hub.Unregister(client)
		client.Close()
	})

	return client, conn
}

func decode[T any](t *testing.T, msg ws.Message) T {
	t.Helper()

	var v T
	require.NoError(t, msg.Decode(&v))

	return v
}

type fixture struct {
	store   *storage.MemoryStore
	perms   *acl.MemoryStore
	hub     *ws.Hub
	manager *collab.Manager
}

func newFixture(t *testing.T, policy *storage.SnapshotPolicy) *fixture {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	store := storage.NewMemoryStore()
	perms := acl.NewMemoryStore()
	hub := ws.NewHub(ws.HubConfig{Logger: logger})

	return &fixture{
		store: store,
		perms: perms,
		hub:   hub,
		manager: collab.NewManager(collab.ManagerConfig{
			Store:          store,
			Gate:           acl.NewGate(acl.GateConfig{Store: perms, Logger: logger}),
			Hub:            hub,
			SnapshotPolicy: policy,
			Logger:         logger,
		}),
	}
}

func user(id string) collab.Caller {
	return collab.Caller{Identity: auth.Identity{UserID: id}}
}

func (f *fixture) caller(t *testing.T, clientID, userID string) (collab.Caller, *recordingConn) {
	t.Helper()

	client, conn := connect(t, f.hub, clientID, userID)

	return collab.Caller{Identity: auth.Identity{UserID: userID}, Client: client}, conn
}

func (f *fixture) workshop(t *testing.T, id, owner string) {
	t.Helper()

	_, err := f.manager.CreateEntity(t.Context(), user(owner), id, "workshop", map[string]any{
		"name":    "Foo",
		"modules": []any{},
	})
	require.NoError(t, err)
}
