package ws_test

import (
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/serroba/patchsync/internal/ws"
	"github.com/stretchr/testify/require"
)

func TestClient_SendIsDrainedInOrder(t *testing.T) {
	t.Parallel()

	conn := newMockConn()
	client := ws.NewClient("c1", "user1", conn, 0)

	go func() { _ = client.WritePump(0) }()
	defer client.Close()

	for i := 1; i <= 5; i++ {
		require.NoError(t, client.SendAck(uint64(i), ws.RevisionResult{Revision: i}, nil))
	}

	messages := conn.waitMessages(5)
	require.Len(t, messages, 5)

	for i, msg := range messages {
		if msg.ID != uint64(i+1) {
			t.Errorf("message %d: expected id %d, got %d", i, i+1, msg.ID)
		}
	}
}

func TestClient_SendAckError(t *testing.T) {
	t.Parallel()

	conn := newMockConn()
	client := ws.NewClient("c1", "user1", conn, 0)

	go func() { _ = client.WritePump(0) }()
	defer client.Close()

	require.NoError(t, client.SendAck(7, nil, &ws.Error{Kind: ws.KindConflict, Message: "stale"}))

	messages := conn.waitMessages(1)
	require.Len(t, messages, 1)
	require.Equal(t, ws.EventAck, messages[0].Event)
	require.NotNil(t, messages[0].Error)
	require.ErrorIs(t, messages[0].Error, ws.ErrConflict)
}

func TestClient_QueueFull(t *testing.T) {
	t.Parallel()

	client := ws.NewClient("c1", "user1", newMockConn(), 1)

	msg, err := ws.NewMessage(ws.EventEntityRemoved, ws.EntityRemovedPayload{EntityID: "e1"})
	require.NoError(t, err)

	require.NoError(t, client.Send(msg))

	if err := client.Send(msg); !errors.Is(err, ws.ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestClient_Close(t *testing.T) {
	t.Parallel()

	conn := newMockConn()
	client := ws.NewClient("c1", "user1", conn, 0)

	client.Close()
	client.Close()

	if !conn.IsClosed() {
		t.Error("expected connection to be closed")
	}

	if err := client.Send(ws.Message{Event: ws.EventAck}); !errors.Is(err, ws.ErrClientClosed) {
		t.Errorf("expected ErrClientClosed, got %v", err)
	}

	select {
	case <-client.Done():
	default:
		t.Error("expected Done to be closed")
	}
}

func TestClient_WritePumpStopsOnWriteError(t *testing.T) {
	t.Parallel()

	conn := newMockConn()
	conn.setWriteErr(errors.New("broken pipe"))

	client := ws.NewClient("c1", "user1", conn, 0)
	require.NoError(t, client.Send(ws.Message{Event: ws.EventAck, ID: 1}))

	err := client.WritePump(0)
	require.Error(t, err)
	require.True(t, conn.IsClosed())
}

func TestClient_WritePumpPings(t *testing.T) {
	t.Parallel()

	conn := newMockConn()
	client := ws.NewClient("c1", "user1", conn, 0)

	go func() { _ = client.WritePump(5 * time.Millisecond) }()

	require.Eventually(t, func() bool {
		return len(conn.Controls()) > 0
	}, time.Second, 5*time.Millisecond)

	client.Close()
	require.Equal(t, websocket.PingMessage, conn.Controls()[0])
}

func TestClient_Disconnect(t *testing.T) {
	t.Parallel()

	conn := newMockConn()
	client := ws.NewClient("c1", "user1", conn, 0)

	client.Disconnect(websocket.CloseGoingAway, "shutting down")

	require.Equal(t, []int{websocket.CloseMessage}, conn.Controls())
	require.True(t, conn.IsClosed())
}

func TestClient_Receive(t *testing.T) {
	t.Parallel()

	conn := newMockConn()
	client := ws.NewClient("c1", "user1", conn, 0)

	msg, err := ws.NewMessage(ws.EventDeleteEntity, ws.DeleteEntityPayload{EntityID: "e1"})
	require.NoError(t, err)

	msg.ID = 3
	conn.deliver(msg)

	got, err := client.Receive()
	require.NoError(t, err)
	require.Equal(t, ws.EventDeleteEntity, got.Event)
	require.Equal(t, uint64(3), got.ID)

	var payload ws.DeleteEntityPayload
	require.NoError(t, got.Decode(&payload))
	require.Equal(t, "e1", payload.EntityID)
}

func TestMessage_DecodeWithoutPayload(t *testing.T) {
	t.Parallel()

	var payload ws.SubmitChangePayload

	err := ws.Message{Event: ws.EventSubmitChange}.Decode(&payload)
	if !errors.Is(err, ws.ErrInvalidMessage) {
		t.Errorf("expected ErrInvalidMessage, got %v", err)
	}
}
