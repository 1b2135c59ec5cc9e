package ws_test

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/serroba/patchsync/internal/ws"
)

var errMockClosed = errors.New("mock connection closed")

// mockConn is a test double for ws.Conn.
type mockConn struct {
	mu       sync.Mutex
	messages []ws.Message
	controls []int
	closed   bool
	writeErr error

	// For ReadJSON simulation
	incoming  chan []byte
	readErr   chan error
	closedCh  chan struct{}
	closeOnce sync.Once
	written   chan struct{}
}

func newMockConn() *mockConn {
	return &mockConn{
		messages: make([]ws.Message, 0),
		incoming: make(chan []byte, 64),
		readErr:  make(chan error, 1),
		closedCh: make(chan struct{}),
		written:  make(chan struct{}, 256),
	}
}

func (m *mockConn) WriteJSON(v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writeErr != nil {
		return m.writeErr
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	var msg ws.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}

	m.messages = append(m.messages, msg)

	select {
	case m.written <- struct{}{}:
	default:
	}

	return nil
}

func (m *mockConn) ReadJSON(v any) error {
	// Queued messages win over a queued failure.
	select {
	case data := <-m.incoming:
		return json.Unmarshal(data, v)
	default:
	}

	select {
	case data := <-m.incoming:
		return json.Unmarshal(data, v)
	case err := <-m.readErr:
		return err
	case <-m.closedCh:
		return errMockClosed
	}
}

func (m *mockConn) WriteControl(messageType int, _ []byte, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.controls = append(m.controls, messageType)

	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.closeOnce.Do(func() { close(m.closedCh) })

	return nil
}

// deliver queues msg to be returned by ReadJSON.
func (m *mockConn) deliver(msg ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}

	m.incoming <- data
}

// fail makes the next ReadJSON return err once queued messages are read.
func (m *mockConn) fail(err error) {
	m.readErr <- err
}

func (m *mockConn) serverClose(code int) {
	m.fail(&websocket.CloseError{Code: code})
}

func (m *mockConn) setWriteErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeErr = err
}

func (m *mockConn) Messages() []ws.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]ws.Message, len(m.messages))
	copy(result, m.messages)

	return result
}

func (m *mockConn) Controls() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]int(nil), m.controls...)
}

func (m *mockConn) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.closed
}

// waitMessages blocks until at least n messages were written or a second
// has passed.
func (m *mockConn) waitMessages(n int) []ws.Message {
	deadline := time.After(time.Second)

	for {
		if msgs := m.Messages(); len(msgs) >= n {
			return msgs
		}

		select {
		case <-m.written:
		case <-deadline:
			return m.Messages()
		}
	}
}
