package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultQueueSize is the number of outbound messages buffered per client.
const DefaultQueueSize = 256

const writeWait = 10 * time.Second

// Conn abstracts a WebSocket connection for testability.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Client represents a connected user on the server side. Outbound messages
// go through a queue drained by WritePump, so the order in which they are
// enqueued is the order the peer observes.
type Client struct {
	ID     string
	UserID string
	conn   Conn

	send      chan Message
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a new client wrapper. queueSize <= 0 selects
// DefaultQueueSize.
func NewClient(id, userID string, conn Conn, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	return &Client{
		ID:     id,
		UserID: userID,
		conn:   conn,
		send:   make(chan Message, queueSize),
		done:   make(chan struct{}),
	}
}

// Send enqueues msg without blocking.
func (c *Client) Send(msg Message) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		return ErrQueueFull
	}
}

// SendAck enqueues the reply to the message with the given id.
func (c *Client) SendAck(id uint64, result any, e *Error) error {
	msg, err := NewAck(id, result, e)
	if err != nil {
		return err
	}

	return c.Send(msg)
}

// Receive reads the next message from the peer.
func (c *Client) Receive() (Message, error) {
	var msg Message
	if err := c.conn.ReadJSON(&msg); err != nil {
		return Message{}, err
	}

	return msg, nil
}

// WritePump writes queued messages to the connection and pings the peer
// every pingInterval (disabled when zero). It returns when the client is
// closed or a write fails, closing the client in the latter case.
func (c *Client) WritePump(pingInterval time.Duration) error {
	var tick <-chan time.Time

	if pingInterval > 0 {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		tick = ticker.C
	}

	for {
		select {
		case <-c.done:
			return nil
		case msg := <-c.send:
			if err := c.conn.WriteJSON(msg); err != nil {
				c.Close()

				return err
			}
		case <-tick:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close()

				return err
			}
		}
	}
}

// Disconnect tells the peer the server is closing the connection on
// purpose, then closes it.
func (c *Client) Disconnect(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait))

	c.Close()
}

// Close closes the client connection. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}
