package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Reason tells why a channel disconnected.
type Reason int

const (
	// ReasonClient means Close was called locally.
	ReasonClient Reason = iota
	// ReasonServer means the server closed the connection on purpose.
	// The client should not reconnect on its own.
	ReasonServer
	// ReasonTransport means the connection was lost. The client should
	// reconnect and resync.
	ReasonTransport
)

func (r Reason) String() string {
	switch r {
	case ReasonClient:
		return "client"
	case ReasonServer:
		return "server"
	case ReasonTransport:
		return "transport"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Handler handles an unsolicited message.
type Handler func(payload json.RawMessage)

// Callback receives the result of an ack. It is invoked exactly once,
// either with the server's reply or with ErrIndeterminate when the channel
// closes first.
type Callback func(result json.RawMessage, err error)

// Channel is the client end of the connection. Run dispatches incoming
// events and acks one at a time, in arrival order: a handler or callback
// has returned before the next message is looked at.
type Channel struct {
	conn   Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu           sync.Mutex
	nextID       uint64
	pending      map[uint64]Callback
	handlers     map[Event]Handler
	onDisconnect func(Reason)
	closed       bool
	closing      bool
	done         chan struct{}
}

// DialConfig configures Dial.
type DialConfig struct {
	URL    string
	Header http.Header
	Logger *slog.Logger

	// ReadTimeout drops the connection when nothing, not even a ping, has
	// been received for that long. Zero disables it.
	ReadTimeout time.Duration
}

// Dial connects to a server.
func Dial(ctx context.Context, cfg DialConfig) (*Channel, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", cfg.URL, resp.Status, err)
		}

		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	if cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))

		conn.SetPingHandler(func(appData string) error {
			_ = conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))

			return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		})
	}

	return NewChannel(conn, cfg.Logger), nil
}

// NewChannel wraps an established connection.
func NewChannel(conn Conn, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}

	return &Channel{
		conn:     conn,
		logger:   logger,
		pending:  make(map[uint64]Callback),
		handlers: make(map[Event]Handler),
		done:     make(chan struct{}),
	}
}

// On registers the handler for event, replacing any previous one.
func (ch *Channel) On(event Event, h Handler) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.handlers[event] = h
}

// OnDisconnect registers fn to be called once when Run returns.
func (ch *Channel) OnDisconnect(fn func(Reason)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.onDisconnect = fn
}

// Emit sends a message that expects no ack.
func (ch *Channel) Emit(event Event, payload any) error {
	msg, err := NewMessage(event, payload)
	if err != nil {
		return err
	}

	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()

	if closed {
		return ErrChannelClosed
	}

	return ch.write(msg)
}

// Send sends a message and registers cb for its ack. When Send returns an
// error, cb is never invoked.
func (ch *Channel) Send(event Event, payload any, cb Callback) error {
	msg, err := NewMessage(event, payload)
	if err != nil {
		return err
	}

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()

		return ErrChannelClosed
	}

	ch.nextID++
	msg.ID = ch.nextID
	ch.pending[msg.ID] = cb
	ch.mu.Unlock()

	if err := ch.write(msg); err != nil {
		ch.mu.Lock()
		_, stillPending := ch.pending[msg.ID]
		delete(ch.pending, msg.ID)
		ch.mu.Unlock()

		if stillPending {
			return err
		}

		// Run already failed the callback with ErrIndeterminate.
		return nil
	}

	return nil
}

// Request sends a message and waits for its ack, decoding the result into
// result when it is not nil. Giving up on ctx does not retract the message.
func (ch *Channel) Request(ctx context.Context, event Event, payload, result any) error {
	return ch.RequestThen(ctx, event, payload, result, nil)
}

// RequestThen is Request with a settle function that is called exactly once
// with the outcome: from Run as soon as the ack is dispatched, before the
// next message is handled, or right away when the message cannot be sent.
// It is called even when ctx is done before the ack arrives.
func (ch *Channel) RequestThen(ctx context.Context, event Event, payload, result any, settle func(error)) error {
	type reply struct {
		data json.RawMessage
		err  error
	}

	replies := make(chan reply, 1)

	err := ch.Send(event, payload, func(data json.RawMessage, err error) {
		if settle != nil {
			settle(err)
		}

		replies <- reply{data: data, err: err}
	})
	if err != nil {
		if settle != nil {
			settle(err)
		}

		return err
	}

	select {
	case r := <-replies:
		if r.err != nil {
			return r.err
		}

		if result != nil && len(r.data) > 0 {
			if err := json.Unmarshal(r.data, result); err != nil {
				return fmt.Errorf("%w: %s ack: %w", ErrInvalidMessage, event, err)
			}
		}

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ch *Channel) write(msg Message) error {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()

	return ch.conn.WriteJSON(msg)
}

// Run reads and dispatches messages until the connection ends, then fails
// every pending callback with ErrIndeterminate, calls the disconnect
// handler and returns the reason.
func (ch *Channel) Run() Reason {
	var err error

	for {
		var msg Message
		if err = ch.conn.ReadJSON(&msg); err != nil {
			break
		}

		ch.dispatch(msg)
	}

	reason := ch.reason(err)

	ch.mu.Lock()
	ch.closed = true
	pending := ch.pending
	ch.pending = make(map[uint64]Callback)
	onDisconnect := ch.onDisconnect
	ch.mu.Unlock()

	_ = ch.conn.Close()

	ids := make([]uint64, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	for _, id := range ids {
		if cb := pending[id]; cb != nil {
			cb(nil, ErrIndeterminate)
		}
	}

	ch.logger.Debug("channel disconnected", "reason", reason.String(), "error", err)

	if onDisconnect != nil {
		onDisconnect(reason)
	}

	close(ch.done)

	return reason
}

func (ch *Channel) reason(err error) Reason {
	ch.mu.Lock()
	closing := ch.closing
	ch.mu.Unlock()

	switch {
	case closing:
		return ReasonClient
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return ReasonServer
	default:
		return ReasonTransport
	}
}

func (ch *Channel) dispatch(msg Message) {
	if msg.Event == EventAck {
		ch.mu.Lock()
		cb, ok := ch.pending[msg.ID]
		delete(ch.pending, msg.ID)
		ch.mu.Unlock()

		if !ok {
			ch.logger.Warn("ack for unknown request", "id", msg.ID)

			return
		}

		var err error
		if msg.Error != nil {
			err = msg.Error
		}

		if cb != nil {
			cb(msg.Payload, err)
		}

		return
	}

	ch.mu.Lock()
	h := ch.handlers[msg.Event]
	ch.mu.Unlock()

	if h == nil {
		ch.logger.Debug("no handler for event", "event", msg.Event)

		return
	}

	h(msg.Payload)
}

// Close closes the connection. Run returns ReasonClient.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	ch.closing = true
	ch.mu.Unlock()

	ch.writeMu.Lock()
	_ = ch.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	ch.writeMu.Unlock()

	return ch.conn.Close()
}

// Done is closed once Run has returned.
func (ch *Channel) Done() <-chan struct{} {
	return ch.done
}
