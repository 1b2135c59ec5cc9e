package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/serroba/patchsync/internal/document"
	"github.com/serroba/patchsync/internal/patch"
	"github.com/serroba/patchsync/internal/undo"
	"github.com/serroba/patchsync/internal/ws"
)

// Defaults for Config.
const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectInterval    = 500 * time.Millisecond
)

// Common errors.
var (
	ErrDisconnected    = errors.New("not connected")
	ErrReconnectFailed = errors.New("reconnect failed")
	ErrServerClosed    = errors.New("server closed the connection")
	ErrEntityExists    = errors.New("entity already exists")

	errInitializing = errors.New("initialization in progress")
)

// Config configures a Session.
type Config struct {
	// URL is the WebSocket endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// Token is sent as a bearer token when set.
	Token string
	// Header is sent with every handshake.
	Header http.Header

	Cache                Cache
	MaxUndoDepth         int
	MaxReconnectAttempts int
	ReconnectInterval    time.Duration
	ReadTimeout          time.Duration

	// Dial opens connections. Defaults to ws.Dial.
	Dial func(ctx context.Context, cfg ws.DialConfig) (*ws.Channel, error)

	// OnError receives failures that no call returns, such as giving up on
	// reconnecting.
	OnError func(error)
	Logger  *slog.Logger
}

// Session is a connected client. Local edits are pushed on its undo stack
// and submitted in the background; remote changes are applied to the
// replicas as they arrive. After a lost connection it reconnects and
// resyncs on its own.
type Session struct {
	cfg      Config
	logger   *slog.Logger
	replicas *Registry
	history  *undo.Stack

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu           sync.Mutex
	ch           *ws.Channel
	initializing bool
	buffered     []ws.Message
	seen         map[string]bool
}

// Connect restores cached replicas, connects, and waits for the first
// initialization to finish.
func Connect(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}

	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}

	if cfg.Dial == nil {
		cfg.Dial = ws.Dial
	}

	s := &Session{
		cfg:    cfg,
		logger: cfg.Logger,
		done:   make(chan struct{}),
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.history = undo.NewStack(undo.Config{MaxDepth: cfg.MaxUndoDepth, Logger: cfg.Logger})
	s.replicas = NewRegistry(RegistryConfig{
		OnLocal:    s.onLocal,
		OnDiverged: s.onDiverged,
		Cache:      cfg.Cache,
		Logger:     cfg.Logger,
	})

	restored, err := s.replicas.Restore()
	if err != nil {
		s.cancel()

		return nil, err
	}

	if restored > 0 {
		s.logger.Debug("restored cached replicas", "count", restored)
	}

	ch, reasons, err := s.connect(ctx)
	if err != nil {
		s.cancel()

		return nil, err
	}

	go s.supervise(ch, reasons)

	return s, nil
}

func (s *Session) header() http.Header {
	h := s.cfg.Header.Clone()
	if h == nil {
		h = http.Header{}
	}

	if s.cfg.Token != "" {
		h.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	return h
}

func (s *Session) connect(ctx context.Context) (*ws.Channel, <-chan ws.Reason, error) {
	ch, err := s.cfg.Dial(ctx, ws.DialConfig{
		URL:         s.cfg.URL,
		Header:      s.header(),
		Logger:      s.logger,
		ReadTimeout: s.cfg.ReadTimeout,
	})
	if err != nil {
		return nil, nil, err
	}

	ch.On(ws.EventEntityReplaced, s.handleReplaced)
	ch.On(ws.EventEntityChanged, func(p json.RawMessage) { s.handleChanged(ch, p) })
	ch.On(ws.EventEntityRemoved, s.handleRemoved)

	reasons := make(chan ws.Reason, 1)

	go func() { reasons <- ch.Run() }()

	if err := s.initialize(ctx, ch); err != nil {
		_ = ch.Close()
		<-reasons

		return nil, nil, err
	}

	s.mu.Lock()
	s.ch = ch
	s.mu.Unlock()

	return ch, reasons, nil
}

// supervise waits for the connection to end and reconnects after a
// transport failure.
func (s *Session) supervise(ch *ws.Channel, reasons <-chan ws.Reason) {
	defer close(s.done)

	for {
		var reason ws.Reason

		select {
		case reason = <-reasons:
		case <-s.ctx.Done():
			_ = ch.Close()
			reason = <-reasons
		}

		s.mu.Lock()
		if s.ch == ch {
			s.ch = nil
		}
		s.mu.Unlock()

		if s.ctx.Err() != nil {
			return
		}

		switch reason {
		case ws.ReasonTransport:
		case ws.ReasonServer:
			s.report(ErrServerClosed)

			return
		default:
			return
		}

		s.logger.Warn("connection lost, reconnecting")

		var err error

		ch, reasons, err = s.reconnect()
		if err != nil {
			if s.ctx.Err() == nil {
				s.report(fmt.Errorf("%w: %w", ErrReconnectFailed, err))
			}

			return
		}

		s.logger.Info("reconnected")
	}
}

func (s *Session) reconnect() (*ws.Channel, <-chan ws.Reason, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.cfg.ReconnectInterval
	exp.MaxElapsedTime = 0

	policy := backoff.WithContext(
		backoff.WithMaxRetries(exp, uint64(s.cfg.MaxReconnectAttempts-1)),
		s.ctx,
	)

	var (
		ch      *ws.Channel
		reasons <-chan ws.Reason
	)

	err := backoff.RetryNotify(func() error {
		var err error
		ch, reasons, err = s.connect(s.ctx)

		return err
	}, policy, func(err error, wait time.Duration) {
		s.logger.Warn("reconnect attempt failed", "error", err, "retry_in", wait)
	})
	if err != nil {
		return nil, nil, err
	}

	return ch, reasons, nil
}

func (s *Session) report(err error) {
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)

		return
	}

	s.logger.Error("session error", "error", err)
}

// initialize asks for a snapshot of every entity in scope and waits for
// the ack.
func (s *Session) initialize(ctx context.Context, ch *ws.Channel) error {
	done, err := s.beginInitialization(ch)
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// beginInitialization sends startInitialization without waiting, so it is
// safe to call from an event handler. Until the ack arrives, changes and
// removals are buffered; the ack replays them in arrival order.
func (s *Session) beginInitialization(ch *ws.Channel) (<-chan error, error) {
	s.mu.Lock()
	if s.initializing {
		s.mu.Unlock()

		return nil, errInitializing
	}

	s.initializing = true
	s.buffered = nil
	s.seen = make(map[string]bool)
	s.mu.Unlock()

	done := make(chan error, 1)

	err := ch.Send(ws.EventStartInitialization, struct{}{}, func(result json.RawMessage, err error) {
		done <- s.finishInitialization(ch, result, err)
	})
	if err != nil {
		s.mu.Lock()
		s.initializing = false
		s.buffered = nil
		s.seen = nil
		s.mu.Unlock()

		return nil, err
	}

	return done, nil
}

func (s *Session) finishInitialization(ch *ws.Channel, result json.RawMessage, err error) error {
	s.mu.Lock()
	buffered, seen := s.buffered, s.seen
	s.initializing = false
	s.buffered = nil
	s.seen = nil
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var res ws.InitializationResult
	if err := json.Unmarshal(result, &res); err != nil {
		s.logger.Warn("malformed initialization ack", "error", err)
	}

	// Whatever the server did not send is gone or no longer readable.
	if removed := s.replicas.Retain(seen); len(removed) > 0 {
		s.logger.Info("dropped stale replicas", "entities", removed)
	}

	for _, msg := range buffered {
		switch msg.Event {
		case ws.EventEntityChanged:
			s.handleChanged(ch, msg.Payload)
		case ws.EventEntityRemoved:
			s.handleRemoved(msg.Payload)
		}
	}

	s.logger.Info("initialized", "entities", res.Count, "replayed", len(buffered))

	return nil
}

// resync fetches fresh snapshots after a replica went out of sync.
func (s *Session) resync(ch *ws.Channel) {
	if _, err := s.beginInitialization(ch); err != nil && !errors.Is(err, errInitializing) {
		s.logger.Warn("resync failed", "error", err)
	}
}

func (s *Session) buffer(event ws.Event, payload json.RawMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initializing {
		return false
	}

	s.buffered = append(s.buffered, ws.Message{Event: event, Payload: payload})

	return true
}

func (s *Session) handleReplaced(payload json.RawMessage) {
	var p ws.EntityReplacedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		s.logger.Warn("malformed event", "event", ws.EventEntityReplaced, "error", err)

		return
	}

	s.mu.Lock()
	if s.seen != nil {
		s.seen[p.EntityID] = true
	}
	s.mu.Unlock()

	if _, err := s.replicas.Replace(p.EntityID, p.Kind, p.Revision, p.Content); err != nil {
		s.logger.Warn("replace failed", "entity_id", p.EntityID, "error", err)
	}
}

func (s *Session) handleChanged(ch *ws.Channel, payload json.RawMessage) {
	if s.buffer(ws.EventEntityChanged, payload) {
		return
	}

	var p ws.EntityChangedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		s.logger.Warn("malformed event", "event", ws.EventEntityChanged, "error", err)

		return
	}

	if err := s.replicas.ApplyRemote(p.EntityID, p.Revision, p.Changes); err != nil {
		s.logger.Warn("replica out of sync",
			"entity_id", p.EntityID,
			"revision", p.Revision,
			"error", err,
		)
		s.resync(ch)
	}
}

func (s *Session) handleRemoved(payload json.RawMessage) {
	if s.buffer(ws.EventEntityRemoved, payload) {
		return
	}

	var p ws.EntityRemovedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		s.logger.Warn("malformed event", "event", ws.EventEntityRemoved, "error", err)

		return
	}

	s.replicas.Remove(p.EntityID)
}

// onLocal turns a direct mutation of a replica into its own undoable step.
func (s *Session) onLocal(entityID string, change patch.Change, ticket Ticket) {
	label := "Edit " + change.Patch.Path.String()
	s.history.Push(s.ctx, NewEditOperation(label, entityID, []patch.Change{change}, ticket, s.replicas, s))
}

func (s *Session) onDiverged(entityID string) {
	ch := s.channel()
	if ch == nil {
		// The next connection starts with fresh snapshots anyway.
		return
	}

	s.logger.Info("replica diverged, resyncing", "entity_id", entityID)
	s.resync(ch)
}

// Edit runs fn on a draft of the replica of entityID. When fn returns, the
// mutations it made are committed to the replica and recorded as one
// undoable step submitted as one atomic batch. Mutations of the replica
// made elsewhere meanwhile stay separate steps. When fn fails, or the
// replica changed underneath in a conflicting way, nothing is committed.
func (s *Session) Edit(
	ctx context.Context, entityID, label string, fn func(doc *document.Document) error,
) (*undo.Pending, error) {
	state, ok := s.replicas.State(entityID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, entityID)
	}

	draft, err := document.New(state.EntityID, state.Kind, state.Content)
	if err != nil {
		return nil, err
	}

	draft.SetRevision(state.Revision)

	var changes []patch.Change

	draft.SetHook(func(c patch.Change, _ document.Origin) {
		changes = append(changes, c)
	})

	if err := fn(draft); err != nil {
		return nil, err
	}

	if len(changes) == 0 {
		return undo.Resolved(nil), nil
	}

	ticket, err := s.replicas.Apply(entityID, changes)
	if err != nil {
		return nil, fmt.Errorf("edit %s: %w", entityID, err)
	}

	return s.history.Push(ctx, NewEditOperation(label, entityID, changes, ticket, s.replicas, s)), nil
}

// Create adds an entity locally and on the server. An empty entityID gets a
// generated one, which is returned.
func (s *Session) Create(
	ctx context.Context, entityID, kind string, content map[string]any,
) (string, *undo.Pending, error) {
	if entityID == "" {
		entityID = uuid.NewString()
	}

	if _, ok := s.replicas.Get(entityID); ok {
		return "", nil, fmt.Errorf("%w: %s", ErrEntityExists, entityID)
	}

	replica, err := s.replicas.Replace(entityID, kind, 0, content)
	if err != nil {
		return "", nil, err
	}

	op := NewCreateOperation(replica.state(), s.replicas, s)

	return entityID, s.history.Push(ctx, op), nil
}

// Delete removes an entity. Undo creates it again with its current content.
func (s *Session) Delete(ctx context.Context, entityID string) (*undo.Pending, error) {
	state, ok := s.replicas.State(entityID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, entityID)
	}

	return s.history.Push(ctx, NewDeleteOperation(state, s.replicas, s)), nil
}

// Undo reverses the latest step. It returns false when there is none.
func (s *Session) Undo(ctx context.Context) (*undo.Pending, bool) {
	return s.history.Undo(ctx)
}

// Redo replays the latest undone step. It returns false when there is none.
func (s *Session) Redo(ctx context.Context) (*undo.Pending, bool) {
	return s.history.Redo(ctx)
}

// History returns the undo stack.
func (s *Session) History() *undo.Stack {
	return s.history
}

// Replicas returns the local replicas.
func (s *Session) Replicas() *Registry {
	return s.replicas
}

// Document returns the replica document of an entity.
func (s *Session) Document(entityID string) (*document.Document, bool) {
	replica, ok := s.replicas.Get(entityID)
	if !ok {
		return nil, false
	}

	return replica.Document(), true
}

// Connected reports whether the session currently has a connection.
func (s *Session) Connected() bool {
	return s.channel() != nil
}

func (s *Session) channel() *ws.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ch
}

// Request sends a request over the current connection.
func (s *Session) Request(ctx context.Context, event ws.Event, payload, result any) error {
	return s.RequestThen(ctx, event, payload, result, nil)
}

// RequestThen is Request with a settle function; see ws.Channel.RequestThen.
// Without a connection settle gets ErrDisconnected right away.
func (s *Session) RequestThen(ctx context.Context, event ws.Event, payload, result any, settle func(error)) error {
	ch := s.channel()
	if ch == nil {
		if settle != nil {
			settle(ErrDisconnected)
		}

		return ErrDisconnected
	}

	return ch.RequestThen(ctx, event, payload, result, settle)
}

// Close disconnects and stops reconnecting.
func (s *Session) Close() error {
	s.cancel()
	<-s.done

	return nil
}

// Done is closed once the session has stopped for good.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

var _ Requester = (*Session)(nil)
