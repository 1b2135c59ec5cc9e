package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/serroba/patchsync/internal/document"
	"github.com/serroba/patchsync/internal/patch"
	"github.com/serroba/patchsync/internal/storage"
	"github.com/serroba/patchsync/internal/ws"
)

// Common errors.
var (
	ErrSessionClosed = errors.New("session is closed")
)

// Session owns the canonical copy of one entity. Every change to it, and
// every broadcast about it, happens under the session lock, so members of
// the entity room observe changes in the order they were accepted.
type Session struct {
	entityID string

	mu               sync.Mutex
	doc              *document.Document
	snapshotRevision int
	closed           bool
	removed          bool

	// Dependencies
	store          storage.Store
	hub            *ws.Hub
	snapshotPolicy *storage.SnapshotPolicy
	logger         *slog.Logger
}

// SessionConfig holds configuration for creating a session.
type SessionConfig struct {
	EntityID       string
	Store          storage.Store
	Hub            *ws.Hub
	SnapshotPolicy *storage.SnapshotPolicy
	Logger         *slog.Logger
}

// NewSession creates a session for an entity. Load must be called before
// the session is used.
func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		entityID:       cfg.EntityID,
		store:          cfg.Store,
		hub:            cfg.Hub,
		snapshotPolicy: cfg.SnapshotPolicy,
		logger:         logger.With("entity_id", cfg.EntityID),
	}
}

// Load rebuilds the canonical copy from storage.
func (s *Session) Load(ctx context.Context) error {
	result, err := storage.NewLoader(s.store).Load(ctx, s.entityID)
	if err != nil {
		return err
	}

	doc, err := document.New(s.entityID, result.Entity.Kind, result.Content)
	if err != nil {
		return fmt.Errorf("load %s: %w", s.entityID, err)
	}

	doc.SetRevision(result.Revision)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc = doc
	s.snapshotRevision = result.SnapshotRevision

	if result.Replayed > 0 {
		s.logger.Debug("replayed records", "count", result.Replayed, "revision", result.Revision)
	}

	return nil
}

func (s *Session) checkOpenLocked() error {
	switch {
	case s.removed:
		return storage.ErrEntityNotFound
	case s.closed:
		return ErrSessionClosed
	default:
		return nil
	}
}

// Submit applies changes as one atomic unit if each one still matches the
// canonical copy, persists them, and broadcasts them to every other member
// of the entity room. It returns the new revision.
func (s *Session) Submit(ctx context.Context, clientID, userID string, changes []patch.Change) (int, error) {
	if err := validateChanges(changes); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpenLocked(); err != nil {
		return 0, err
	}

	if err := s.doc.ApplyIfMatches(document.OriginRemote, changes...); err != nil {
		return 0, err
	}

	revision := s.doc.Revision() + 1

	err := s.store.AppendRecord(ctx, s.entityID, storage.Record{
		Revision: revision,
		UserID:   userID,
		Changes:  changes,
	})
	if err != nil {
		if rbErr := s.doc.ApplyIfMatches(document.OriginRemote, patch.ReverseAll(changes)...); rbErr != nil {
			s.logger.Error("rollback after failed persist", "error", rbErr)
		}

		return 0, fmt.Errorf("persist revision %d: %w", revision, err)
	}

	s.doc.SetRevision(revision)
	s.maybeSnapshotLocked(ctx)
	s.broadcastLocked(ws.EventEntityChanged, ws.EntityChangedPayload{
		EntityID: s.entityID,
		Revision: revision,
		Changes:  changes,
		UserID:   userID,
	}, clientID)

	return revision, nil
}

// maybeSnapshotLocked checks if a snapshot should be created and does so.
// A failed snapshot is logged; the records it would have covered stay.
func (s *Session) maybeSnapshotLocked(ctx context.Context) {
	if s.snapshotPolicy == nil {
		return
	}

	if !s.snapshotPolicy.RecordAppended(s.entityID) {
		return
	}

	if err := s.saveSnapshotLocked(ctx); err != nil {
		s.logger.Warn("snapshot failed", "error", err)

		return
	}

	s.snapshotPolicy.Reset(s.entityID)
}

func (s *Session) saveSnapshotLocked(ctx context.Context) error {
	revision := s.doc.Revision()
	if revision == s.snapshotRevision {
		return nil
	}

	if err := s.store.SaveSnapshot(ctx, s.entityID, revision, s.doc.Snapshot()); err != nil {
		return err
	}

	s.snapshotRevision = revision

	return nil
}

func (s *Session) broadcastLocked(event ws.Event, payload any, excludeClientID string) {
	if s.hub == nil {
		return
	}

	msg, err := ws.NewMessage(event, payload)
	if err != nil {
		s.logger.Error("encode broadcast", "event", event, "error", err)

		return
	}

	s.hub.Broadcast(entityRooms(s.entityID), msg, excludeClientID)
}

// Replaced builds the full snapshot message of the entity.
func (s *Session) Replaced() (ws.EntityReplacedPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpenLocked(); err != nil {
		return ws.EntityReplacedPayload{}, err
	}

	return s.replacedLocked(), nil
}

func (s *Session) replacedLocked() ws.EntityReplacedPayload {
	return ws.EntityReplacedPayload{
		EntityID: s.entityID,
		Kind:     s.doc.Kind(),
		Revision: s.doc.Revision(),
		Content:  s.doc.Snapshot(),
	}
}

// Attach queues the current snapshot for client and joins it to the entity
// room in one step, so no broadcast about the entity can reach the client
// before the snapshot does.
func (s *Session) Attach(client *ws.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpenLocked(); err != nil {
		return err
	}

	msg, err := ws.NewMessage(ws.EventEntityReplaced, s.replacedLocked())
	if err != nil {
		return err
	}

	if err := client.Send(msg); err != nil {
		return err
	}

	if s.hub != nil {
		s.hub.Join(client, EntityRoom(s.entityID))
	}

	return nil
}

// announce broadcasts the snapshot to the admins, e.g. right after creation.
func (s *Session) announce(excludeClientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hub == nil || s.removed {
		return
	}

	msg, err := ws.NewMessage(ws.EventEntityReplaced, s.replacedLocked())
	if err != nil {
		s.logger.Error("encode broadcast", "event", ws.EventEntityReplaced, "error", err)

		return
	}

	s.hub.Broadcast([]string{AdminsRoom}, msg, excludeClientID)
}

// Remove deletes the entity from storage, tells the room and dissolves it.
func (s *Session) Remove(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpenLocked(); err != nil {
		return err
	}

	if err := s.store.DeleteEntity(ctx, s.entityID); err != nil {
		return err
	}

	s.removed = true

	if s.snapshotPolicy != nil {
		s.snapshotPolicy.Reset(s.entityID)
	}

	s.broadcastLocked(ws.EventEntityRemoved, ws.EntityRemovedPayload{EntityID: s.entityID}, clientID)

	if s.hub != nil {
		s.hub.RemoveRoom(EntityRoom(s.entityID))
	}

	return nil
}

// EntityID returns the entity this session owns.
func (s *Session) EntityID() string {
	return s.entityID
}

// Revision returns the current revision number.
func (s *Session) Revision() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.doc.Revision()
}

// Close closes the session and saves a final snapshot.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.removed {
		s.closed = true

		return nil
	}

	s.closed = true

	return s.saveSnapshotLocked(ctx)
}
