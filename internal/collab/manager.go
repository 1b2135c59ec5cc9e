package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/serroba/patchsync/internal/acl"
	"github.com/serroba/patchsync/internal/auth"
	"github.com/serroba/patchsync/internal/patch"
	"github.com/serroba/patchsync/internal/storage"
	"github.com/serroba/patchsync/internal/ws"
)

// Caller identifies who is asking. Client is nil for plain HTTP requests.
type Caller struct {
	Identity auth.Identity
	Client   *ws.Client
}

func (c Caller) clientID() string {
	if c.Client == nil {
		return ""
	}

	return c.Client.ID
}

// Manager manages the sessions of all entities.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	// Shared dependencies
	store          storage.Store
	gate           *acl.Gate
	hub            *ws.Hub
	snapshotPolicy *storage.SnapshotPolicy
	logger         *slog.Logger
}

// ManagerConfig holds configuration for creating a manager. A nil Gate
// disables authorization.
type ManagerConfig struct {
	Store          storage.Store
	Gate           *acl.Gate
	Hub            *ws.Hub
	SnapshotPolicy *storage.SnapshotPolicy
	Logger         *slog.Logger
}

// NewManager creates a new session manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		sessions:       make(map[string]*Session),
		store:          cfg.Store,
		gate:           cfg.Gate,
		hub:            cfg.Hub,
		snapshotPolicy: cfg.SnapshotPolicy,
		logger:         logger,
	}
}

func (m *Manager) authorize(caller Caller, entityID string, action acl.Action) error {
	if m.gate == nil {
		return nil
	}

	return m.gate.Authorize(caller.Identity, entityID, action)
}

func (m *Manager) newSession(entityID string) *Session {
	return NewSession(SessionConfig{
		EntityID:       entityID,
		Store:          m.store,
		Hub:            m.hub,
		SnapshotPolicy: m.snapshotPolicy,
		Logger:         m.logger,
	})
}

// GetOrCreateSession returns an existing session or loads one from storage.
func (m *Manager) GetOrCreateSession(ctx context.Context, entityID string) (*Session, error) {
	// Try read lock first
	m.mu.RLock()
	session, exists := m.sessions[entityID]
	m.mu.RUnlock()

	if exists {
		return session, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if session, exists = m.sessions[entityID]; exists {
		return session, nil
	}

	session = m.newSession(entityID)
	if err := session.Load(ctx); err != nil {
		return nil, err
	}

	m.sessions[entityID] = session

	return session, nil
}

// GetSession returns an existing session or nil if not found.
func (m *Manager) GetSession(entityID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.sessions[entityID]
}

// CreateEntity stores a new entity, makes the caller its owner and
// announces it to the admins. An empty entityID gets a generated one. The
// calling connection joins the entity room.
func (m *Manager) CreateEntity(
	ctx context.Context, caller Caller, entityID, kind string, content map[string]any,
) (*Session, error) {
	if err := m.authorize(caller, entityID, acl.ActionCreate); err != nil {
		return nil, err
	}

	if err := validateContent(kind, content); err != nil {
		return nil, err
	}

	if entityID == "" {
		entityID = uuid.NewString()
	}

	normalized, err := patch.Normalize(content)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	root, _ := normalized.(map[string]any)

	entity := storage.Entity{ID: entityID, Kind: kind, OwnerID: caller.Identity.UserID}
	if err := m.store.CreateEntity(ctx, entity, root); err != nil {
		return nil, err
	}

	if m.gate != nil && entity.OwnerID != "" {
		if err := m.gate.Store().Grant(entityID, entity.OwnerID, acl.Owner); err != nil {
			return nil, fmt.Errorf("grant owner: %w", err)
		}
	}

	session, err := m.GetOrCreateSession(ctx, entityID)
	if err != nil {
		return nil, err
	}

	if caller.Client != nil && m.hub != nil {
		m.hub.Join(caller.Client, EntityRoom(entityID))
	}

	session.announce(caller.clientID())

	m.logger.Info("entity created",
		"entity_id", entityID,
		"kind", kind,
		"user_id", caller.Identity.UserID,
	)

	return session, nil
}

// DeleteEntity removes an entity, its permissions and its room.
func (m *Manager) DeleteEntity(ctx context.Context, caller Caller, entityID string) error {
	if err := m.authorize(caller, entityID, acl.ActionDelete); err != nil {
		return err
	}

	session, err := m.GetOrCreateSession(ctx, entityID)
	if err != nil {
		return err
	}

	if err := session.Remove(ctx, caller.clientID()); err != nil {
		return err
	}

	m.mu.Lock()
	if m.sessions[entityID] == session {
		delete(m.sessions, entityID)
	}
	m.mu.Unlock()

	if m.gate != nil {
		if err := m.gate.Store().RevokeAll(entityID); err != nil {
			m.logger.Warn("revoke permissions", "entity_id", entityID, "error", err)
		}
	}

	m.logger.Info("entity deleted", "entity_id", entityID, "user_id", caller.Identity.UserID)

	return nil
}

// Submit applies a batch of changes to an entity on behalf of caller.
func (m *Manager) Submit(ctx context.Context, caller Caller, entityID string, changes []patch.Change) (int, error) {
	if err := m.authorize(caller, entityID, acl.ActionWrite); err != nil {
		return 0, err
	}

	session, err := m.GetOrCreateSession(ctx, entityID)
	if err != nil {
		return 0, err
	}

	return session.Submit(ctx, caller.clientID(), caller.Identity.UserID, changes)
}

// Snapshot returns the current state of an entity.
func (m *Manager) Snapshot(ctx context.Context, caller Caller, entityID string) (ws.EntityReplacedPayload, error) {
	if err := m.authorize(caller, entityID, acl.ActionRead); err != nil {
		return ws.EntityReplacedPayload{}, err
	}

	session, err := m.GetOrCreateSession(ctx, entityID)
	if err != nil {
		return ws.EntityReplacedPayload{}, err
	}

	return session.Replaced()
}

// Initialize sends the caller's connection a snapshot of every entity it
// may read and joins it to their rooms. It returns the number of snapshots
// queued. Entities deleted meanwhile are skipped.
func (m *Manager) Initialize(ctx context.Context, caller Caller) (int, error) {
	if caller.Client == nil {
		return 0, errors.New("initialize needs a connection")
	}

	entities, err := m.store.ListEntities(ctx)
	if err != nil {
		return 0, fmt.Errorf("list entities: %w", err)
	}

	ids := make([]string, len(entities))
	for i, e := range entities {
		ids[i] = e.ID
	}

	if m.gate != nil {
		if ids, err = m.gate.Readable(caller.Identity, ids); err != nil {
			return 0, err
		}
	}

	count := 0

	for _, id := range ids {
		session, err := m.GetOrCreateSession(ctx, id)
		if errors.Is(err, storage.ErrEntityNotFound) {
			continue
		}

		if err != nil {
			return count, err
		}

		err = session.Attach(caller.Client)
		if errors.Is(err, storage.ErrEntityNotFound) {
			continue
		}

		if err != nil {
			return count, err
		}

		count++
	}

	return count, nil
}

// RestoreOwners grants every stored entity's owner the Owner role again.
// Permissions live in memory, so this runs once at startup.
func (m *Manager) RestoreOwners(ctx context.Context) error {
	if m.gate == nil {
		return nil
	}

	entities, err := m.store.ListEntities(ctx)
	if err != nil {
		return fmt.Errorf("list entities: %w", err)
	}

	for _, e := range entities {
		if e.OwnerID == "" {
			continue
		}

		if err := m.gate.Store().Grant(e.ID, e.OwnerID, acl.Owner); err != nil {
			return fmt.Errorf("grant owner of %s: %w", e.ID, err)
		}
	}

	m.logger.Info("restored owners", "entities", len(entities))

	return nil
}

// CloseSession closes and removes a session.
func (m *Manager) CloseSession(ctx context.Context, entityID string) error {
	m.mu.Lock()
	session, exists := m.sessions[entityID]

	if !exists {
		m.mu.Unlock()

		return nil
	}

	delete(m.sessions, entityID)
	m.mu.Unlock()

	return session.Close(ctx)
}

// CloseAll closes all sessions, saving a final snapshot of each.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))

	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}

	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var errs []error

	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.EntityID(), err))
		}
	}

	return errors.Join(errs...)
}

// SessionCount returns the number of active sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.sessions)
}
