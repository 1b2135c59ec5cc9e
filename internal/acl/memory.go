package acl

import (
	"sort"
	"sync"
)

// MemoryStore is an in-memory implementation of the Store interface.
// Grants are indexed both by entity and by user.
type MemoryStore struct {
	mu       sync.RWMutex
	byEntity map[string]map[string]Role
	byUser   map[string]map[string]Role
}

// NewMemoryStore creates a new in-memory permission store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byEntity: make(map[string]map[string]Role),
		byUser:   make(map[string]map[string]Role),
	}
}

// Grant gives a user a role on an entity.
func (m *MemoryStore) Grant(entityID, userID string, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.byEntity[entityID] == nil {
		m.byEntity[entityID] = make(map[string]Role)
	}

	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]Role)
	}

	m.byEntity[entityID][userID] = role
	m.byUser[userID][entityID] = role

	return nil
}

// Revoke removes a user's permission on an entity.
func (m *MemoryStore) Revoke(entityID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byEntity[entityID][userID]; !exists {
		return ErrPermissionNotFound
	}

	m.removeLocked(entityID, userID)

	return nil
}

// RevokeAll removes every permission on an entity.
func (m *MemoryStore) RevokeAll(entityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for userID := range m.byEntity[entityID] {
		m.removeLocked(entityID, userID)
	}

	return nil
}

func (m *MemoryStore) removeLocked(entityID, userID string) {
	delete(m.byEntity[entityID], userID)

	if len(m.byEntity[entityID]) == 0 {
		delete(m.byEntity, entityID)
	}

	delete(m.byUser[userID], entityID)

	if len(m.byUser[userID]) == 0 {
		delete(m.byUser, userID)
	}
}

// GetRole returns the user's role on an entity.
func (m *MemoryStore) GetRole(entityID, userID string) (Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	role, exists := m.byEntity[entityID][userID]
	if !exists {
		return 0, ErrPermissionNotFound
	}

	return role, nil
}

// ListPermissions returns all permissions on an entity, ordered by user.
func (m *MemoryStore) ListPermissions(entityID string) ([]Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Permission, 0, len(m.byEntity[entityID]))

	for userID, role := range m.byEntity[entityID] {
		result = append(result, Permission{EntityID: entityID, UserID: userID, Role: role})
	}

	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })

	return result, nil
}

// ListForUser returns all permissions a user holds, ordered by entity.
func (m *MemoryStore) ListForUser(userID string) ([]Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Permission, 0, len(m.byUser[userID]))

	for entityID, role := range m.byUser[userID] {
		result = append(result, Permission{EntityID: entityID, UserID: userID, Role: role})
	}

	sort.Slice(result, func(i, j int) bool { return result[i].EntityID < result[j].EntityID })

	return result, nil
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
