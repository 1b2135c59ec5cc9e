package acl

import "errors"

// Common errors.
var (
	ErrPermissionNotFound = errors.New("permission not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrUnauthenticated    = errors.New("unauthenticated")
)

// Store defines the interface for persisting entity permissions.
type Store interface {
	// Grant gives a user a role on an entity, replacing any previous one.
	Grant(entityID, userID string, role Role) error

	// Revoke removes a user's permission on an entity.
	// Returns ErrPermissionNotFound if no permission exists.
	Revoke(entityID, userID string) error

	// RevokeAll removes every permission on an entity.
	RevokeAll(entityID string) error

	// GetRole returns the user's role on an entity.
	// Returns ErrPermissionNotFound if no permission exists.
	GetRole(entityID, userID string) (Role, error)

	// ListPermissions returns all permissions on an entity.
	ListPermissions(entityID string) ([]Permission, error)

	// ListForUser returns all permissions a user holds.
	ListForUser(userID string) ([]Permission, error)
}
