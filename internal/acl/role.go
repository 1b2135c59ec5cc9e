package acl

// Role represents a user's relationship to an entity.
type Role int

const (
	// Viewer can read the entity and receives its broadcasts.
	Viewer Role = iota
	// Editor can also submit changes.
	Editor
	// Owner can also share and delete the entity.
	Owner
)

// String returns the string representation of the role.
func (r Role) String() string {
	switch r {
	case Viewer:
		return "viewer"
	case Editor:
		return "editor"
	case Owner:
		return "owner"
	default:
		return "unknown"
	}
}

// ParseRole is the inverse of Role.String.
func ParseRole(s string) (Role, bool) {
	switch s {
	case "viewer":
		return Viewer, true
	case "editor":
		return Editor, true
	case "owner":
		return Owner, true
	default:
		return 0, false
	}
}

// Allows reports whether the role permits action.
func (r Role) Allows(action Action) bool {
	switch action {
	case ActionRead:
		return r >= Viewer
	case ActionWrite:
		return r >= Editor
	case ActionShare, ActionDelete:
		return r >= Owner
	default:
		return false
	}
}

// Permission is a user's role on a specific entity.
type Permission struct {
	EntityID string
	UserID   string
	Role     Role
}
