package patch

import (
	"fmt"
)

// Get returns the value stored at path. An empty path returns root.
func Get(root any, path Path) (any, error) {
	node := root

	for i, key := range path {
		child, ok := lookup(node, key)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path[:i+1])
		}

		node = child
	}

	return node, nil
}

func lookup(node, key any) (any, bool) {
	switch c := node.(type) {
	case map[string]any:
		k, ok := key.(string)
		if !ok {
			return nil, false
		}

		v, ok := c[k]

		return v, ok
	case []any:
		i, ok := key.(int)
		if !ok || i < 0 || i >= len(c) {
			return nil, false
		}

		return c[i], true
	default:
		return nil, false
	}
}

// Apply applies p to root without checking the expected prior state.
// root is left untouched when p cannot be applied.
func Apply(root map[string]any, p Patch) error {
	if err := p.Validate(); err != nil {
		return err
	}

	_, err := applyAt(root, p.Path, p)

	return err
}

func applyAt(node any, path Path, p Patch) (any, error) {
	if len(path) == 1 {
		return applyLeaf(node, path[0], p)
	}

	child, ok := lookup(node, path[0])
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, p.Path)
	}

	updated, err := applyAt(child, path[1:], p)
	if err != nil {
		return nil, err
	}

	// Lists may have been reallocated by an insert or removal.
	switch c := node.(type) {
	case map[string]any:
		c[path[0].(string)] = updated
	case []any:
		c[path[0].(int)] = updated
	}

	return node, nil
}

func applyLeaf(node, key any, p Patch) (any, error) {
	notFound := fmt.Errorf("%w: %s", ErrPathNotFound, p.Path)

	switch c := node.(type) {
	case map[string]any:
		k, ok := key.(string)
		if !ok {
			return nil, notFound
		}

		_, exists := c[k]

		switch p.Op {
		case OpAdd:
			c[k] = Clone(p.Value)
		case OpReplace:
			if !exists {
				return nil, notFound
			}

			c[k] = Clone(p.Value)
		case OpRemove:
			if !exists {
				return nil, notFound
			}

			delete(c, k)
		}

		return c, nil
	case []any:
		i, ok := key.(int)
		if !ok {
			return nil, notFound
		}

		switch p.Op {
		case OpAdd:
			if i > len(c) {
				return nil, notFound
			}

			out := make([]any, 0, len(c)+1)
			out = append(out, c[:i]...)
			out = append(out, Clone(p.Value))

			return append(out, c[i:]...), nil
		case OpReplace:
			if i >= len(c) {
				return nil, notFound
			}

			c[i] = Clone(p.Value)

			return c, nil
		case OpRemove:
			if i >= len(c) {
				return nil, notFound
			}

			out := make([]any, 0, len(c)-1)
			out = append(out, c[:i]...)

			return append(out, c[i+1:]...), nil
		}
	}

	return nil, notFound
}

// ApplyIfMatches applies p only when the value at p.Path is the one
// inverse expects to restore. It returns ErrConflict and leaves root
// unmodified otherwise.
func ApplyIfMatches(root map[string]any, p, inverse Patch) error {
	change := Change{Patch: p, Inverse: inverse}
	if err := change.Validate(); err != nil {
		return err
	}

	if err := checkExpected(root, inverse); err != nil {
		return err
	}

	if err := Apply(root, p); err != nil {
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}

	return nil
}

// checkExpected verifies the state the inverse patch would restore from.
// A replace or add inverse carries the value that must be present; a
// remove inverse means the target must not exist yet (map key) or be a
// valid insert position (list index).
func checkExpected(root map[string]any, inverse Patch) error {
	path := inverse.Path

	switch inverse.Op {
	case OpReplace, OpAdd:
		current, err := Get(root, path)
		if err != nil {
			return fmt.Errorf("%w: %s is missing", ErrConflict, path)
		}

		if !Equal(current, inverse.Value) {
			return fmt.Errorf("%w: %s holds a different value", ErrConflict, path)
		}
	case OpRemove:
		parent, err := Get(root, path[:len(path)-1])
		if err != nil {
			return fmt.Errorf("%w: parent of %s is missing", ErrConflict, path)
		}

		switch c := parent.(type) {
		case map[string]any:
			k, ok := path[len(path)-1].(string)
			if !ok {
				return fmt.Errorf("%w: %s is not a property", ErrConflict, path)
			}

			if _, exists := c[k]; exists {
				return fmt.Errorf("%w: %s already exists", ErrConflict, path)
			}
		case []any:
			i, ok := path[len(path)-1].(int)
			if !ok || i > len(c) {
				return fmt.Errorf("%w: %s is out of range", ErrConflict, path)
			}
		default:
			return fmt.Errorf("%w: parent of %s is not a container", ErrConflict, path)
		}
	}

	return nil
}

// ApplyAll applies changes as a single atomic unit: every change is
// conflict-checked in order, and if one fails the ones already applied are
// rolled back through their inverses.
func ApplyAll(root map[string]any, changes []Change) error {
	for i, c := range changes {
		if err := ApplyIfMatches(root, c.Patch, c.Inverse); err != nil {
			rollback(root, changes[:i])

			return fmt.Errorf("change %d (%s): %w", i, c.Patch, err)
		}
	}

	return nil
}

func rollback(root map[string]any, applied []Change) {
	for i := len(applied) - 1; i >= 0; i-- {
		_ = Apply(root, applied[i].Inverse)
	}
}
