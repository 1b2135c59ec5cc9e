package document

import (
	"errors"
	"fmt"
	"sync"

	"github.com/serroba/patchsync/internal/patch"
)

// ErrNotAList is returned when Append targets something that is not a list.
var ErrNotAList = errors.New("value at path is not a list")

// Origin tells a Hook where a committed mutation came from.
type Origin int

const (
	// OriginLocal marks mutations made through Set, Insert, Delete and Append.
	OriginLocal Origin = iota
	// OriginRemote marks changes applied on behalf of the server or a peer.
	OriginRemote
)

// Hook observes committed mutations. It runs synchronously, in commit
// order, and must not mutate the document it observes.
type Hook func(change patch.Change, origin Origin)

// Document is a tree-shaped replica of a shared entity (a workshop, a
// module, ...). It is only mutated through its methods so every mutation
// yields a forward/inverse pair. It is safe for concurrent use.
type Document struct {
	id   string
	kind string

	// commitMu serializes mutations together with their hook calls.
	commitMu sync.Mutex

	mu       sync.RWMutex
	root     map[string]any
	hook     Hook
	revision int
}

// New creates a document from content. content is copied.
func New(id, kind string, content map[string]any) (*Document, error) {
	root, err := normalizeRoot(content)
	if err != nil {
		return nil, err
	}

	return &Document{id: id, kind: kind, root: root}, nil
}

func normalizeRoot(content map[string]any) (map[string]any, error) {
	if content == nil {
		return make(map[string]any), nil
	}

	n, err := patch.Normalize(content)
	if err != nil {
		return nil, err
	}

	root, _ := n.(map[string]any)

	return patch.CloneMap(root), nil
}

// ID returns the stable entity id.
func (d *Document) ID() string {
	return d.id
}

// Kind returns the entity kind, e.g. "workshop".
func (d *Document) Kind() string {
	return d.kind
}

// Revision returns the last server revision this replica reflects.
func (d *Document) Revision() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.revision
}

// SetRevision records the server revision this replica reflects.
func (d *Document) SetRevision(revision int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.revision = revision
}

// SetHook installs h as the mutation observer, replacing any previous one.
// It waits for an in-flight mutation to finish notifying, so once it
// returns the previous hook is never called again.
func (d *Document) SetHook(h Hook) {
	d.commitMu.Lock()
	defer d.commitMu.Unlock()

	d.mu.Lock()
	d.hook = h
	d.mu.Unlock()
}

// Get returns a copy of the value at path.
func (d *Document) Get(path patch.Path) (any, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	v, err := patch.Get(d.root, path)
	if err != nil {
		return nil, err
	}

	return patch.Clone(v), nil
}

// Snapshot returns a deep copy of the whole document.
func (d *Document) Snapshot() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return patch.CloneMap(d.root)
}

// Set writes value at path: a replace when something is already there,
// an add otherwise.
func (d *Document) Set(path patch.Path, value any) error {
	v, err := patch.Normalize(value)
	if err != nil {
		return err
	}

	return d.mutate(func(root map[string]any) (patch.Change, error) {
		current, err := patch.Get(root, path)
		if err == nil {
			return patch.NewReplace(path, current, v), nil
		}

		if len(path) > 0 {
			if _, err := patch.Get(root, path[:len(path)-1]); err != nil {
				return patch.Change{}, err
			}
		}

		return patch.NewAdd(path, v), nil
	})
}

// Insert adds value at path: a new property, or a list element inserted
// before the given index. Inserting over an existing property fails with
// patch.ErrConflict.
func (d *Document) Insert(path patch.Path, value any) error {
	v, err := patch.Normalize(value)
	if err != nil {
		return err
	}

	return d.mutate(func(map[string]any) (patch.Change, error) {
		return patch.NewAdd(path, v), nil
	})
}

// Append adds value at the end of the list at path.
func (d *Document) Append(path patch.Path, value any) error {
	v, err := patch.Normalize(value)
	if err != nil {
		return err
	}

	return d.mutate(func(root map[string]any) (patch.Change, error) {
		current, err := patch.Get(root, path)
		if err != nil {
			return patch.Change{}, err
		}

		list, ok := current.([]any)
		if !ok {
			return patch.Change{}, fmt.Errorf("%w: %s", ErrNotAList, path)
		}

		return patch.NewAdd(path.Child(len(list)), v), nil
	})
}

// Delete removes the property or list element at path.
func (d *Document) Delete(path patch.Path) error {
	return d.mutate(func(root map[string]any) (patch.Change, error) {
		current, err := patch.Get(root, path)
		if err != nil {
			return patch.Change{}, err
		}

		return patch.NewRemove(path, current), nil
	})
}

// mutate computes a change against the current state, capturing the prior
// value before it is overwritten, applies it and notifies the hook.
func (d *Document) mutate(build func(root map[string]any) (patch.Change, error)) error {
	d.commitMu.Lock()
	defer d.commitMu.Unlock()

	d.mu.Lock()

	change, err := build(d.root)
	if err == nil {
		err = patch.ApplyIfMatches(d.root, change.Patch, change.Inverse)
	}

	hook := d.hook
	d.mu.Unlock()

	if err != nil {
		return err
	}

	if hook != nil {
		hook(change, OriginLocal)
	}

	return nil
}

// ApplyIfMatches applies changes atomically after checking the expected
// prior state of each one. On patch.ErrConflict nothing is modified.
func (d *Document) ApplyIfMatches(origin Origin, changes ...patch.Change) error {
	return d.Transact(origin, func(tx *Tx) error {
		return tx.Apply(changes...)
	})
}

// Reset replaces the whole content, e.g. with a fresh server snapshot.
// It does not notify the hook: a snapshot is not a patch.
func (d *Document) Reset(content map[string]any, revision int) error {
	return d.Transact(OriginRemote, func(tx *Tx) error {
		return tx.Reset(content, revision)
	})
}

// Transact runs fn while no other mutation can commit. Changes applied
// through tx are reported to the hook with origin. fn must not call other
// mutating methods of the document.
func (d *Document) Transact(origin Origin, fn func(tx *Tx) error) error {
	d.commitMu.Lock()
	defer d.commitMu.Unlock()

	d.mu.RLock()
	hook := d.hook
	d.mu.RUnlock()

	return fn(&Tx{d: d, origin: origin, hook: hook})
}

// Tx commits to a document inside Transact.
type Tx struct {
	d      *Document
	origin Origin
	hook   Hook
}

// Apply applies changes atomically after checking the expected prior state
// of each one. On patch.ErrConflict nothing is modified.
func (tx *Tx) Apply(changes ...patch.Change) error {
	tx.d.mu.Lock()
	err := patch.ApplyAll(tx.d.root, changes)
	tx.d.mu.Unlock()

	if err != nil {
		return err
	}

	if tx.hook != nil {
		for _, c := range changes {
			tx.hook(c, tx.origin)
		}
	}

	return nil
}

// Reset replaces the whole content without notifying the hook.
func (tx *Tx) Reset(content map[string]any, revision int) error {
	root, err := normalizeRoot(content)
	if err != nil {
		return err
	}

	tx.d.mu.Lock()
	tx.d.root = root
	tx.d.revision = revision
	tx.d.mu.Unlock()

	return nil
}
