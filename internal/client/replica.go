// Package client keeps local replicas of shared entities in sync with the
// server: local mutations become undoable operations sent as patches, and
// changes from other users are applied without being echoed back.
package client

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/serroba/patchsync/internal/document"
	"github.com/serroba/patchsync/internal/patch"
	"github.com/serroba/patchsync/internal/tracker"
	"github.com/serroba/patchsync/internal/ws"
)

// ErrUnknownEntity is returned for an entity without a local replica.
var ErrUnknownEntity = errors.New("unknown entity")

// Ticket identifies local changes applied to a replica whose submission
// the server has not answered yet.
type Ticket uint64

type unconfirmed struct {
	ticket  Ticket
	changes []patch.Change
	applied bool
}

// Replica is the local copy of one entity together with its tracker.
type Replica struct {
	doc     *document.Document
	tracker *tracker.Tracker

	// mu may be taken while the document is locked, never the other way
	// around.
	mu          sync.Mutex
	last        Ticket
	unconfirmed []*unconfirmed
}

// Document returns the replica's document. Mutating it produces undoable
// operations.
func (r *Replica) Document() *document.Document {
	return r.doc
}

// hold records changes just applied to the replica until the server
// answers their submission.
func (r *Replica) hold(changes []patch.Change) Ticket {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.last++
	r.unconfirmed = append(r.unconfirmed, &unconfirmed{ticket: r.last, changes: changes, applied: true})

	return r.last
}

func (r *Replica) release(ticket Ticket) (*unconfirmed, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, u := range r.unconfirmed {
		if u.ticket == ticket {
			r.unconfirmed = append(r.unconfirmed[:i], r.unconfirmed[i+1:]...)

			return u, true
		}
	}

	return nil, false
}

// rebase installs a server snapshot and applies the unconfirmed changes on
// top of it in the order they were made. Their submissions reach the server
// after the snapshot was taken, so it cannot contain them. Changes that no
// longer apply are left out.
func (r *Replica) rebase(content map[string]any, revision int) error {
	return r.tracker.Transact(func(tx *document.Tx) error {
		if err := tx.Reset(content, revision); err != nil {
			return err
		}

		r.mu.Lock()
		defer r.mu.Unlock()

		for _, u := range r.unconfirmed {
			u.applied = tx.Apply(u.changes...) == nil
		}

		return nil
	})
}

// State is what a cache keeps about a replica.
type State struct {
	EntityID string         `json:"entityId"`
	Kind     string         `json:"kind"`
	Revision int            `json:"revision"`
	Content  map[string]any `json:"content"`
}

// Cache persists replicas between runs.
type Cache interface {
	Save(state State) error
	Delete(entityID string) error
	Load() ([]State, error)
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// OnLocal receives every local mutation of every replica, with the
	// ticket to settle once the server answers its submission. It runs
	// with the replica's document locked.
	OnLocal func(entityID string, change patch.Change, ticket Ticket)
	// OnDiverged is called when a replica no longer matches what the
	// server accepted and needs a fresh snapshot.
	OnDiverged func(entityID string)
	Cache      Cache
	Logger     *slog.Logger
}

// Registry holds the replicas of a client.
type Registry struct {
	onLocal    func(entityID string, change patch.Change, ticket Ticket)
	onDiverged func(entityID string)
	cache      Cache
	logger     *slog.Logger

	mu       sync.RWMutex
	replicas map[string]*Replica
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		onLocal:    cfg.OnLocal,
		onDiverged: cfg.OnDiverged,
		cache:      cfg.Cache,
		logger:     logger,
		replicas:   make(map[string]*Replica),
	}
}

// Restore loads the cached replicas. Nothing is loaded without a cache.
func (r *Registry) Restore() (int, error) {
	if r.cache == nil {
		return 0, nil
	}

	states, err := r.cache.Load()
	if err != nil {
		return 0, fmt.Errorf("load cache: %w", err)
	}

	for _, st := range states {
		if _, err := r.Replace(st.EntityID, st.Kind, st.Revision, st.Content); err != nil {
			return 0, err
		}
	}

	return len(states), nil
}

// Replace installs a snapshot, creating the replica when needed. A
// snapshot is not a change: nothing is reported to OnLocal. Local changes
// still waiting for an answer are applied again on top of it.
func (r *Registry) Replace(entityID, kind string, revision int, content map[string]any) (*Replica, error) {
	r.mu.Lock()

	replica, exists := r.replicas[entityID]
	if !exists {
		doc, err := document.New(entityID, kind, content)
		if err != nil {
			r.mu.Unlock()

			return nil, fmt.Errorf("replica %s: %w", entityID, err)
		}

		doc.SetRevision(revision)

		replica = &Replica{doc: doc}
		replica.tracker = tracker.Start(doc, func(c patch.Change) {
			r.local(replica, c)
		})
		r.replicas[entityID] = replica
	}

	r.mu.Unlock()

	// The document lock is taken after the registry lock is released:
	// local mutations call back into the registry with it held.
	if exists {
		if err := replica.rebase(content, revision); err != nil {
			return nil, fmt.Errorf("reset %s: %w", entityID, err)
		}
	}

	r.persist(replica)

	return replica, nil
}

func (r *Registry) local(replica *Replica, change patch.Change) {
	r.persist(replica)

	if r.onLocal == nil {
		return
	}

	ticket := replica.hold([]patch.Change{change})
	r.onLocal(replica.doc.ID(), change, ticket)
}

// Apply applies local changes that are not new edits, such as an undo or
// a committed batch, and holds them like a local mutation until Settle.
// Nothing is reported to OnLocal.
func (r *Registry) Apply(entityID string, changes []patch.Change) (Ticket, error) {
	replica, ok := r.Get(entityID)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownEntity, entityID)
	}

	var ticket Ticket

	err := replica.tracker.Transact(func(tx *document.Tx) error {
		if err := tx.Apply(changes...); err != nil {
			return err
		}

		ticket = replica.hold(changes)

		return nil
	})
	if err != nil {
		return 0, err
	}

	r.persist(replica)

	return ticket, nil
}

// Settle records the server's answer to the submission of ticket. After a
// rejection the changes are rolled back when they are still applied. When
// the outcome is unknown the changes stay, and the snapshot that follows
// the reconnect decides. OnDiverged is called when the replica cannot be
// reconciled on its own.
func (r *Registry) Settle(entityID string, ticket Ticket, err error) {
	replica, ok := r.Get(entityID)
	if !ok {
		return
	}

	diverged := false

	txErr := replica.tracker.Transact(func(tx *document.Tx) error {
		u, ok := replica.release(ticket)
		if !ok {
			return nil
		}

		switch {
		case err == nil:
			// Accepted, but a snapshot could not keep the changes.
			diverged = !u.applied
		case !rejected(err):
		case u.applied:
			if rbErr := tx.Apply(patch.ReverseAll(u.changes)...); rbErr != nil {
				r.logger.Warn("rollback rejected changes failed", "entity_id", entityID, "error", rbErr)

				diverged = true
			}
		}

		return nil
	})
	if txErr != nil {
		return
	}

	r.persist(replica)

	if diverged {
		r.diverge(entityID)
	}
}

// Unconfirmed returns the number of local submissions of an entity still
// waiting for the server.
func (r *Registry) Unconfirmed(entityID string) int {
	replica, ok := r.Get(entityID)
	if !ok {
		return 0
	}

	replica.mu.Lock()
	defer replica.mu.Unlock()

	return len(replica.unconfirmed)
}

func (r *Registry) diverge(entityID string) {
	if r.onDiverged != nil {
		r.onDiverged(entityID)
	}
}

// rejected reports whether the server definitely did not apply a request.
// Requests that never left the client count as rejected.
func rejected(err error) bool {
	return err != nil && !errors.Is(err, ws.ErrIndeterminate)
}

// Get returns the replica of an entity.
func (r *Registry) Get(entityID string) (*Replica, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	replica, ok := r.replicas[entityID]

	return replica, ok
}

// ApplyRemote applies changes accepted by the server at revision. Nothing
// is reported to OnLocal. On patch.ErrConflict the replica is unchanged and
// needs a fresh snapshot.
func (r *Registry) ApplyRemote(entityID string, revision int, changes []patch.Change) error {
	replica, ok := r.Get(entityID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, entityID)
	}

	if err := replica.tracker.ApplyRemote(changes...); err != nil {
		return err
	}

	replica.observe(revision)
	r.persist(replica)

	return nil
}

// Observe records that the server acknowledged revision of an entity.
func (r *Registry) Observe(entityID string, revision int) {
	if replica, ok := r.Get(entityID); ok {
		replica.observe(revision)
		r.persist(replica)
	}
}

// Revisions from acks and broadcasts may arrive out of order.
func (r *Replica) observe(revision int) {
	if revision > r.doc.Revision() {
		r.doc.SetRevision(revision)
	}
}

// Remove drops the replica of an entity and stops tracking it.
func (r *Registry) Remove(entityID string) bool {
	r.mu.Lock()
	replica, ok := r.replicas[entityID]
	delete(r.replicas, entityID)
	r.mu.Unlock()

	if !ok {
		return false
	}

	replica.tracker.Stop()

	if r.cache != nil {
		if err := r.cache.Delete(entityID); err != nil {
			r.logger.Warn("cache delete failed", "entity_id", entityID, "error", err)
		}
	}

	return true
}

// Retain removes every replica whose id is not in keep and returns the
// removed ids.
func (r *Registry) Retain(keep map[string]bool) []string {
	var removed []string

	for _, id := range r.IDs() {
		if !keep[id] && r.Remove(id) {
			removed = append(removed, id)
		}
	}

	return removed
}

// IDs returns the ids of all replicas, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.replicas))

	for id := range r.replicas {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	slices.Sort(ids)

	return ids
}

// State returns the current state of a replica.
func (r *Registry) State(entityID string) (State, bool) {
	replica, ok := r.Get(entityID)
	if !ok {
		return State{}, false
	}

	return replica.state(), true
}

func (r *Replica) state() State {
	return State{
		EntityID: r.doc.ID(),
		Kind:     r.doc.Kind(),
		Revision: r.doc.Revision(),
		Content:  r.doc.Snapshot(),
	}
}

func (r *Registry) persist(replica *Replica) {
	if r.cache == nil {
		return
	}

	if err := r.cache.Save(replica.state()); err != nil {
		r.logger.Warn("cache save failed", "entity_id", replica.doc.ID(), "error", err)
	}
}
