package client

import (
	"context"
	"fmt"

	"github.com/serroba/patchsync/internal/patch"
	"github.com/serroba/patchsync/internal/undo"
	"github.com/serroba/patchsync/internal/ws"
)

// Requester sends a request and waits for its ack. settle, when not nil,
// is called exactly once with the outcome, in the order the server's
// messages are handled, even when the caller stopped waiting. *ws.Channel
// and *Session implement it.
type Requester interface {
	RequestThen(ctx context.Context, event ws.Event, payload, result any, settle func(error)) error
}

// EditOperation is a batch of changes to one entity.
type EditOperation struct {
	label    string
	entityID string
	changes  []patch.Change
	ticket   Ticket

	replicas *Registry
	remote   Requester
}

// NewEditOperation creates an edit whose changes are already applied to
// the local replica and held under ticket.
func NewEditOperation(
	label, entityID string, changes []patch.Change, ticket Ticket, replicas *Registry, remote Requester,
) *EditOperation {
	return &EditOperation{
		label:    label,
		entityID: entityID,
		changes:  changes,
		ticket:   ticket,
		replicas: replicas,
		remote:   remote,
	}
}

func (o *EditOperation) Label() string { return o.label }

func (o *EditOperation) Key() string { return o.entityID }

// Changes returns the changes of the edit.
func (o *EditOperation) Changes() []patch.Change { return o.changes }

// Execute submits the changes. A redo first applies them locally again.
func (o *EditOperation) Execute(ctx context.Context, isRedo bool) error {
	ticket := o.ticket

	if isRedo {
		var err error
		if ticket, err = o.replicas.Apply(o.entityID, o.changes); err != nil {
			return err
		}
	}

	return o.submit(ctx, o.changes, ticket)
}

// Reverse applies the inverses locally and submits them.
func (o *EditOperation) Reverse(ctx context.Context) error {
	reversed := patch.ReverseAll(o.changes)

	ticket, err := o.replicas.Apply(o.entityID, reversed)
	if err != nil {
		return err
	}

	return o.submit(ctx, reversed, ticket)
}

// Merge collapses two replacements of the same single path into one step
// that goes from the first old value to the last new value.
func (o *EditOperation) Merge(next undo.Operation) (undo.Operation, bool) {
	n, ok := next.(*EditOperation)
	if !ok || n.entityID != o.entityID {
		return nil, false
	}

	if len(o.changes) != 1 || len(n.changes) != 1 {
		return nil, false
	}

	prev, last := o.changes[0], n.changes[0]

	if prev.Patch.Op != patch.OpReplace || last.Patch.Op != patch.OpReplace {
		return nil, false
	}

	if !prev.Patch.Path.Equal(last.Patch.Path) {
		return nil, false
	}

	merged := *o
	merged.changes = []patch.Change{{Patch: last.Patch, Inverse: prev.Inverse}}
	merged.ticket = 0

	return &merged, true
}

// submit sends changes held under ticket. A rejection rolls them back
// locally; see Registry.Settle.
func (o *EditOperation) submit(ctx context.Context, changes []patch.Change, ticket Ticket) error {
	var result ws.RevisionResult

	err := o.remote.RequestThen(ctx, ws.EventSubmitChange, ws.SubmitChangePayload{
		EntityID: o.entityID,
		Changes:  changes,
	}, &result, func(err error) {
		o.replicas.Settle(o.entityID, ticket, err)
	})
	if err != nil {
		return fmt.Errorf("submit %s: %w", o.entityID, err)
	}

	o.replicas.Observe(o.entityID, result.Revision)

	return nil
}

// CreateOperation creates an entity. Undoing it deletes the entity.
type CreateOperation struct {
	state    State
	replicas *Registry
	remote   Requester
}

// NewCreateOperation creates the operation for an entity whose replica
// already exists locally.
func NewCreateOperation(state State, replicas *Registry, remote Requester) *CreateOperation {
	return &CreateOperation{state: state, replicas: replicas, remote: remote}
}

func (o *CreateOperation) Label() string { return "Create " + o.state.Kind }

func (o *CreateOperation) Key() string { return o.state.EntityID }

func (o *CreateOperation) Execute(ctx context.Context, isRedo bool) error {
	if isRedo {
		if _, err := o.replicas.Replace(o.state.EntityID, o.state.Kind, 0, o.state.Content); err != nil {
			return err
		}
	}

	return create(ctx, o.remote, o.replicas, o.state)
}

func (o *CreateOperation) Reverse(ctx context.Context) error {
	o.replicas.Remove(o.state.EntityID)

	return remove(ctx, o.remote, o.replicas, o.state.EntityID)
}

func (o *CreateOperation) Merge(undo.Operation) (undo.Operation, bool) { return nil, false }

// DeleteOperation deletes an entity. Undoing it creates the entity again
// from the state captured when it was deleted.
type DeleteOperation struct {
	state    State
	replicas *Registry
	remote   Requester
}

// NewDeleteOperation captures state, the replica as it was just before the
// deletion.
func NewDeleteOperation(state State, replicas *Registry, remote Requester) *DeleteOperation {
	return &DeleteOperation{state: state, replicas: replicas, remote: remote}
}

func (o *DeleteOperation) Label() string { return "Delete " + o.state.Kind }

func (o *DeleteOperation) Key() string { return o.state.EntityID }

func (o *DeleteOperation) Execute(ctx context.Context, _ bool) error {
	o.replicas.Remove(o.state.EntityID)

	return remove(ctx, o.remote, o.replicas, o.state.EntityID)
}

func (o *DeleteOperation) Reverse(ctx context.Context) error {
	if _, err := o.replicas.Replace(o.state.EntityID, o.state.Kind, 0, o.state.Content); err != nil {
		return err
	}

	return create(ctx, o.remote, o.replicas, o.state)
}

func (o *DeleteOperation) Merge(undo.Operation) (undo.Operation, bool) { return nil, false }

// create and remove leave reconciling a rejection to a fresh snapshot:
// the server either has the entity or it does not.
func create(ctx context.Context, remote Requester, replicas *Registry, st State) error {
	var result ws.CreateEntityResult

	err := remote.RequestThen(ctx, ws.EventCreateEntity, ws.CreateEntityPayload{
		EntityID: st.EntityID,
		Kind:     st.Kind,
		Content:  st.Content,
	}, &result, func(err error) {
		if rejected(err) {
			replicas.Remove(st.EntityID)
			replicas.diverge(st.EntityID)
		}
	})
	if err != nil {
		return fmt.Errorf("create %s: %w", st.EntityID, err)
	}

	replicas.Observe(st.EntityID, result.Revision)

	return nil
}

func remove(ctx context.Context, remote Requester, replicas *Registry, entityID string) error {
	err := remote.RequestThen(ctx, ws.EventDeleteEntity, ws.DeleteEntityPayload{EntityID: entityID}, nil,
		func(err error) {
			if rejected(err) {
				replicas.diverge(entityID)
			}
		})
	if err != nil {
		return fmt.Errorf("delete %s: %w", entityID, err)
	}

	return nil
}

var (
	_ undo.Operation = (*EditOperation)(nil)
	_ undo.Operation = (*CreateOperation)(nil)
	_ undo.Operation = (*DeleteOperation)(nil)
)
