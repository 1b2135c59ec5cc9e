package client_test

import (
	"context"
	"sync"
	"testing"

	"github.com/serroba/patchsync/internal/client"
	"github.com/serroba/patchsync/internal/patch"
	"github.com/serroba/patchsync/internal/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type request struct {
	event   ws.Event
	payload any
}

// fakeRemote acknowledges every request, handing out increasing revisions.
type fakeRemote struct {
	mu       sync.Mutex
	requests []request
	revision int
	err      error
}

func (f *fakeRemote) RequestThen(_ context.Context, event ws.Event, payload, result any, settle func(error)) error {
	err := f.answer(event, payload, result)

	if settle != nil {
		settle(err)
	}

	return err
}

func (f *fakeRemote) answer(event ws.Event, payload, result any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, request{event: event, payload: payload})

	if f.err != nil {
		return f.err
	}

	switch r := result.(type) {
	case *ws.RevisionResult:
		f.revision++
		r.Revision = f.revision
	case *ws.CreateEntityResult:
		r.Revision = 0
	}

	return nil
}

func (f *fakeRemote) sent() []request {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]request(nil), f.requests...)
}

func newRegistry(t *testing.T) *client.Registry {
	t.Helper()

	r := client.NewRegistry(client.RegistryConfig{})

	_, err := r.Replace("w1", "workshop", 0, map[string]any{"name": "Foo", "count": 1})
	require.NoError(t, err)

	return r
}

func get(t *testing.T, r *client.Registry, entityID, field string) any {
	t.Helper()

	state, ok := r.State(entityID)
	require.True(t, ok, "no replica %s", entityID)

	return state.Content[field]
}

func TestEditOperation_ExecuteAndReverse(t *testing.T) {
	t.Parallel()

	replicas := newRegistry(t)
	remote := &fakeRemote{}

	replica, _ := replicas.Get("w1")
	require.NoError(t, replica.Document().Set(patch.P("name"), "Bar"))

	change := patch.NewReplace(patch.P("name"), "Foo", "Bar")
	op := client.NewEditOperation("Rename", "w1", []patch.Change{change}, 0, replicas, remote)

	require.NoError(t, op.Execute(t.Context(), false))
	assert.Equal(t, "Bar", get(t, replicas, "w1", "name"))
	assert.Equal(t, 1, replica.Document().Revision())

	require.NoError(t, op.Reverse(t.Context()))
	assert.Equal(t, "Foo", get(t, replicas, "w1", "name"))
	assert.Equal(t, 2, replica.Document().Revision())

	require.NoError(t, op.Execute(t.Context(), true))
	assert.Equal(t, "Bar", get(t, replicas, "w1", "name"))

	sent := remote.sent()
	require.Len(t, sent, 3)

	undone := sent[1].payload.(ws.SubmitChangePayload)
	assert.Equal(t, "w1", undone.EntityID)
	assert.Equal(t, "Foo", undone.Changes[0].Patch.Value)
	assert.Equal(t, "Bar", undone.Changes[0].Inverse.Value)
}

func TestEditOperation_ReverseConflict(t *testing.T) {
	t.Parallel()

	replicas := newRegistry(t)
	remote := &fakeRemote{}

	change := patch.NewReplace(patch.P("name"), "Foo", "Bar")
	op := client.NewEditOperation("Rename", "w1", []patch.Change{change}, 0, replicas, remote)

	// The replica still says "Foo", so reversing "Foo -> Bar" cannot apply.
	err := op.Reverse(t.Context())
	require.ErrorIs(t, err, patch.ErrConflict)
	assert.Empty(t, remote.sent(), "nothing is submitted when the local apply fails")
}

func TestEditOperation_SubmitFailure(t *testing.T) {
	t.Parallel()

	replicas := newRegistry(t)
	remote := &fakeRemote{err: &ws.Error{Kind: ws.KindConflict, Message: "stale"}}

	change := patch.NewReplace(patch.P("count"), 1, 2)
	op := client.NewEditOperation("Count", "w1", []patch.Change{change}, 0, replicas, remote)

	err := op.Execute(t.Context(), false)
	require.ErrorIs(t, err, ws.ErrConflict)
	require.ErrorIs(t, err, patch.ErrConflict)
}

func TestEditOperation_RejectedSubmitRollsBack(t *testing.T) {
	t.Parallel()

	r, replica := newTracked(t)
	remote := &fakeRemote{err: &ws.Error{Kind: ws.KindUnauthorized}}

	require.NoError(t, replica.Document().Set(patch.P("name"), "Bar"))

	change := patch.NewReplace(patch.P("name"), "Foo", "Bar")
	op := client.NewEditOperation("Rename", "w1", []patch.Change{change}, r.lastTicket(), r.Registry, remote)

	require.ErrorIs(t, op.Execute(t.Context(), false), ws.ErrUnauthorized)
	assert.Equal(t, "Foo", get(t, r.Registry, "w1", "name"))
	assert.Zero(t, r.Unconfirmed("w1"))

	// A later edit of the same field starts from the server's value again.
	remote.mu.Lock()
	remote.err = nil
	remote.mu.Unlock()

	require.NoError(t, replica.Document().Set(patch.P("name"), "Baz"))

	next := client.NewEditOperation("Rename", "w1",
		[]patch.Change{patch.NewReplace(patch.P("name"), "Foo", "Baz")}, r.lastTicket(), r.Registry, remote)
	require.NoError(t, next.Execute(t.Context(), false))
	assert.Equal(t, "Baz", get(t, r.Registry, "w1", "name"))
}

func TestEditOperation_RejectedUndoRollsBack(t *testing.T) {
	t.Parallel()

	r, replica := newTracked(t)
	remote := &fakeRemote{}

	require.NoError(t, replica.Document().Set(patch.P("name"), "Bar"))

	op := client.NewEditOperation("Rename", "w1",
		[]patch.Change{patch.NewReplace(patch.P("name"), "Foo", "Bar")}, r.lastTicket(), r.Registry, remote)
	require.NoError(t, op.Execute(t.Context(), false))

	remote.mu.Lock()
	remote.err = &ws.Error{Kind: ws.KindValidation}
	remote.mu.Unlock()

	require.ErrorIs(t, op.Reverse(t.Context()), ws.ErrValidation)
	assert.Equal(t, "Bar", get(t, r.Registry, "w1", "name"), "the rejected undo is rolled back")
}

func TestCreateOperation_RejectedRemovesReplica(t *testing.T) {
	t.Parallel()

	r, _ := newTracked(t)
	remote := &fakeRemote{err: &ws.Error{Kind: ws.KindUnauthorized}}

	state := client.State{EntityID: "m1", Kind: "module", Content: map[string]any{"title": "Intro"}}

	_, err := r.Replace(state.EntityID, state.Kind, 0, state.Content)
	require.NoError(t, err)

	op := client.NewCreateOperation(state, r.Registry, remote)
	require.ErrorIs(t, op.Execute(t.Context(), false), ws.ErrUnauthorized)

	_, ok := r.Get("m1")
	assert.False(t, ok)
	assert.Equal(t, []string{"m1"}, r.divergedIDs())
}

func TestEditOperation_UnknownEntity(t *testing.T) {
	t.Parallel()

	op := client.NewEditOperation("x", "missing",
		[]patch.Change{patch.NewReplace(patch.P("a"), 1, 2)}, 0,
		client.NewRegistry(client.RegistryConfig{}), &fakeRemote{})

	require.ErrorIs(t, op.Execute(t.Context(), true), client.ErrUnknownEntity)
}

func TestEditOperation_Merge(t *testing.T) {
	t.Parallel()

	replicas := newRegistry(t)
	remote := &fakeRemote{}

	edit := func(entityID string, changes ...patch.Change) *client.EditOperation {
		return client.NewEditOperation("edit", entityID, changes, 0, replicas, remote)
	}

	first := edit("w1", patch.NewReplace(patch.P("name"), "Foo", "Fo"))

	tests := []struct {
		name  string
		next  *client.EditOperation
		merge bool
	}{
		{"same path replace", edit("w1", patch.NewReplace(patch.P("name"), "Fo", "F")), true},
		{"other path", edit("w1", patch.NewReplace(patch.P("count"), 1, 2)), false},
		{"other entity", edit("w2", patch.NewReplace(patch.P("name"), "Fo", "F")), false},
		{"add", edit("w1", patch.NewAdd(patch.P("tags"), []any{})), false},
		{"batch", edit("w1",
			patch.NewReplace(patch.P("name"), "Fo", "F"),
			patch.NewReplace(patch.P("count"), 1, 2)), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			merged, ok := first.Merge(tt.next)
			require.Equal(t, tt.merge, ok)

			if !ok {
				return
			}

			changes := merged.(*client.EditOperation).Changes()
			require.Len(t, changes, 1)
			assert.Equal(t, "F", changes[0].Patch.Value)
			assert.Equal(t, "Foo", changes[0].Inverse.Value)
		})
	}

	_, ok := first.Merge(client.NewDeleteOperation(client.State{EntityID: "w1"}, replicas, remote))
	assert.False(t, ok)
}

func TestCreateOperation(t *testing.T) {
	t.Parallel()

	replicas := client.NewRegistry(client.RegistryConfig{})
	remote := &fakeRemote{}

	state := client.State{EntityID: "w1", Kind: "workshop", Content: map[string]any{"name": "Foo"}}

	_, err := replicas.Replace(state.EntityID, state.Kind, 0, state.Content)
	require.NoError(t, err)

	op := client.NewCreateOperation(state, replicas, remote)
	assert.Equal(t, "Create workshop", op.Label())
	assert.Equal(t, "w1", op.Key())

	require.NoError(t, op.Execute(t.Context(), false))

	require.NoError(t, op.Reverse(t.Context()))
	_, ok := replicas.Get("w1")
	assert.False(t, ok, "undoing a create removes the replica")

	require.NoError(t, op.Execute(t.Context(), true))
	assert.Equal(t, "Foo", get(t, replicas, "w1", "name"))

	var events []ws.Event
	for _, r := range remote.sent() {
		events = append(events, r.event)
	}

	assert.Equal(t, []ws.Event{ws.EventCreateEntity, ws.EventDeleteEntity, ws.EventCreateEntity}, events)
}

func TestDeleteOperation_RestoresCapturedState(t *testing.T) {
	t.Parallel()

	replicas := newRegistry(t)
	remote := &fakeRemote{}

	state, ok := replicas.State("w1")
	require.True(t, ok)

	op := client.NewDeleteOperation(state, replicas, remote)
	require.NoError(t, op.Execute(t.Context(), false))

	_, ok = replicas.Get("w1")
	require.False(t, ok)

	require.NoError(t, op.Reverse(t.Context()))
	assert.Equal(t, "Foo", get(t, replicas, "w1", "name"))

	sent := remote.sent()
	require.Len(t, sent, 2)

	recreated := sent[1].payload.(ws.CreateEntityPayload)
	assert.Equal(t, "workshop", recreated.Kind)
	assert.Equal(t, "Foo", recreated.Content["name"])
}
