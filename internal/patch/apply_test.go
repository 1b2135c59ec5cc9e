package patch_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/serroba/patchsync/internal/patch"
	"github.com/stretchr/testify/require"
)

func newWorkshop() map[string]any {
	return map[string]any{
		"id":    "w1",
		"name":  "Foo",
		"count": 1,
		"modules": []any{
			map[string]any{"name": "intro"},
			map[string]any{"name": "outro"},
		},
	}
}

func TestApply_Replace(t *testing.T) {
	t.Parallel()

	doc := newWorkshop()

	require.NoError(t, patch.Apply(doc, patch.Patch{Op: patch.OpReplace, Path: patch.P("name"), Value: "Bar"}))

	if doc["name"] != "Bar" {
		t.Errorf("expected Bar, got %v", doc["name"])
	}
}

func TestApply_NestedListInsertAndRemove(t *testing.T) {
	t.Parallel()

	doc := newWorkshop()

	err := patch.Apply(doc, patch.Patch{
		Op:    patch.OpAdd,
		Path:  patch.P("modules", 1),
		Value: map[string]any{"name": "middle"},
	})
	require.NoError(t, err)

	name, err := patch.Get(doc, patch.P("modules", 1, "name"))
	require.NoError(t, err)
	require.Equal(t, "middle", name)

	require.NoError(t, patch.Apply(doc, patch.Patch{Op: patch.OpRemove, Path: patch.P("modules", 0)}))

	modules, _ := doc["modules"].([]any)
	require.Len(t, modules, 2)
}

func TestApply_MissingPath(t *testing.T) {
	t.Parallel()

	doc := newWorkshop()

	err := patch.Apply(doc, patch.Patch{Op: patch.OpReplace, Path: patch.P("missing", "x"), Value: 1})
	if !errors.Is(err, patch.ErrPathNotFound) {
		t.Errorf("expected ErrPathNotFound, got %v", err)
	}

	err = patch.Apply(doc, patch.Patch{Op: patch.OpReplace, Path: patch.P("modules", 9), Value: 1})
	if !errors.Is(err, patch.ErrPathNotFound) {
		t.Errorf("expected ErrPathNotFound, got %v", err)
	}
}

func TestApply_InvalidPatch(t *testing.T) {
	t.Parallel()

	doc := newWorkshop()

	tests := []patch.Patch{
		{Op: "move", Path: patch.P("name")},
		{Op: patch.OpReplace, Path: nil},
		{Op: patch.OpReplace, Path: patch.Path{1.5}},
	}

	for _, p := range tests {
		if err := patch.Apply(doc, p); !errors.Is(err, patch.ErrInvalidPatch) {
			t.Errorf("patch %+v: expected ErrInvalidPatch, got %v", p, err)
		}
	}
}

func TestApply_ValueIsCopied(t *testing.T) {
	t.Parallel()

	doc := newWorkshop()
	value := map[string]any{"title": "a"}

	require.NoError(t, patch.Apply(doc, patch.Patch{Op: patch.OpAdd, Path: patch.P("meta"), Value: value}))

	value["title"] = "changed"

	title, err := patch.Get(doc, patch.P("meta", "title"))
	require.NoError(t, err)
	require.Equal(t, "a", title)
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		change func(doc map[string]any) patch.Change
	}{
		{"replace scalar", func(doc map[string]any) patch.Change {
			return patch.NewReplace(patch.P("name"), doc["name"], "Bar")
		}},
		{"add property", func(map[string]any) patch.Change {
			return patch.NewAdd(patch.P("tags"), []any{"a", "b"})
		}},
		{"remove property", func(doc map[string]any) patch.Change {
			return patch.NewRemove(patch.P("count"), doc["count"])
		}},
		{"insert into list", func(map[string]any) patch.Change {
			return patch.NewAdd(patch.P("modules", 0), map[string]any{"name": "first"})
		}},
		{"remove from list", func(doc map[string]any) patch.Change {
			modules, _ := doc["modules"].([]any)

			return patch.NewRemove(patch.P("modules", 1), modules[1])
		}},
		{"replace nested", func(map[string]any) patch.Change {
			return patch.NewReplace(patch.P("modules", 0, "name"), "intro", "welcome")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			doc := newWorkshop()
			original := patch.CloneMap(doc)
			c := tt.change(doc)

			require.NoError(t, patch.ApplyIfMatches(doc, c.Patch, c.Inverse))
			require.False(t, patch.Equal(original, doc), "forward patch should change the document")

			reverse := c.Reverse()
			require.NoError(t, patch.ApplyIfMatches(doc, reverse.Patch, reverse.Inverse))
			require.True(t, patch.Equal(original, doc), "inverse should restore %v, got %v", original, doc)
		})
	}
}

func TestApplyIfMatches_Conflict(t *testing.T) {
	t.Parallel()

	doc := newWorkshop()
	before := patch.CloneMap(doc)

	// Inverse expects count to still be 0, but it is 1.
	stale := patch.NewReplace(patch.P("count"), 0, 3)

	err := patch.ApplyIfMatches(doc, stale.Patch, stale.Inverse)
	if !errors.Is(err, patch.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	require.Equal(t, before, doc)
}

func TestApplyIfMatches_AddOnExistingKeyConflicts(t *testing.T) {
	t.Parallel()

	doc := newWorkshop()
	c := patch.NewAdd(patch.P("name"), "Other")

	err := patch.ApplyIfMatches(doc, c.Patch, c.Inverse)
	if !errors.Is(err, patch.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}

	require.Equal(t, "Foo", doc["name"])
}

func TestApplyIfMatches_NumericEquality(t *testing.T) {
	t.Parallel()

	// After a JSON round trip the document holds float64 while a local
	// inverse may carry int.
	doc := map[string]any{"count": float64(1)}
	c := patch.NewReplace(patch.P("count"), 1, 2)

	require.NoError(t, patch.ApplyIfMatches(doc, c.Patch, c.Inverse))
	require.EqualValues(t, 2, doc["count"])
}

func TestApplyIfMatches_MismatchedInverse(t *testing.T) {
	t.Parallel()

	doc := newWorkshop()

	err := patch.ApplyIfMatches(doc,
		patch.Patch{Op: patch.OpReplace, Path: patch.P("name"), Value: "Bar"},
		patch.Patch{Op: patch.OpReplace, Path: patch.P("count"), Value: 1},
	)
	if !errors.Is(err, patch.ErrInvalidInverse) {
		t.Errorf("expected ErrInvalidInverse, got %v", err)
	}
}

func TestApplyAll_Atomic(t *testing.T) {
	t.Parallel()

	doc := newWorkshop()
	before := patch.CloneMap(doc)

	changes := []patch.Change{
		patch.NewReplace(patch.P("name"), "Foo", "Bar"),
		patch.NewAdd(patch.P("modules", 2), map[string]any{"name": "extra"}),
		patch.NewReplace(patch.P("count"), 42, 43), // stale
	}

	err := patch.ApplyAll(doc, changes)
	if !errors.Is(err, patch.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	require.Equal(t, before, doc, "a failed transaction must leave no partial state")

	changes[2] = patch.NewReplace(patch.P("count"), 1, 2)
	require.NoError(t, patch.ApplyAll(doc, changes))
	require.Equal(t, "Bar", doc["name"])
	require.Equal(t, 2, doc["count"])
}

func TestReverseAll(t *testing.T) {
	t.Parallel()

	doc := newWorkshop()
	before := patch.CloneMap(doc)

	changes := []patch.Change{
		patch.NewAdd(patch.P("modules", 0), "x"),
		patch.NewReplace(patch.P("modules", 0), "x", "y"),
	}

	require.NoError(t, patch.ApplyAll(doc, changes))
	require.NoError(t, patch.ApplyAll(doc, patch.ReverseAll(changes)))
	require.Equal(t, before, doc)
}

func TestChange_JSONShape(t *testing.T) {
	t.Parallel()

	c := patch.NewReplace(patch.P("modules", 0, "name"), "intro", "welcome")

	data, err := json.Marshal(c)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"patch":   {"op":"replace","path":["modules",0,"name"],"value":"welcome"},
		"inverse": {"op":"replace","path":["modules",0,"name"],"value":"intro"}
	}`, string(data))

	var decoded patch.Change
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.True(t, decoded.Patch.Path.Equal(c.Patch.Path), "int indexes must survive decoding")
	require.NoError(t, decoded.Validate())
}

func TestChange_RemoveOmitsValue(t *testing.T) {
	t.Parallel()

	c := patch.NewRemove(patch.P("name"), "Foo")

	data, err := json.Marshal(c.Patch)
	require.NoError(t, err)
	require.JSONEq(t, `{"op":"remove","path":["name"]}`, string(data))
}

func TestPath_String(t *testing.T) {
	t.Parallel()

	require.Equal(t, "/modules/0/name", patch.P("modules", int64(0), "name").String())
}
