package patch

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrInvalidPatch   = errors.New("invalid patch")
	ErrInvalidInverse = errors.New("inverse does not match patch")
	ErrPathNotFound   = errors.New("path not found")
	ErrConflict       = errors.New("conflict: document changed since the patch was computed")
)

// Op represents the kind of an elementary change.
type Op string

const (
	OpAdd     Op = "add"
	OpReplace Op = "replace"
	OpRemove  Op = "remove"
)

// Valid reports whether o is one of the known operations.
func (o Op) Valid() bool {
	switch o {
	case OpAdd, OpReplace, OpRemove:
		return true
	default:
		return false
	}
}

// Patch is an immutable description of one change to a document.
// Value is absent for OpRemove.
type Patch struct {
	Op    Op   `json:"op"`
	Path  Path `json:"path"`
	Value any  `json:"value,omitempty"`
}

// Validate checks that the patch is well formed.
func (p Patch) Validate() error {
	if !p.Op.Valid() {
		return fmt.Errorf("%w: unknown op %q", ErrInvalidPatch, p.Op)
	}

	if len(p.Path) == 0 {
		return fmt.Errorf("%w: empty path", ErrInvalidPatch)
	}

	return p.Path.Validate()
}

// String returns a compact human readable form, e.g. "replace /name".
func (p Patch) String() string {
	return string(p.Op) + " " + p.Path.String()
}

// Change pairs a forward patch with the inverse captured at mutation time.
type Change struct {
	Patch   Patch `json:"patch"`
	Inverse Patch `json:"inverse"`
}

// NewAdd describes inserting value at path; the inverse removes it.
func NewAdd(path Path, value any) Change {
	return Change{
		Patch:   Patch{Op: OpAdd, Path: path.Clone(), Value: Clone(value)},
		Inverse: Patch{Op: OpRemove, Path: path.Clone()},
	}
}

// NewReplace describes overwriting oldValue with newValue at path.
func NewReplace(path Path, oldValue, newValue any) Change {
	return Change{
		Patch:   Patch{Op: OpReplace, Path: path.Clone(), Value: Clone(newValue)},
		Inverse: Patch{Op: OpReplace, Path: path.Clone(), Value: Clone(oldValue)},
	}
}

// NewRemove describes deleting oldValue at path; the inverse re-adds it.
func NewRemove(path Path, oldValue any) Change {
	return Change{
		Patch:   Patch{Op: OpRemove, Path: path.Clone()},
		Inverse: Patch{Op: OpAdd, Path: path.Clone(), Value: Clone(oldValue)},
	}
}

// Reverse swaps the forward and inverse patches.
func (c Change) Reverse() Change {
	return Change{Patch: c.Inverse, Inverse: c.Patch}
}

// Validate checks both patches and that they describe the same location
// with complementary operations.
func (c Change) Validate() error {
	if err := c.Patch.Validate(); err != nil {
		return err
	}

	if err := c.Inverse.Validate(); err != nil {
		return err
	}

	if !c.Patch.Path.Equal(c.Inverse.Path) {
		return fmt.Errorf("%w: paths differ (%s vs %s)", ErrInvalidInverse, c.Patch.Path, c.Inverse.Path)
	}

	if complement(c.Patch.Op) != c.Inverse.Op {
		return fmt.Errorf("%w: %s cannot be undone by %s", ErrInvalidInverse, c.Patch.Op, c.Inverse.Op)
	}

	return nil
}

func complement(op Op) Op {
	switch op {
	case OpAdd:
		return OpRemove
	case OpRemove:
		return OpAdd
	default:
		return op
	}
}

// ReverseAll returns the changes that undo changes, in reverse order.
func ReverseAll(changes []Change) []Change {
	result := make([]Change, len(changes))

	for i, c := range changes {
		result[len(changes)-1-i] = c.Reverse()
	}

	return result
}
