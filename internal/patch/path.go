package patch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Path is an ordered list of property names (string) and list indexes (int).
type Path []any

// P builds a Path, normalizing integer kinds to int.
func P(elems ...any) Path {
	path := make(Path, len(elems))

	for i, e := range elems {
		if k, ok := normalizeKey(e); ok {
			path[i] = k
		} else {
			path[i] = e
		}
	}

	return path
}

// Validate checks that every element is a string or a non-negative int.
func (p Path) Validate() error {
	for i, e := range p {
		switch k := e.(type) {
		case string:
		case int:
			if k < 0 {
				return fmt.Errorf("%w: negative index at path element %d", ErrInvalidPatch, i)
			}
		default:
			return fmt.Errorf("%w: path element %d has type %T", ErrInvalidPatch, i, e)
		}
	}

	return nil
}

// Equal reports whether both paths address the same location.
func (p Path) Equal(other Path) bool {
	if len(p) != len(other) {
		return false
	}

	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}

	return true
}

// Clone returns a copy that shares no backing array with p.
func (p Path) Clone() Path {
	if p == nil {
		return nil
	}

	out := make(Path, len(p))
	copy(out, p)

	return out
}

// Child returns p extended with elem.
func (p Path) Child(elem any) Path {
	out := make(Path, 0, len(p)+1)
	out = append(out, p...)

	return append(out, P(elem)...)
}

// String renders the path as a slash separated pointer, e.g. "/modules/0/name".
func (p Path) String() string {
	var b strings.Builder

	for _, e := range p {
		b.WriteByte('/')

		switch k := e.(type) {
		case string:
			b.WriteString(k)
		case int:
			b.WriteString(strconv.Itoa(k))
		default:
			fmt.Fprintf(&b, "%v", k)
		}
	}

	return b.String()
}

// UnmarshalJSON decodes integral JSON numbers as int list indexes.
func (p *Path) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw []any
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	path := make(Path, len(raw))

	for i, e := range raw {
		switch v := e.(type) {
		case string:
			path[i] = v
		case json.Number:
			n, err := strconv.Atoi(v.String())
			if err != nil {
				return fmt.Errorf("%w: path index %q", ErrInvalidPatch, v)
			}

			path[i] = n
		default:
			return fmt.Errorf("%w: path element %d has type %T", ErrInvalidPatch, i, e)
		}
	}

	*p = path

	return nil
}

func normalizeKey(e any) (any, bool) {
	switch k := e.(type) {
	case string:
		return k, true
	case int:
		return k, true
	case int8:
		return int(k), true
	case int16:
		return int(k), true
	case int32:
		return int(k), true
	case int64:
		return int(k), true
	case uint:
		return int(k), true
	case uint8:
		return int(k), true
	case uint16:
		return int(k), true
	case uint32:
		return int(k), true
	case uint64:
		return int(k), true
	case float64:
		if k == math.Trunc(k) {
			return int(k), true
		}
	}

	return nil, false
}
