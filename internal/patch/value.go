package patch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// Normalize converts v into the tree representation documents store:
// map[string]any, []any and JSON scalars. Scalars are kept as they are;
// other composite values are converted through their JSON encoding.
func Normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return t, nil
	case map[string]any:
		out := make(map[string]any, len(t))

		for k, child := range t {
			n, err := Normalize(child)
			if err != nil {
				return nil, err
			}

			out[k] = n
		}

		return out, nil
	case []any:
		out := make([]any, len(t))

		for i, child := range t {
			n, err := Normalize(child)
			if err != nil {
				return nil, err
			}

			out[i] = n
		}

		return out, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: value of type %T: %w", ErrInvalidPatch, v, err)
		}

		var out any
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, err
		}

		return out, nil
	}
}

// Clone deep-copies maps and lists; scalars are returned as is.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = Clone(child)
		}

		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = Clone(child)
		}

		return out
	default:
		return v
	}
}

// CloneMap deep-copies a document root.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	out, _ := Clone(m).(map[string]any)

	return out
}

// Equal compares two values by their JSON encoding, so int 1 and float64 1
// are equal, as they are after a round trip through the wire.
func Equal(a, b any) bool {
	da, errA := json.Marshal(a)
	db, errB := json.Marshal(b)

	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}

	return bytes.Equal(da, db)
}
