package collab

import (
	"errors"
	"fmt"

	"github.com/serroba/patchsync/internal/patch"
)

// ErrValidation is returned for submissions that are rejected before they
// reach the document.
var ErrValidation = errors.New("validation failed")

// reservedFields cannot be changed after creation.
var reservedFields = map[string]bool{
	"id":   true,
	"kind": true,
}

func validateChanges(changes []patch.Change) error {
	if len(changes) == 0 {
		return fmt.Errorf("%w: no changes", ErrValidation)
	}

	for i, c := range changes {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("%w: change %d: %w", ErrValidation, i, err)
		}

		if field, ok := c.Patch.Path[0].(string); ok && reservedFields[field] {
			return fmt.Errorf("%w: %q is read-only", ErrValidation, field)
		}
	}

	return nil
}

func validateContent(kind string, content map[string]any) error {
	if kind == "" {
		return fmt.Errorf("%w: kind is required", ErrValidation)
	}

	for field := range reservedFields {
		if _, ok := content[field]; ok {
			return fmt.Errorf("%w: %q is assigned by the server", ErrValidation, field)
		}
	}

	return nil
}
