package api

import (
	"errors"
	"net/http"

	"github.com/serroba/patchsync/internal/acl"
	"github.com/serroba/patchsync/internal/collab"
	"github.com/serroba/patchsync/internal/patch"
	"github.com/serroba/patchsync/internal/storage"
	"github.com/serroba/patchsync/internal/ws"
)

// wireError converts a handler error into the error half of an ack.
// Unexpected errors are reported as internal without their details.
func wireError(err error) *ws.Error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, patch.ErrConflict):
		return &ws.Error{Kind: ws.KindConflict, Message: err.Error()}
	case errors.Is(err, acl.ErrAccessDenied), errors.Is(err, acl.ErrUnauthenticated):
		return &ws.Error{Kind: ws.KindUnauthorized, Message: err.Error()}
	case errors.Is(err, collab.ErrValidation),
		errors.Is(err, patch.ErrInvalidPatch),
		errors.Is(err, patch.ErrInvalidInverse),
		errors.Is(err, storage.ErrEntityExists):
		return &ws.Error{Kind: ws.KindValidation, Message: err.Error()}
	case errors.Is(err, storage.ErrEntityNotFound):
		return &ws.Error{Kind: ws.KindNotFound, Message: err.Error()}
	case errors.Is(err, ws.ErrInvalidMessage):
		return &ws.Error{Kind: ws.KindInvalidMessage, Message: err.Error()}
	default:
		return &ws.Error{Kind: ws.KindInternal, Message: "internal error"}
	}
}

// httpStatus maps a handler error to a status code.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrEntityExists), errors.Is(err, patch.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, acl.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, acl.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrEntityNotFound):
		return http.StatusNotFound
	case errors.Is(err, collab.ErrValidation), errors.Is(err, ws.ErrInvalidMessage):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal server error", status)

		return
	}

	http.Error(w, err.Error(), status)
}
