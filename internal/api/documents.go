package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/serroba/patchsync/internal/collab"
)

// CreateDocumentRequest is the request body for creating a document.
type CreateDocumentRequest struct {
	ID      string         `json:"id,omitempty"`
	Kind    string         `json:"kind"`
	Content map[string]any `json:"content"`
}

// DocumentResponse describes a document and, on reads, its content.
type DocumentResponse struct {
	ID       string         `json:"id"`
	Kind     string         `json:"kind"`
	Revision int            `json:"revision"`
	Content  map[string]any `json:"content,omitempty"`
}

// handleCreateDocument handles POST /documents.
func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var req CreateDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: invalid request body", collab.ErrValidation))

		return
	}

	session, err := s.manager.CreateEntity(r.Context(), callerFromContext(r.Context(), nil), req.ID, req.Kind, req.Content)
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusCreated, DocumentResponse{
		ID:       session.EntityID(),
		Kind:     req.Kind,
		Revision: session.Revision(),
	})
}

// handleGetDocument handles GET /documents/{id}.
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	snap, err := s.manager.Snapshot(r.Context(), callerFromContext(r.Context(), nil), id)
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, DocumentResponse{
		ID:       snap.EntityID,
		Kind:     snap.Kind,
		Revision: snap.Revision,
		Content:  snap.Content,
	})
}

// handleDeleteDocument handles DELETE /documents/{id}.
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.manager.DeleteEntity(r.Context(), callerFromContext(r.Context(), nil), id); err != nil {
		s.writeError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}
