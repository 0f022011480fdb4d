package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/org/credvault/pkg/models"
)

// CredentialListHandler handles GET /api/credentials?categoryId=
func (s *Server) CredentialListHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return
	}
	var categoryID *uuid.UUID
	if raw := r.URL.Query().Get("categoryId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid categoryId")
			return
		}
		categoryID = &id
	}

	views, err := s.credentials.List(r.Context(), caller, categoryID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// CredentialGetHandler handles GET /api/credentials/{id}
func (s *Server) CredentialGetHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return
	}
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	view, err := s.credentials.Get(r.Context(), caller, id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// CredentialCreateHandler handles POST /api/credentials
func (s *Server) CredentialCreateHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return
	}
	var req models.CredentialFields
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	view, err := s.credentials.Create(r.Context(), caller, req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// CredentialUpdateHandler handles PUT /api/credentials/{id}
func (s *Server) CredentialUpdateHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return
	}
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	var req models.CredentialFields
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	view, err := s.credentials.Update(r.Context(), caller, id, req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// CredentialDeleteHandler handles DELETE /api/credentials/{id}
func (s *Server) CredentialDeleteHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return
	}
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	if err := s.credentials.Delete(r.Context(), caller, id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
