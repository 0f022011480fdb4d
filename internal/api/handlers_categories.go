package api

import (
	"net/http"

	"github.com/org/credvault/internal/secret"
	"github.com/org/credvault/pkg/models"
)

// CategoryListHandler handles GET /api/categories
func (s *Server) CategoryListHandler(w http.ResponseWriter, r *http.Request) {
	cats, err := s.categories.List(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if cats == nil {
		cats = []*models.Category{}
	}
	writeJSON(w, http.StatusOK, cats)
}

// CategoryGetHandler handles GET /api/categories/{id}
func (s *Server) CategoryGetHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	cat, err := s.categories.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cat)
}

// CategoryCreateHandler handles POST /api/categories
func (s *Server) CategoryCreateHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return
	}
	var req secret.CategoryInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cat, err := s.categories.Create(r.Context(), caller, req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cat)
}

// CategoryUpdateHandler handles PUT /api/categories/{id}
func (s *Server) CategoryUpdateHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return
	}
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	var req secret.CategoryInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cat, err := s.categories.Update(r.Context(), caller, id, req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cat)
}

// CategoryDeleteHandler handles DELETE /api/categories/{id}
func (s *Server) CategoryDeleteHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return
	}
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	if err := s.categories.Delete(r.Context(), caller, id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
