package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/org/credvault/internal/auth"
	"github.com/org/credvault/pkg/models"
)

// requireAdmin answers 403 unless the caller may manage accounts.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) (models.Caller, bool) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return caller, false
	}
	if !s.policy.CanManage(caller) {
		writeError(w, http.StatusForbidden, "permission denied")
		return caller, false
	}
	return caller, true
}

// UserListHandler handles GET /api/users
func (s *Server) UserListHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	users, err := s.accounts.ListUsers(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// UserGetHandler handles GET /api/users/{id}
func (s *Server) UserGetHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	user, err := s.accounts.GetUser(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// UserCreateHandler handles POST /api/users
func (s *Server) UserCreateHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	var req auth.AccountInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := s.accounts.CreateUser(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// UserUpdateHandler handles PUT /api/users/{id}
func (s *Server) UserUpdateHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	var req auth.AccountInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := s.accounts.UpdateUser(r.Context(), id, req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// UserDeleteHandler handles DELETE /api/users/{id}
func (s *Server) UserDeleteHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	if err := s.accounts.DeleteUser(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UserAccessHandler handles PUT /api/users/{id}/access. The body is the
// complete desired grant set; anything not listed is revoked.
func (s *Server) UserAccessHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		CredentialIDs []uuid.UUID `json:"credentialIds"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := s.accounts.SetAccess(r.Context(), id, req.CredentialIDs)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
