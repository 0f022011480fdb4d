package api

import (
	"errors"
	"net/http"

	"github.com/org/credvault/internal/auth"
	"github.com/org/credvault/pkg/models"
)

// RegisterHandler handles POST /api/auth/register
func (s *Server) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.AccountInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var caller *models.Caller
	if c, ok := callerFromCtx(r.Context()); ok {
		caller = &c
	}
	sess, err := s.accounts.Register(r.Context(), caller, req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// LoginHandler handles POST /api/auth/login
func (s *Server) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := s.accounts.Login(r.Context(), req.Email, req.Password)
	switch {
	case err == nil:
		loginAttempts.WithLabelValues("success").Inc()
	case errors.Is(err, auth.ErrInvalidCredentials):
		loginAttempts.WithLabelValues("failure").Inc()
		writeServiceError(w, r, err)
		return
	default:
		loginAttempts.WithLabelValues("error").Inc()
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// MeHandler handles GET /api/auth/me
func (s *Server) MeHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return
	}
	acct, err := s.accounts.Me(r.Context(), caller)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct.Profile())
}
