package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/hlog"

	"github.com/org/credvault/internal/auth"
	"github.com/org/credvault/internal/crypto"
	"github.com/org/credvault/internal/policy"
	"github.com/org/credvault/internal/secret"
	"github.com/org/credvault/internal/storage"
	"github.com/org/credvault/pkg/models"
)

const maxJSONBody = 1 << 20

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(dst)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"errors":[%q]}`, msg)
}

// writeServiceError maps service errors to status codes. Unexpected errors
// are logged and answered with a generic message.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, storage.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "already exists")
	case errors.Is(err, policy.ErrForbidden):
		writeError(w, http.StatusForbidden, "permission denied")
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrRegistrationClosed),
		errors.Is(err, auth.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, unwrapMessage(err))
	case errors.Is(err, secret.ErrCategoryNotFound):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrInvalidInput), errors.Is(err, models.ErrInvalidRole):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, secret.ErrFileTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	default:
		if errors.Is(err, crypto.ErrMalformedCiphertext) {
			decryptFailures.Inc()
		}
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// unwrapMessage returns the sentinel text for auth errors so that validation
// details are not echoed to clients.
func unwrapMessage(err error) string {
	for _, sentinel := range []error{auth.ErrInvalidCredentials, auth.ErrRegistrationClosed, auth.ErrInvalidToken} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}

// urlID parses a uuid path parameter, answering 400 on failure.
func urlID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// mustCaller returns the authenticated caller. Routes behind authMiddleware always have one.
func mustCaller(w http.ResponseWriter, r *http.Request) (models.Caller, bool) {
	c, ok := callerFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
	}
	return c, ok
}
