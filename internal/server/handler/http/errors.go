package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/atinyakov/GophPass/internal/gitsync"
	"github.com/atinyakov/GophPass/internal/pass"
	"github.com/atinyakov/GophPass/internal/passkey"
	"github.com/atinyakov/GophPass/internal/service"
	"github.com/atinyakov/GophPass/internal/session"
	"github.com/atinyakov/GophPass/internal/totp"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps a service error to a status code and a client-safe message.
// Validation errors keep their detail; everything else is reduced to the
// sentinel text so no subprocess output reaches the client.
func statusFor(err error) (int, string) {
	detailed := []error{
		pass.ErrInvalidPath, pass.ErrInvalidEntry,
		totp.ErrInvalidURI, totp.ErrInvalidSecretEncoding,
		gitsync.ErrUnknownStrategy,
	}
	for _, target := range detailed {
		if errors.Is(err, target) {
			return http.StatusBadRequest, err.Error()
		}
	}

	table := []struct {
		target error
		status int
	}{
		{service.ErrInvalidCredentials, http.StatusUnauthorized},
		{session.ErrSessionNotFound, http.StatusUnauthorized},
		{session.ErrSessionExpired, http.StatusUnauthorized},
		{pass.ErrNotFound, http.StatusNotFound},
		{passkey.ErrNotFound, http.StatusNotFound},
		{service.ErrNoOTP, http.StatusNotFound},
		{pass.ErrEntryConflict, http.StatusConflict},
		{gitsync.ErrMergeConflict, http.StatusConflict},
		{passkey.ErrDuplicateCredential, http.StatusConflict},
		{passkey.ErrInvalidResponse, http.StatusBadRequest},
		{passkey.ErrChallengeExpired, http.StatusBadRequest},
		{passkey.ErrChallengeMismatch, http.StatusBadRequest},
		{passkey.ErrSignatureInvalid, http.StatusUnauthorized},
		{passkey.ErrCounterRollback, http.StatusUnauthorized},
		{passkey.ErrCredentialFlagged, http.StatusForbidden},
		{pass.ErrExecutionTimeout, http.StatusGatewayTimeout},
		{pass.ErrDecryptFailed, http.StatusInternalServerError},
		{gitsync.ErrNetworkFailure, http.StatusBadGateway},
		{gitsync.ErrRemoteAuthFailure, http.StatusBadGateway},
	}
	for _, row := range table {
		if errors.Is(err, row.target) {
			return row.status, row.target.Error()
		}
	}
	return http.StatusInternalServerError, "internal error"
}

func writeError(w http.ResponseWriter, err error) {
	status, msg := statusFor(err)
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v
// untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}
