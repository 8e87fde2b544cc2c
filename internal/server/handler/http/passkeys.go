package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-webauthn/webauthn/protocol"

	"github.com/atinyakov/GophPass/internal/models"
)

// PasskeyVault defines the vault operations required by the PasskeyHandler.
type PasskeyVault interface {
	List(ctx context.Context) ([]models.PasskeyCredential, error)
	BeginRegistration(ctx context.Context, label string) (string, *protocol.CredentialCreation, error)
	FinishRegistration(ctx context.Context, ceremonyID string, response []byte) (models.PasskeyCredential, error)
	BeginAuthentication(ctx context.Context, credentialIDs [][]byte) (string, *protocol.CredentialAssertion, error)
	FinishAuthentication(ctx context.Context, ceremonyID string, response []byte) (models.PasskeyCredential, error)
	ClearFlag(ctx context.Context, id string) (models.PasskeyCredential, error)
	Delete(ctx context.Context, id string) error
}

// PasskeyHandler serves /api/passkeys.
type PasskeyHandler struct {
	Vault PasskeyVault
}

// BeginRegistrationRequest names the credential being registered.
type BeginRegistrationRequest struct {
	Label string `json:"label"`
}

// BeginAuthenticationRequest optionally restricts the allowed credentials.
// Ids are base64url, as browsers report them.
type BeginAuthenticationRequest struct {
	CredentialIDs []protocol.URLEncodedBase64 `json:"credential_ids"`
}

// FinishRequest carries the authenticator response verbatim.
type FinishRequest struct {
	CeremonyID string          `json:"ceremony_id"`
	Response   json.RawMessage `json:"response"`
}

// CeremonyResponse is returned by the begin endpoints.
type CeremonyResponse struct {
	CeremonyID string `json:"ceremony_id"`
	Options    any    `json:"options"`
}

// List handles GET /api/passkeys.
func (h *PasskeyHandler) List(w http.ResponseWriter, r *http.Request) {
	creds, err := h.Vault.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]models.PasskeyCredential{"passkeys": creds})
}

// BeginRegistration handles POST /api/passkeys/register/begin.
func (h *PasskeyHandler) BeginRegistration(w http.ResponseWriter, r *http.Request) {
	var req BeginRegistrationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid body")
		return
	}
	id, options, err := h.Vault.BeginRegistration(r.Context(), req.Label)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CeremonyResponse{CeremonyID: id, Options: options})
}

// FinishRegistration handles POST /api/passkeys/register/finish.
func (h *PasskeyHandler) FinishRegistration(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeFinish(w, r)
	if !ok {
		return
	}
	cred, err := h.Vault.FinishRegistration(r.Context(), req.CeremonyID, req.Response)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cred)
}

// BeginAuthentication handles POST /api/passkeys/authenticate/begin.
func (h *PasskeyHandler) BeginAuthentication(w http.ResponseWriter, r *http.Request) {
	var req BeginAuthenticationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid body")
		return
	}
	ids := make([][]byte, 0, len(req.CredentialIDs))
	for _, id := range req.CredentialIDs {
		ids = append(ids, id)
	}
	id, options, err := h.Vault.BeginAuthentication(r.Context(), ids)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CeremonyResponse{CeremonyID: id, Options: options})
}

// FinishAuthentication handles POST /api/passkeys/authenticate/finish.
func (h *PasskeyHandler) FinishAuthentication(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeFinish(w, r)
	if !ok {
		return
	}
	cred, err := h.Vault.FinishAuthentication(r.Context(), req.CeremonyID, req.Response)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

// ClearFlag handles POST /api/passkeys/{id}/clear-flag.
func (h *PasskeyHandler) ClearFlag(w http.ResponseWriter, r *http.Request) {
	cred, err := h.Vault.ClearFlag(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

// Delete handles DELETE /api/passkeys/{id}.
func (h *PasskeyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Vault.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func decodeFinish(w http.ResponseWriter, r *http.Request) (FinishRequest, bool) {
	var req FinishRequest
	if err := decodeJSON(w, r, &req); err != nil || req.CeremonyID == "" || len(req.Response) == 0 {
		badRequest(w, "invalid body")
		return FinishRequest{}, false
	}
	return req, true
}
