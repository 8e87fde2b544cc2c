package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atinyakov/GophPass/internal/models"
	"github.com/atinyakov/GophPass/internal/service"
)

// PasswordService defines the entry operations required by the handlers.
type PasswordService interface {
	List(ctx context.Context) ([]string, error)
	Get(ctx context.Context, path string) (models.Entry, error)
	Put(ctx context.Context, path string, entry models.Entry, ifRevision string) (bool, error)
	Delete(ctx context.Context, path string) error
}

// OTPService defines the one-time code operations required by the handlers.
type OTPService interface {
	Code(ctx context.Context, path string) (service.OTPCode, error)
	Create(ctx context.Context, path, secret, uri string) (bool, error)
}

// PasswordHandler serves /api/passwords.
type PasswordHandler struct {
	PasswordService PasswordService
}

// PutRequest is an entry with an optional expected revision.
type PutRequest struct {
	models.Entry
	IfRevision string `json:"if_revision,omitempty"`
}

// List handles GET /api/passwords.
func (h *PasswordHandler) List(w http.ResponseWriter, r *http.Request) {
	paths, err := h.PasswordService.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if paths == nil {
		paths = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"entries": paths})
}

// Get handles GET /api/passwords/{path}.
func (h *PasswordHandler) Get(w http.ResponseWriter, r *http.Request) {
	entry, err := h.PasswordService.Get(r.Context(), entryPath(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// Put handles POST /api/passwords/{path}: 201 when the entry is new, 200
// when it replaced an existing one, 409 when if_revision is stale.
func (h *PasswordHandler) Put(w http.ResponseWriter, r *http.Request) {
	var req PutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid body")
		return
	}
	path := entryPath(r)
	created, err := h.PasswordService.Put(r.Context(), path, req.Entry, req.IfRevision)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"path": path, "created": created})
}

// Delete handles DELETE /api/passwords/{path}.
func (h *PasswordHandler) Delete(w http.ResponseWriter, r *http.Request) {
	path := entryPath(r)
	if err := h.PasswordService.Delete(r.Context(), path); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

// OTPHandler serves /api/otp.
type OTPHandler struct {
	OTPService OTPService
}

// OTPRequest carries either a base32 secret or an otpauth:// URI.
type OTPRequest struct {
	Secret string `json:"secret,omitempty"`
	URI    string `json:"uri,omitempty"`
}

// Code handles GET /api/otp/{path}.
func (h *OTPHandler) Code(w http.ResponseWriter, r *http.Request) {
	code, err := h.OTPService.Code(r.Context(), entryPath(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"code":       code.Code,
		"expires_in": int(code.ExpiresIn.Seconds()),
	})
}

// Create handles POST /api/otp/{path}.
func (h *OTPHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req OTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid body")
		return
	}
	path := entryPath(r)
	created, err := h.OTPService.Create(r.Context(), path, req.Secret, req.URI)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"path": path, "created": created})
}

// entryPath is the wildcard tail of the route, e.g. "email/work".
func entryPath(r *http.Request) string {
	return chi.URLParam(r, "*")
}
