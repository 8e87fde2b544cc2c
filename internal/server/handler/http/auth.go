// Package http provides the JSON API handlers and the router of the
// GophPass server.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/atinyakov/GophPass/internal/middleware"
	"github.com/atinyakov/GophPass/internal/models"
	"github.com/atinyakov/GophPass/internal/service"
)

// AuthService defines the authentication operations required by the
// HTTP handlers.
type AuthService interface {
	// Login checks the master password and the TOTP code and opens a session.
	Login(ctx context.Context, masterPassword, code string) (models.Session, error)
	Status(token string) (models.Session, error)
	Logout(token string)
}

// AuthHandler handles login, logout and session status requests.
type AuthHandler struct {
	// AuthService performs the underlying authentication operations.
	AuthService AuthService
	// CookieSecure sets the Secure attribute of the session cookie.
	CookieSecure bool
	Logger       *zap.Logger
}

// LoginRequest represents the JSON payload of a login.
type LoginRequest struct {
	MasterPassword string `json:"master_password"`
	TOTPCode       string `json:"totp_code"`
}

// StatusResponse describes the caller's session.
type StatusResponse struct {
	Authenticated bool       `json:"authenticated"`
	UserID        string     `json:"user_id,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// Login handles POST /api/auth/login. On success it sets the session cookie
// and returns the expiry; wrong credentials give 401 without saying which
// factor failed.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil || req.MasterPassword == "" || req.TOTPCode == "" {
		badRequest(w, "invalid request")
		return
	}

	sess, err := h.AuthService.Login(r.Context(), req.MasterPassword, req.TOTPCode)
	if errors.Is(err, service.ErrInvalidCredentials) {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid credentials"})
		return
	}
	if err != nil {
		h.logger().Error("login failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.CookieName,
		Value:    sess.Token,
		Path:     "/",
		MaxAge:   int(sess.ExpiresAt.Sub(sess.CreatedAt).Seconds()),
		HttpOnly: true,
		Secure:   h.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"expires_at": sess.ExpiresAt,
		"token":      sess.Token,
	})
}

// Logout handles POST /api/auth/logout. It always succeeds and clears the
// cookie.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if token := middleware.TokenFromRequest(r); token != "" {
		h.AuthService.Logout(token)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, StatusResponse{Authenticated: false})
}

// Status handles GET /api/auth/status.
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	token := middleware.TokenFromRequest(r)
	if token == "" {
		writeJSON(w, http.StatusOK, StatusResponse{})
		return
	}
	sess, err := h.AuthService.Status(token)
	if err != nil {
		writeJSON(w, http.StatusOK, StatusResponse{})
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Authenticated: true,
		UserID:        sess.Subject,
		ExpiresAt:     &sess.ExpiresAt,
	})
}

func (h *AuthHandler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}
