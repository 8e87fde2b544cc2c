package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/atinyakov/GophPass/internal/middleware"
)

// Handlers groups the endpoint handlers mounted by NewRouter.
type Handlers struct {
	Auth      *AuthHandler
	Passwords *PasswordHandler
	OTP       *OTPHandler
	Sync      *SyncHandler
	Passkeys  *PasskeyHandler
}

// NewRouter constructs and returns an HTTP handler that serves the GophPass
// API under /api.
//
// Middleware chain (applied in order):
//  1. RequestID and Recoverer
//  2. WithRequestLogging(logger)
//  3. Throttle(maxConcurrent), the bounded request worker pool
//  4. AllowContentType("application/json") for requests with a body
//  5. SessionAuth on everything except health and the auth endpoints
func NewRouter(
	h Handlers,
	sessions middleware.SessionLookup,
	maxConcurrent int,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.WithRequestLogging(logger))
	r.Use(chiMiddleware.Throttle(maxConcurrent))
	r.Use(chiMiddleware.AllowContentType("application/json"))

	r.Route("/api", func(r chi.Router) {
		// Public endpoints
		r.Get("/health", Health)
		r.Post("/auth/login", h.Auth.Login)
		r.Post("/auth/logout", h.Auth.Logout)
		r.Get("/auth/status", h.Auth.Status)

		// Protected group: requires a live session
		r.Group(func(r chi.Router) {
			r.Use(middleware.SessionAuth(sessions))

			r.Get("/passwords", h.Passwords.List)
			r.Get("/passwords/*", h.Passwords.Get)
			r.Post("/passwords/*", h.Passwords.Put)
			r.Delete("/passwords/*", h.Passwords.Delete)

			r.Get("/otp/*", h.OTP.Code)
			r.Post("/otp/*", h.OTP.Create)

			r.Post("/sync", h.Sync.Sync)
			r.Get("/sync/status", h.Sync.Status)
			r.Post("/sync/resolve", h.Sync.Resolve)

			r.Get("/passkeys", h.Passkeys.List)
			r.Post("/passkeys/register/begin", h.Passkeys.BeginRegistration)
			r.Post("/passkeys/register/finish", h.Passkeys.FinishRegistration)
			r.Post("/passkeys/authenticate/begin", h.Passkeys.BeginAuthentication)
			r.Post("/passkeys/authenticate/finish", h.Passkeys.FinishAuthentication)
			r.Post("/passkeys/{id}/clear-flag", h.Passkeys.ClearFlag)
			r.Delete("/passkeys/{id}", h.Passkeys.Delete)
		})
	})

	return r
}

// Health handles GET /api/health.
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
