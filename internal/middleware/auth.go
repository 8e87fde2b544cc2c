// Package middleware provides HTTP middlewares for authentication and logging.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/atinyakov/GophPass/internal/models"
)

type ctxKey string

const sessionKey ctxKey = "session"

// CookieName is the name of the session cookie.
const CookieName = "session"

// SessionLookup resolves a session token.
type SessionLookup interface {
	Lookup(token string) (models.Session, error)
}

// TokenFromRequest returns the session token carried by the cookie or, for
// CLI clients, by an "Authorization: Bearer" header. The cookie wins.
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	auth := r.Header.Get("Authorization")
	if scheme, token, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

// SessionAuth rejects requests without a live session with 401 and stores
// the session in the request context for the next handler.
func SessionAuth(sessions SessionLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r)
			if token == "" {
				writeUnauthorized(w)
				return
			}
			sess, err := sessions.Lookup(token)
			if err != nil {
				writeUnauthorized(w)
				return
			}
			ctx := context.WithValue(r.Context(), sessionKey, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"authentication required"}` + "\n"))
}

// SessionFromContext returns the session stored by SessionAuth.
func SessionFromContext(ctx context.Context) (models.Session, bool) {
	sess, ok := ctx.Value(sessionKey).(models.Session)
	return sess, ok
}

// GetUserIDFromContext returns the subject of the authenticated session, or
// an empty string if there is none.
func GetUserIDFromContext(ctx context.Context) string {
	if sess, ok := SessionFromContext(ctx); ok {
		return sess.Subject
	}
	return ""
}
