package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/atinyakov/GophPass/internal/models"
)

// dummyHandler is a placeholder that records if it was called and the context it received.
type dummyHandler struct {
	called bool
	ctx    context.Context
}

func (d *dummyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.called = true
	d.ctx = r.Context()
	w.WriteHeader(http.StatusOK)
}

type fakeSessions map[string]models.Session

func (f fakeSessions) Lookup(token string) (models.Session, error) {
	sess, ok := f[token]
	if !ok {
		return models.Session{}, errors.New("session not found")
	}
	return sess, nil
}

var sessions = fakeSessions{
	"good": {Token: "good", Subject: models.Subject, ExpiresAt: time.Now().Add(time.Hour)},
}

func TestSessionAuth_NoToken(t *testing.T) {
	dummy := &dummyHandler{}
	h := SessionAuth(sessions)(dummy)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/passwords", nil)
	h.ServeHTTP(rec, req)

	if dummy.called {
		t.Error("did not expect next handler to be called without a session")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 Unauthorized, got %d", rec.Code)
	}
}

func TestSessionAuth_UnknownToken(t *testing.T) {
	dummy := &dummyHandler{}
	h := SessionAuth(sessions)(dummy)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/passwords", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "stale"})
	h.ServeHTTP(rec, req)

	if dummy.called {
		t.Error("did not expect next handler to be called for an unknown session")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 Unauthorized, got %d", rec.Code)
	}
}

func TestSessionAuth_Cookie(t *testing.T) {
	dummy := &dummyHandler{}
	h := SessionAuth(sessions)(dummy)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/passwords", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "good"})
	h.ServeHTTP(rec, req)

	if !dummy.called {
		t.Fatal("expected next handler to be called with a valid cookie")
	}
	if user := GetUserIDFromContext(dummy.ctx); user != models.Subject {
		t.Errorf("expected context user %q, got %q", models.Subject, user)
	}
}

func TestSessionAuth_Bearer(t *testing.T) {
	dummy := &dummyHandler{}
	h := SessionAuth(sessions)(dummy)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/passwords", nil)
	req.Header.Set("Authorization", "bearer good")
	h.ServeHTTP(rec, req)

	if !dummy.called {
		t.Error("expected next handler to be called with a bearer token")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 OK, got %d", rec.Code)
	}
}

func TestTokenFromRequest_CookieWins(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "from-cookie"})
	req.Header.Set("Authorization", "Bearer from-header")
	if got := TokenFromRequest(req); got != "from-cookie" {
		t.Errorf("TokenFromRequest = %q; want from-cookie", got)
	}

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	if got := TokenFromRequest(req); got != "" {
		t.Errorf("TokenFromRequest with basic auth = %q; want empty", got)
	}
}

func TestGetUserIDFromContext(t *testing.T) {
	if empty := GetUserIDFromContext(context.Background()); empty != "" {
		t.Errorf("expected empty string for missing user, got '%s'", empty)
	}
	ctx := context.WithValue(context.Background(), sessionKey, models.Session{Subject: "bob"})
	if val := GetUserIDFromContext(ctx); val != "bob" {
		t.Errorf("expected 'bob', got '%s'", val)
	}
}
