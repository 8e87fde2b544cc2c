package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/atinyakov/GophPass/internal/middleware"
	"github.com/atinyakov/GophPass/internal/models"
	"github.com/atinyakov/GophPass/internal/pass"
	handler "github.com/atinyakov/GophPass/internal/server/handler/http"
	"github.com/atinyakov/GophPass/internal/service"
	"github.com/atinyakov/GophPass/internal/session"
	"github.com/atinyakov/GophPass/internal/totp"
)

func TestAuthHandler_Login(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		loginErr       error
		expectedCode   int
		expectedSubstr string
	}{
		{
			name:           "invalid JSON",
			body:           `not a json`,
			expectedCode:   http.StatusBadRequest,
			expectedSubstr: "invalid request",
		},
		{
			name:           "missing code",
			body:           `{"master_password":"pw"}`,
			expectedCode:   http.StatusBadRequest,
			expectedSubstr: "invalid request",
		},
		{
			name:           "wrong credentials",
			body:           `{"master_password":"pw","totp_code":"000000"}`,
			loginErr:       service.ErrInvalidCredentials,
			expectedCode:   http.StatusUnauthorized,
			expectedSubstr: "invalid credentials",
		},
		{
			name:           "store failure",
			body:           `{"master_password":"pw","totp_code":"000000"}`,
			loginErr:       errors.New("read master password: " + pass.ErrNotFound.Error()),
			expectedCode:   http.StatusInternalServerError,
			expectedSubstr: "internal error",
		},
		{
			name:           "success",
			body:           `{"master_password":"pw","totp_code":"123456"}`,
			expectedCode:   http.StatusOK,
			expectedSubstr: "expires_at",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := &handler.AuthHandler{
				AuthService:  &fakeAuth{sessions: session.NewStore(), loginErr: tc.loginErr},
				CookieSecure: true,
			}
			req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(tc.body))
			w := httptest.NewRecorder()
			h.Login(w, req)

			if w.Code != tc.expectedCode {
				t.Errorf("status = %d; want %d", w.Code, tc.expectedCode)
			}
			if !strings.Contains(w.Body.String(), tc.expectedSubstr) {
				t.Errorf("body = %q; want substring %q", w.Body.String(), tc.expectedSubstr)
			}
		})
	}
}

func TestAuthHandler_LoginCookie(t *testing.T) {
	h := &handler.AuthHandler{AuthService: &fakeAuth{sessions: session.NewStore()}, CookieSecure: true}
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"master_password":"pw","totp_code":"123456"}`))
	w := httptest.NewRecorder()
	h.Login(w, req)

	cookies := w.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("got %d cookies; want 1", len(cookies))
	}
	c := cookies[0]
	if c.Name != middleware.CookieName || c.Value == "" {
		t.Errorf("cookie = %s=%q", c.Name, c.Value)
	}
	if !c.HttpOnly || !c.Secure || c.SameSite != http.SameSiteStrictMode {
		t.Errorf("cookie flags HttpOnly=%v Secure=%v SameSite=%v", c.HttpOnly, c.Secure, c.SameSite)
	}
	if c.MaxAge != int(time.Hour.Seconds()) {
		t.Errorf("MaxAge = %d; want %d", c.MaxAge, int(time.Hour.Seconds()))
	}
}

func TestAuthHandler_StatusAndLogout(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/api/auth/status", "")
	var st handler.StatusResponse
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if !st.Authenticated || st.UserID != models.Subject || st.ExpiresAt == nil {
		t.Errorf("status = %+v; want authenticated owner", st)
	}

	w = ts.do(http.MethodPost, "/api/auth/logout", "")
	if w.Code != http.StatusOK {
		t.Fatalf("logout status = %d", w.Code)
	}
	if c := w.Result().Cookies(); len(c) != 1 || c[0].MaxAge >= 0 {
		t.Errorf("logout did not clear the cookie: %+v", c)
	}

	w = ts.do(http.MethodGet, "/api/auth/status", "")
	if !strings.Contains(w.Body.String(), `"authenticated":false`) {
		t.Errorf("status after logout = %s", w.Body.String())
	}
	if w = ts.do(http.MethodGet, "/api/passwords", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("protected route after logout = %d; want 401", w.Code)
	}
}

// secrets is a SecretReader holding the two login entries.
type secrets map[string]models.Entry

func (s secrets) Read(_ context.Context, path string) (models.Entry, error) {
	e, ok := s[path]
	if !ok {
		return models.Entry{}, pass.ErrNotFound
	}
	return e, nil
}

func TestLogin_EndToEnd(t *testing.T) {
	const seed = "JBSWY3DPEHPK3PXP"
	store := secrets{
		"gophpass/master-password": {Secret: "correct horse"},
		"gophpass/totp":            {Secret: seed},
	}
	sessions := session.NewStore()
	auth := service.NewAuthService(store, sessions, service.AuthConfig{
		MasterPasswordPath: "gophpass/master-password",
		TOTPPath:           "gophpass/totp",
		SessionTTL:         time.Hour,
	}, nil)
	router := handler.NewRouter(handler.Handlers{
		Auth: &handler.AuthHandler{AuthService: auth},
	}, sessions, 4, nil)

	login := func(code string) *httptest.ResponseRecorder {
		body := `{"master_password":"correct horse","totp_code":"` + code + `"}`
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	now, err := totp.Generate(seed, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	w := login(now)
	if w.Code != http.StatusOK {
		t.Fatalf("login with current code = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil || resp.ExpiresAt.IsZero() {
		t.Errorf("expires_at missing: %v", err)
	}

	old, err := totp.Generate(seed, time.Now().Add(-10*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if old == now {
		t.Skip("codes collided")
	}
	if w := login(old); w.Code != http.StatusUnauthorized {
		t.Errorf("login with 10 minute old code = %d; want 401", w.Code)
	}
}
