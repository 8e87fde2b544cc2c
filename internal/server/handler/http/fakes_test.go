package http_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"

	"github.com/atinyakov/GophPass/internal/models"
	"github.com/atinyakov/GophPass/internal/pass"
	handler "github.com/atinyakov/GophPass/internal/server/handler/http"
	"github.com/atinyakov/GophPass/internal/service"
	"github.com/atinyakov/GophPass/internal/session"
)

type fakePasswords struct {
	entries    map[string]models.Entry
	gotEntry   models.Entry
	gotIfRev   string
	listErr    error
	putCreated bool
	putErr     error
}

func (f *fakePasswords) List(context.Context) ([]string, error) {
	var out []string
	for p := range f.entries {
		out = append(out, p)
	}
	return out, f.listErr
}

func (f *fakePasswords) Get(_ context.Context, path string) (models.Entry, error) {
	e, ok := f.entries[path]
	if !ok {
		return models.Entry{}, pass.ErrNotFound
	}
	return e, nil
}

func (f *fakePasswords) Put(_ context.Context, path string, e models.Entry, ifRevision string) (bool, error) {
	f.gotEntry, f.gotIfRev = e, ifRevision
	return f.putCreated, f.putErr
}

func (f *fakePasswords) Delete(_ context.Context, path string) error {
	if _, ok := f.entries[path]; !ok {
		return pass.ErrNotFound
	}
	delete(f.entries, path)
	return nil
}

type fakeOTP struct {
	code    service.OTPCode
	err     error
	gotPath string
	gotURI  string
}

func (f *fakeOTP) Code(_ context.Context, path string) (service.OTPCode, error) {
	f.gotPath = path
	return f.code, f.err
}

func (f *fakeOTP) Create(_ context.Context, path, secret, uri string) (bool, error) {
	f.gotPath, f.gotURI = path, uri
	return true, f.err
}

type fakeSync struct {
	triggered  int
	state      models.SyncState
	resolveErr error
	strategy   string
}

func (f *fakeSync) Trigger()                 { f.triggered++ }
func (f *fakeSync) Status() models.SyncState { return f.state }
func (f *fakeSync) Resolve(_ context.Context, strategy string) (models.SyncState, error) {
	f.strategy = strategy
	return f.state, f.resolveErr
}

type fakeVault struct {
	creds  []models.PasskeyCredential
	err    error
	gotIDs [][]byte
	gotRsp string
}

func (f *fakeVault) List(context.Context) ([]models.PasskeyCredential, error) { return f.creds, f.err }
func (f *fakeVault) BeginRegistration(context.Context, string) (string, *protocol.CredentialCreation, error) {
	return "cer-1", &protocol.CredentialCreation{}, f.err
}
func (f *fakeVault) FinishRegistration(_ context.Context, _ string, rsp []byte) (models.PasskeyCredential, error) {
	f.gotRsp = string(rsp)
	return models.PasskeyCredential{ID: "pk-1"}, f.err
}
func (f *fakeVault) BeginAuthentication(_ context.Context, ids [][]byte) (string, *protocol.CredentialAssertion, error) {
	f.gotIDs = ids
	return "cer-2", &protocol.CredentialAssertion{}, f.err
}
func (f *fakeVault) FinishAuthentication(_ context.Context, _ string, rsp []byte) (models.PasskeyCredential, error) {
	f.gotRsp = string(rsp)
	return models.PasskeyCredential{ID: "pk-1", SignCount: 7}, f.err
}
func (f *fakeVault) ClearFlag(_ context.Context, id string) (models.PasskeyCredential, error) {
	return models.PasskeyCredential{ID: id}, f.err
}
func (f *fakeVault) Delete(context.Context, string) error { return f.err }

// fakeAuth implements handler.AuthService on top of a real session table.
type fakeAuth struct {
	sessions *session.Store
	loginErr error
}

func (f *fakeAuth) Login(_ context.Context, master, code string) (models.Session, error) {
	if f.loginErr != nil {
		return models.Session{}, f.loginErr
	}
	return f.sessions.Create(models.Subject, time.Hour)
}
func (f *fakeAuth) Status(token string) (models.Session, error) { return f.sessions.Lookup(token) }
func (f *fakeAuth) Logout(token string)                         { f.sessions.Delete(token) }

type testServer struct {
	router    http.Handler
	token     string
	sessions  *session.Store
	auth      *fakeAuth
	passwords *fakePasswords
	otp       *fakeOTP
	sync      *fakeSync
	vault     *fakeVault
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	sessions := session.NewStore()
	sess, err := sessions.Create(models.Subject, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	ts := &testServer{
		token:     sess.Token,
		sessions:  sessions,
		auth:      &fakeAuth{sessions: sessions},
		passwords: &fakePasswords{entries: map[string]models.Entry{}},
		otp:       &fakeOTP{},
		sync:      &fakeSync{state: models.SyncState{Status: models.SyncIdle}},
		vault:     &fakeVault{},
	}
	ts.router = handler.NewRouter(handler.Handlers{
		Auth:      &handler.AuthHandler{AuthService: ts.auth},
		Passwords: &handler.PasswordHandler{PasswordService: ts.passwords},
		OTP:       &handler.OTPHandler{OTPService: ts.otp},
		Sync:      &handler.SyncHandler{SyncService: ts.sync},
		Passkeys:  &handler.PasskeyHandler{Vault: ts.vault},
	}, sessions, 4, nil)
	return ts
}

// do sends an authenticated request. An empty body sends no content type.
func (ts *testServer) do(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+ts.token)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}
