// Package client is the HTTP client of the GophPass API used by the
// command-line shell.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/atinyakov/GophPass/internal/certgen"
	"github.com/atinyakov/GophPass/internal/models"
)

// ErrUnauthorized is returned when the server rejects the session.
var ErrUnauthorized = errors.New("not logged in")

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Status, e.Message)
}

// NewHTTPClient returns an HTTP client that trusts the CA in caFile, or the
// system roots when caFile is empty.
func NewHTTPClient(caFile string, timeout time.Duration) (*http.Client, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile != "" {
		pool, err := certgen.LoadCertPool(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}
		tlsConfig.RootCAs = pool
	}
	transport := &http.Transport{TLSClientConfig: tlsConfig}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

// Client calls the API with a bearer session token.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Token   string
}

// New returns a Client for baseURL.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{BaseURL: strings.TrimSuffix(baseURL, "/"), HTTP: httpClient}
}

// Login opens a session and keeps its token.
func (c *Client) Login(ctx context.Context, masterPassword, code string) (time.Time, error) {
	var resp struct {
		ExpiresAt time.Time `json:"expires_at"`
		Token     string    `json:"token"`
	}
	body := map[string]string{"master_password": masterPassword, "totp_code": code}
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", body, &resp); err != nil {
		return time.Time{}, err
	}
	c.Token = resp.Token
	return resp.ExpiresAt, nil
}

// Logout ends the session.
func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil)
	c.Token = ""
	return err
}

// SessionStatus describes the current session.
type SessionStatus struct {
	Authenticated bool       `json:"authenticated"`
	UserID        string     `json:"user_id"`
	ExpiresAt     *time.Time `json:"expires_at"`
}

// Status reports whether the token is still valid.
func (c *Client) Status(ctx context.Context) (SessionStatus, error) {
	var st SessionStatus
	err := c.do(ctx, http.MethodGet, "/api/auth/status", nil, &st)
	return st, err
}

// List returns all entry paths.
func (c *Client) List(ctx context.Context) ([]string, error) {
	var resp struct {
		Entries []string `json:"entries"`
	}
	err := c.do(ctx, http.MethodGet, "/api/passwords", nil, &resp)
	return resp.Entries, err
}

// Get returns the entry at path.
func (c *Client) Get(ctx context.Context, path string) (models.Entry, error) {
	var e models.Entry
	err := c.do(ctx, http.MethodGet, "/api/passwords/"+escapePath(path), nil, &e)
	return e, err
}

// Put stores the entry at path. A non-empty ifRevision makes the write fail
// if the entry changed since it was read.
func (c *Client) Put(ctx context.Context, path string, e models.Entry, ifRevision string) (bool, error) {
	body := struct {
		models.Entry
		IfRevision string `json:"if_revision,omitempty"`
	}{e, ifRevision}
	var resp struct {
		Created bool `json:"created"`
	}
	err := c.do(ctx, http.MethodPost, "/api/passwords/"+escapePath(path), body, &resp)
	return resp.Created, err
}

// Delete removes the entry at path.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, "/api/passwords/"+escapePath(path), nil, nil)
}

// OTPCode is a current one-time code.
type OTPCode struct {
	Code      string `json:"code"`
	ExpiresIn int    `json:"expires_in"`
}

// OTP returns the current code of the entry at path.
func (c *Client) OTP(ctx context.Context, path string) (OTPCode, error) {
	var code OTPCode
	err := c.do(ctx, http.MethodGet, "/api/otp/"+escapePath(path), nil, &code)
	return code, err
}

// AddOTP stores an otpauth:// URI or a base32 secret at path.
func (c *Client) AddOTP(ctx context.Context, path, secretOrURI string) error {
	body := map[string]string{"secret": secretOrURI}
	if strings.HasPrefix(secretOrURI, "otpauth://") {
		body = map[string]string{"uri": secretOrURI}
	}
	return c.do(ctx, http.MethodPost, "/api/otp/"+escapePath(path), body, nil)
}

// Sync asks the server to sync now.
func (c *Client) Sync(ctx context.Context) (models.SyncStatus, error) {
	var resp struct {
		Status models.SyncStatus `json:"status"`
	}
	err := c.do(ctx, http.MethodPost, "/api/sync", nil, &resp)
	return resp.Status, err
}

// SyncStatus returns the sync engine state.
func (c *Client) SyncStatus(ctx context.Context) (models.SyncState, error) {
	var st models.SyncState
	err := c.do(ctx, http.MethodGet, "/api/sync/status", nil, &st)
	return st, err
}

// Resolve resolves a sync conflict with "merge" or "manual".
func (c *Client) Resolve(ctx context.Context, strategy string) (models.SyncState, error) {
	var st models.SyncState
	err := c.do(ctx, http.MethodPost, "/api/sync/resolve", map[string]string{"strategy": strategy}, &st)
	return st, err
}

// Passkeys lists the stored passkeys.
func (c *Client) Passkeys(ctx context.Context) ([]models.PasskeyCredential, error) {
	var resp struct {
		Passkeys []models.PasskeyCredential `json:"passkeys"`
	}
	err := c.do(ctx, http.MethodGet, "/api/passkeys", nil, &resp)
	return resp.Passkeys, err
}

// ClearPasskeyFlag re-enables a passkey flagged after a counter rollback.
func (c *Client) ClearPasskeyFlag(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/passkeys/"+url.PathEscape(id)+"/clear-flag", nil, nil)
}

// DeletePasskey removes a passkey.
func (c *Client) DeletePasskey(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/passkeys/"+url.PathEscape(id), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		if resp.StatusCode == http.StatusUnauthorized && e.Error == "authentication required" {
			return ErrUnauthorized
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// escapePath escapes each segment of an entry path.
func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
