// Package service provides the business logic behind the HTTP API:
// authentication, password entries and one-time codes.
package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/atinyakov/GophPass/internal/models"
	"github.com/atinyakov/GophPass/internal/totp"
)

// ErrInvalidCredentials is returned when the master secret or the TOTP code
// is wrong. It does not say which one.
var ErrInvalidCredentials = errors.New("invalid credentials")

// SecretReader reads entries from the encrypted store.
type SecretReader interface {
	Read(ctx context.Context, path string) (models.Entry, error)
}

// SessionStore holds authenticated sessions.
type SessionStore interface {
	Create(subject string, ttl time.Duration) (models.Session, error)
	Lookup(token string) (models.Session, error)
	Delete(token string)
}

// AuthConfig locates the credentials in the store.
type AuthConfig struct {
	MasterPasswordPath string
	TOTPPath           string
	SessionTTL         time.Duration
}

// AuthService logs the owner in with the master secret and a TOTP code.
type AuthService struct {
	store    SecretReader
	sessions SessionStore
	cfg      AuthConfig
	clock    func() time.Time
	log      *zap.Logger
}

// NewAuthService constructs an AuthService.
func NewAuthService(store SecretReader, sessions SessionStore, cfg AuthConfig, log *zap.Logger) *AuthService {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthService{store: store, sessions: sessions, cfg: cfg, clock: time.Now, log: log}
}

// Login verifies both factors and opens a session.
//
// Both stored credentials are read before anything is compared, so a store
// failure surfaces the same way whatever was submitted. Both factors are
// always checked.
func (s *AuthService) Login(ctx context.Context, masterPassword, code string) (models.Session, error) {
	master, err := s.store.Read(ctx, s.cfg.MasterPasswordPath)
	if err != nil {
		return models.Session{}, fmt.Errorf("read master password: %w", err)
	}
	seed, err := s.store.Read(ctx, s.cfg.TOTPPath)
	if err != nil {
		return models.Session{}, fmt.Errorf("read totp secret: %w", err)
	}
	secret, err := totpSecret(seed)
	if err != nil {
		return models.Session{}, err
	}

	given := sha256.Sum256([]byte(masterPassword))
	stored := sha256.Sum256([]byte(master.Secret))
	masterOK := subtle.ConstantTimeCompare(given[:], stored[:]) == 1

	codeOK, err := totp.Verify(secret, code, s.clock())
	if err != nil {
		return models.Session{}, fmt.Errorf("verify totp: %w", err)
	}

	if !masterOK || !codeOK {
		s.log.Info("login rejected")
		return models.Session{}, ErrInvalidCredentials
	}

	sess, err := s.sessions.Create(models.Subject, s.cfg.SessionTTL)
	if err != nil {
		return models.Session{}, err
	}
	s.log.Info("login accepted", zap.Time("expires_at", sess.ExpiresAt))
	return sess, nil
}

// Status returns the session behind token.
func (s *AuthService) Status(token string) (models.Session, error) {
	return s.sessions.Lookup(token)
}

// Logout ends the session behind token.
func (s *AuthService) Logout(token string) {
	s.sessions.Delete(token)
}

// totpSecret accepts either a bare base32 secret or an otpauth:// URI on the
// first line of the entry.
func totpSecret(e models.Entry) (string, error) {
	line := strings.TrimSpace(e.Secret)
	if !strings.HasPrefix(line, "otpauth://") {
		return line, nil
	}
	key, err := totp.ParseURI(line)
	if err != nil {
		return "", fmt.Errorf("parse totp entry: %w", err)
	}
	return key.Secret, nil
}
