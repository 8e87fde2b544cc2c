// Package session keeps the table of authenticated sessions in memory.
// Sessions do not survive a restart.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atinyakov/GophPass/internal/models"
)

// tokenBytes is the amount of randomness in a session token.
const tokenBytes = 32

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
)

// Store is a concurrency-safe session table.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
	clock    func() time.Time
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]models.Session), clock: time.Now}
}

// Create issues a session for subject valid for ttl.
func (s *Store) Create(subject string, ttl time.Duration) (models.Session, error) {
	token, err := newToken()
	if err != nil {
		return models.Session{}, err
	}
	now := s.clock()
	sess := models.Session{
		Token:     token,
		Subject:   subject,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	s.mu.Lock()
	s.sessions[token] = sess
	s.mu.Unlock()
	return sess, nil
}

// Lookup returns the session for token. Expired sessions are removed and
// reported as ErrSessionExpired.
func (s *Store) Lookup(token string) (models.Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[token]
	s.mu.RUnlock()
	if !ok {
		return models.Session{}, ErrSessionNotFound
	}
	if sess.Expired(s.clock()) {
		s.mu.Lock()
		delete(s.sessions, token)
		s.mu.Unlock()
		return models.Session{}, ErrSessionExpired
	}
	return sess, nil
}

// Delete removes the session for token. Unknown tokens are ignored.
func (s *Store) Delete(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}

// Sweep removes sessions expired at now and returns how many were removed.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for token, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, token)
			removed++
		}
	}
	return removed
}

// Clear drops every session.
func (s *Store) Clear() {
	s.mu.Lock()
	s.sessions = make(map[string]models.Session)
	s.mu.Unlock()
}

// Len returns the number of stored sessions, expired ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// StartJanitor sweeps expired sessions every interval until ctx is done.
func (s *Store) StartJanitor(ctx context.Context, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Sweep(s.clock()); n > 0 {
					log.Debug("swept expired sessions", zap.Int("removed", n))
				}
			}
		}
	}()
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
