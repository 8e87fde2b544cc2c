package client

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// SessionFile persists the session token between shell runs.
type SessionFile struct {
	Path string
}

type savedSession struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Load returns the saved token, or "" when there is none or it has expired.
func (f SessionFile) Load(now time.Time) (string, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var s savedSession
	if err := json.Unmarshal(data, &s); err != nil {
		return "", err
	}
	if !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt) {
		return "", nil
	}
	return s.Token, nil
}

// Save writes the token readable by the owner only.
func (f SessionFile) Save(token string, expiresAt time.Time) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(savedSession{Token: token, ExpiresAt: expiresAt})
	if err != nil {
		return err
	}
	return os.WriteFile(f.Path, data, 0o600)
}

// Clear removes the saved token.
func (f SessionFile) Clear() error {
	err := os.Remove(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
