// Package models defines the core data structures shared by the password
// store, the session table, the sync engine and the passkey vault.
package models

import "time"

// Subject is the only principal known to the backend.
const Subject = "owner"

// Entry is a single path-addressed secret held by the encrypted store.
type Entry struct {
	// Path is the slash-delimited identifier of the entry, without a leading slash.
	Path string `json:"path"`
	// Secret is the primary secret, the first line of the stored payload.
	Secret string `json:"password"`
	// Metadata holds the optional structured lines following the secret.
	Metadata Metadata `json:"metadata"`
	// Revision is the hex SHA-256 of the stored plaintext. It is set on read
	// and ignored on write.
	Revision string `json:"revision,omitempty"`
}

// Metadata holds the optional fields of an entry.
type Metadata struct {
	Username string `json:"username,omitempty"`
	URL      string `json:"url,omitempty"`
	// OTPAuth is an otpauth:// URI stored alongside the secret.
	OTPAuth string `json:"otpauth,omitempty"`
	// Notes is free text, possibly spanning several lines.
	Notes string `json:"notes,omitempty"`
	// CustomFields keeps any other key/value lines in the order they appear.
	CustomFields []Field `json:"custom_fields,omitempty"`
}

// IsZero reports whether no metadata field is set.
func (m Metadata) IsZero() bool {
	return m.Username == "" && m.URL == "" && m.OTPAuth == "" && m.Notes == "" && len(m.CustomFields) == 0
}

// Field is a single custom key/value line.
type Field struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Session is an authenticated login.
type Session struct {
	Token     string    `json:"-"`
	Subject   string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session is no longer valid at now.
func (s Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// SyncStatus is the state of the sync engine.
type SyncStatus string

const (
	// SyncIdle means no cycle is running and the last one succeeded.
	SyncIdle SyncStatus = "idle"
	// SyncSyncing means a cycle is in flight.
	SyncSyncing SyncStatus = "syncing"
	// SyncConflict means local and remote histories diverged; it is left
	// only through an explicit resolution.
	SyncConflict SyncStatus = "conflict"
	// SyncError means the last cycle failed and will be retried.
	SyncError SyncStatus = "error"
)

// SyncState is a snapshot of the sync engine.
type SyncState struct {
	Status              SyncStatus `json:"status"`
	Reason              string     `json:"reason,omitempty"`
	LastSyncAt          *time.Time `json:"last_sync_at,omitempty"`
	LastCommitID        string     `json:"last_commit_id,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures,omitempty"`
	NextAttemptAt       *time.Time `json:"next_attempt_at,omitempty"`
}

// PasskeyCredential is a WebAuthn credential held by the vault.
type PasskeyCredential struct {
	// ID is the vault row identifier.
	ID string `json:"id"`
	// CredentialID is the authenticator-assigned credential id.
	CredentialID []byte `json:"credential_id"`
	PublicKey    []byte `json:"public_key"`
	// SignCount is the last authenticator counter accepted by the vault.
	SignCount  uint32     `json:"sign_count"`
	AAGUID     []byte     `json:"aaguid"`
	UserHandle []byte     `json:"user_handle"`
	Label      string     `json:"label"`
	Flagged    bool       `json:"flagged"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}
