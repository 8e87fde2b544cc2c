package passkey

import "errors"

var (
	ErrChallengeExpired  = errors.New("challenge expired or unknown")
	ErrChallengeMismatch = errors.New("challenge mismatch")
	ErrSignatureInvalid  = errors.New("signature invalid")
	// ErrCounterRollback is returned when an authenticator presents a sign
	// count that is not greater than the stored one. The credential is
	// flagged as possibly cloned.
	ErrCounterRollback = errors.New("sign count did not increase")
	// ErrCredentialFlagged is returned for credentials awaiting review after
	// a counter rollback.
	ErrCredentialFlagged   = errors.New("credential flagged for review")
	ErrDuplicateCredential = errors.New("credential already registered")
	ErrNotFound            = errors.New("credential not found")
	ErrInvalidResponse     = errors.New("invalid authenticator response")
	// ErrVaultKey is returned by Open when the key is malformed or does not
	// match the one the vault was created with.
	ErrVaultKey = errors.New("vault key rejected")
)
