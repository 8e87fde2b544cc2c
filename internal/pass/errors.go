package pass

import "errors"

var (
	// ErrNotFound is returned when no entry exists at the requested path.
	ErrNotFound = errors.New("entry not found")
	// ErrDecryptFailed is returned when the encryption tool exits with an
	// error or produces output that cannot be parsed.
	ErrDecryptFailed = errors.New("decrypt failed")
	// ErrExecutionTimeout is returned when the encryption tool does not finish
	// within the configured timeout.
	ErrExecutionTimeout = errors.New("encryption tool timed out")
	// ErrEntryConflict is returned when an entry changed since the revision
	// the caller based its update on.
	ErrEntryConflict = errors.New("entry changed concurrently")
	ErrInvalidPath   = errors.New("invalid entry path")
	ErrInvalidEntry  = errors.New("invalid entry")
)
