package gitsync

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNetworkFailure is returned when the remote cannot be reached.
	ErrNetworkFailure = errors.New("network failure")
	// ErrRemoteAuthFailure is returned when the remote rejects the credential.
	ErrRemoteAuthFailure = errors.New("remote authentication failed")
	// ErrMergeConflict is returned when local and remote histories cannot be
	// reconciled without an explicit resolution.
	ErrMergeConflict = errors.New("merge conflict")
	// ErrUnknownStrategy is returned by Resolve for unsupported strategies.
	ErrUnknownStrategy = errors.New("unknown resolution strategy")
)

var authMarkers = []string{
	"authentication failed",
	"invalid username or password",
	"could not read username",
	"could not read password",
	"terminal prompts disabled",
	"permission denied",
	"the requested url returned error: 401",
	"the requested url returned error: 403",
}

var rejectMarkers = []string{
	"[rejected]",
	"non-fast-forward",
	"fetch first",
	"updates were rejected",
}

func containsAny(s string, markers []string) bool {
	s = strings.ToLower(s)
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// classifyRemote maps a failed fetch, clone or push to the remote error
// taxonomy.
func classifyRemote(op string, err error) error {
	if containsAny(err.Error(), authMarkers) {
		return fmt.Errorf("%w: %s: %v", ErrRemoteAuthFailure, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrNetworkFailure, op, err)
}

// reason returns the text exposed in the sync status. Git output is kept
// out of it.
func reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMergeConflict):
		return conflictReason(err)
	case errors.Is(err, ErrRemoteAuthFailure):
		return ErrRemoteAuthFailure.Error()
	case errors.Is(err, ErrNetworkFailure):
		return ErrNetworkFailure.Error()
	default:
		return "sync failed"
	}
}

type conflictError struct {
	msg string
}

func (e *conflictError) Error() string { return ErrMergeConflict.Error() + ": " + e.msg }
func (e *conflictError) Unwrap() error { return ErrMergeConflict }

func conflict(msg string) error {
	return &conflictError{msg: msg}
}

func conflictReason(err error) string {
	var c *conflictError
	if errors.As(err, &c) {
		return c.msg
	}
	return ErrMergeConflict.Error()
}
