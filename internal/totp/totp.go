// Package totp implements RFC 6238 time-based one-time passwords.
//
// Verification uses a fixed acceptance window of one step on either side of
// the current counter (Skew): a code is accepted if it matches the counter
// floor(t/30s)-1, floor(t/30s) or floor(t/30s)+1. A wider window makes
// codes replayable for longer; a narrower one rejects clients whose clock
// drifts by a few seconds around a step boundary.
package totp

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"strings"
	"time"
)

const (
	// Step is the time step used for login codes.
	Step = 30 * time.Second
	// Digits is the length of login codes.
	Digits = 6
	// Skew is the number of steps accepted on either side of the current one.
	Skew = 1
)

// ErrInvalidSecretEncoding is returned when a shared secret is not valid base32.
var ErrInvalidSecretEncoding = errors.New("invalid secret encoding")

// Algorithm is the HMAC hash used to derive codes.
type Algorithm string

const (
	SHA1   Algorithm = "SHA1"
	SHA256 Algorithm = "SHA256"
	SHA512 Algorithm = "SHA512"
)

func (a Algorithm) hash() (func() hash.Hash, error) {
	switch a {
	case SHA1, "":
		return sha1.New, nil
	case SHA256:
		return sha256.New, nil
	case SHA512:
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", string(a))
	}
}

// Params controls code derivation.
type Params struct {
	Algorithm Algorithm
	Digits    int
	Period    time.Duration
}

// DefaultParams are the parameters used for login codes.
var DefaultParams = Params{Algorithm: SHA1, Digits: Digits, Period: Step}

var pow10 = [...]uint32{1, 10, 100, 1000, 10000, 100000, 1000000, 10000000, 100000000}

// DecodeSecret decodes a base32 shared secret. Whitespace is ignored, case
// is folded and padding is optional.
func DecodeSecret(secret string) ([]byte, error) {
	cleaned := strings.ToUpper(strings.Join(strings.Fields(secret), ""))
	cleaned = strings.TrimRight(cleaned, "=")
	if cleaned == "" {
		return nil, ErrInvalidSecretEncoding
	}
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecretEncoding, err)
	}
	return key, nil
}

// HOTP derives the RFC 4226 code for counter.
func HOTP(key []byte, counter uint64, p Params) (string, error) {
	newHash, err := p.Algorithm.hash()
	if err != nil {
		return "", err
	}
	digits := p.Digits
	if digits == 0 {
		digits = Digits
	}
	if digits < 6 || digits > 8 {
		return "", fmt.Errorf("unsupported digit count %d", digits)
	}

	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)
	mac := hmac.New(newHash, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%0*d", digits, bin%pow10[digits]), nil
}

// Counter returns the step counter for at.
func Counter(at time.Time, period time.Duration) uint64 {
	if period <= 0 {
		period = Step
	}
	unix := at.Unix()
	if unix < 0 {
		return 0
	}
	return uint64(unix) / uint64(period/time.Second)
}

// Generate returns the login code for secret at the given time.
func Generate(secret string, at time.Time) (string, error) {
	key, err := DecodeSecret(secret)
	if err != nil {
		return "", err
	}
	return HOTP(key, Counter(at, Step), DefaultParams)
}

// Verify reports whether code is a valid login code for secret at the given
// time, accepting the current step and Skew steps on either side. All
// candidate codes are computed and compared in constant time.
func Verify(secret, code string, at time.Time) (bool, error) {
	key, err := DecodeSecret(secret)
	if err != nil {
		return false, err
	}

	counter := Counter(at, Step)
	submitted := []byte(strings.TrimSpace(code))
	match := 0
	for delta := -Skew; delta <= Skew; delta++ {
		c := int64(counter) + int64(delta)
		if c < 0 {
			continue
		}
		expected, err := HOTP(key, uint64(c), DefaultParams)
		if err != nil {
			return false, err
		}
		match |= subtle.ConstantTimeCompare([]byte(expected), submitted)
	}
	return match == 1, nil
}
