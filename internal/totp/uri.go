package totp

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidURI is returned for malformed otpauth:// URIs.
var ErrInvalidURI = errors.New("invalid otpauth uri")

// Key is a stored TOTP secret with its parameters.
type Key struct {
	Label  string
	Issuer string
	Secret string
	Params Params
}

// ParseURI parses an otpauth://totp/ URI as written by authenticator apps
// and pass-otp.
func ParseURI(raw string) (Key, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	if u.Scheme != "otpauth" || u.Host != "totp" {
		return Key{}, fmt.Errorf("%w: want otpauth://totp/", ErrInvalidURI)
	}

	q := u.Query()
	key := Key{
		Label:  strings.TrimPrefix(u.Path, "/"),
		Issuer: q.Get("issuer"),
		Secret: q.Get("secret"),
		Params: DefaultParams,
	}
	if key.Secret == "" {
		return Key{}, fmt.Errorf("%w: missing secret", ErrInvalidURI)
	}
	if _, err := DecodeSecret(key.Secret); err != nil {
		return Key{}, err
	}
	if v := q.Get("algorithm"); v != "" {
		key.Params.Algorithm = Algorithm(strings.ToUpper(v))
		if _, err := key.Params.Algorithm.hash(); err != nil {
			return Key{}, fmt.Errorf("%w: %v", ErrInvalidURI, err)
		}
	}
	if v := q.Get("digits"); v != "" {
		d, err := strconv.Atoi(v)
		if err != nil || d < 6 || d > 8 {
			return Key{}, fmt.Errorf("%w: bad digits %q", ErrInvalidURI, v)
		}
		key.Params.Digits = d
	}
	if v := q.Get("period"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 {
			return Key{}, fmt.Errorf("%w: bad period %q", ErrInvalidURI, v)
		}
		key.Params.Period = time.Duration(p) * time.Second
	}
	return key, nil
}

// URI renders the key as an otpauth:// URI.
func (k Key) URI() string {
	q := url.Values{}
	q.Set("secret", k.Secret)
	if k.Issuer != "" {
		q.Set("issuer", k.Issuer)
	}
	if k.Params.Algorithm != "" && k.Params.Algorithm != SHA1 {
		q.Set("algorithm", string(k.Params.Algorithm))
	}
	if k.Params.Digits != 0 && k.Params.Digits != Digits {
		q.Set("digits", strconv.Itoa(k.Params.Digits))
	}
	if k.Params.Period != 0 && k.Params.Period != Step {
		q.Set("period", strconv.Itoa(int(k.Params.Period/time.Second)))
	}
	u := url.URL{Scheme: "otpauth", Host: "totp", Path: "/" + k.Label, RawQuery: q.Encode()}
	return u.String()
}

// Code returns the code for the key at the given time.
func (k Key) Code(at time.Time) (string, error) {
	secret, err := DecodeSecret(k.Secret)
	if err != nil {
		return "", err
	}
	return HOTP(secret, Counter(at, k.Params.Period), k.Params)
}

// ExpiresIn returns how long the code at the given time stays current.
func (k Key) ExpiresIn(at time.Time) time.Duration {
	period := k.Params.Period
	if period <= 0 {
		period = Step
	}
	seconds := int64(period / time.Second)
	return time.Duration(seconds-at.Unix()%seconds) * time.Second
}
