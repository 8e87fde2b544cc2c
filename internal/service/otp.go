package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/atinyakov/GophPass/internal/models"
	"github.com/atinyakov/GophPass/internal/totp"
)

// ErrNoOTP is returned when an entry holds no otpauth:// URI.
var ErrNoOTP = errors.New("entry has no otp secret")

// OTPCode is a current one-time code.
type OTPCode struct {
	Code      string        `json:"code"`
	ExpiresIn time.Duration `json:"-"`
}

// OTPService reads and stores otpauth:// URIs kept in password entries.
type OTPService struct {
	passwords *PasswordService
	clock     func() time.Time
	log       *zap.Logger
}

// NewOTPService constructs an OTPService on top of passwords.
func NewOTPService(passwords *PasswordService, log *zap.Logger) *OTPService {
	if log == nil {
		log = zap.NewNop()
	}
	return &OTPService{passwords: passwords, clock: time.Now, log: log}
}

// Code returns the current code of the entry at path.
func (s *OTPService) Code(ctx context.Context, path string) (OTPCode, error) {
	entry, err := s.passwords.Get(ctx, path)
	if err != nil {
		return OTPCode{}, err
	}
	raw := entry.Metadata.OTPAuth
	if raw == "" && strings.HasPrefix(entry.Secret, "otpauth://") {
		raw = entry.Secret
	}
	if raw == "" {
		return OTPCode{}, fmt.Errorf("%w: %s", ErrNoOTP, path)
	}

	key, err := totp.ParseURI(raw)
	if err != nil {
		return OTPCode{}, err
	}
	now := s.clock()
	code, err := key.Code(now)
	if err != nil {
		return OTPCode{}, err
	}
	return OTPCode{Code: code, ExpiresIn: key.ExpiresIn(now)}, nil
}

// Create stores an OTP secret at path, given either a base32 secret or an
// otpauth:// URI. An existing entry keeps its secret and gains the URI; a
// new entry holds the URI as its only line. It reports whether the entry
// was created.
func (s *OTPService) Create(ctx context.Context, path, secret, uri string) (bool, error) {
	var key totp.Key
	switch {
	case uri != "":
		k, err := totp.ParseURI(uri)
		if err != nil {
			return false, err
		}
		key = k
	case secret != "":
		if _, err := totp.DecodeSecret(secret); err != nil {
			return false, err
		}
		key = totp.Key{
			Label:  path,
			Secret: strings.ToUpper(strings.Join(strings.Fields(secret), "")),
			Params: totp.DefaultParams,
		}
	default:
		return false, fmt.Errorf("%w: secret or uri required", totp.ErrInvalidURI)
	}

	rendered := key.URI()
	created, err := s.passwords.update(ctx, path, func(e *models.Entry, exists bool) {
		if exists {
			e.Metadata.OTPAuth = rendered
			return
		}
		e.Secret = rendered
	})
	if err != nil {
		return false, err
	}
	s.log.Info("otp secret stored", zap.String("path", path), zap.Bool("created", created))
	return created, nil
}
