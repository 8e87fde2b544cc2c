// Package passkey implements the encrypted WebAuthn credential vault.
//
// Every credential and pending ceremony is stored as an XChaCha20-Poly1305
// sealed JSON document bound to its row id. Credentials are found by an
// HMAC of their credential id, so lookups never decrypt unrelated rows.
// The vault key is checked against a stored canary on Open; a wrong key
// is fatal.
package passkey

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"go.uber.org/zap"

	"github.com/atinyakov/GophPass/internal/models"
	"github.com/atinyakov/GophPass/internal/repository"
)

const (
	metaCanary     = "canary"
	metaUserHandle = "user_handle"
	canaryText     = "gophpass passkey vault"
)

// Config controls the relying party and vault timing.
type Config struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
	// CeremonyTTL is how long a begun ceremony may be finished.
	CeremonyTTL time.Duration
	// Timeout bounds each vault operation.
	Timeout time.Duration
}

// Relier runs the WebAuthn relying party checks. *webauthn.WebAuthn
// implements it.
type Relier interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
}

// ResponseParser decodes authenticator responses.
type ResponseParser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type protocolParser struct{}

func (protocolParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (protocolParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// Option customizes a Vault.
type Option func(*Vault)

// WithRelier replaces the WebAuthn relying party.
func WithRelier(r Relier) Option {
	return func(v *Vault) { v.relier = r }
}

// WithParser replaces the response parser.
func WithParser(p ResponseParser) Option {
	return func(v *Vault) { v.parser = p }
}

// WithClock replaces the time source.
func WithClock(clock func() time.Time) Option {
	return func(v *Vault) { v.clock = clock }
}

// Vault stores passkey credentials and runs WebAuthn ceremonies.
type Vault struct {
	repo       *repository.PasskeyRepository
	keys       *keys
	userHandle []byte
	cfg        Config
	relier     Relier
	parser     ResponseParser
	clock      func() time.Time
	log        *zap.Logger
}

// record is the sealed payload of a credential row.
type record struct {
	Credential webauthn.Credential `json:"credential"`
	Label      string              `json:"label"`
	LastUsedAt *time.Time          `json:"last_used_at,omitempty"`
}

// Open unlocks the vault with the hex key. On first use it initializes the
// canary and the user handle; afterwards a key that cannot open the canary
// is rejected with ErrVaultKey.
func Open(ctx context.Context, repo *repository.PasskeyRepository, hexKey string, cfg Config, log *zap.Logger, opts ...Option) (*Vault, error) {
	master, err := ParseKey(hexKey)
	if err != nil {
		return nil, err
	}
	k, err := deriveKeys(master)
	if err != nil {
		return nil, fmt.Errorf("derive vault keys: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.CeremonyTTL <= 0 {
		cfg.CeremonyTTL = 5 * time.Minute
	}

	v := &Vault{repo: repo, keys: k, cfg: cfg, parser: protocolParser{}, clock: time.Now, log: log}
	for _, opt := range opts {
		opt(v)
	}
	if v.relier == nil {
		wa, err := webauthn.New(&webauthn.Config{
			RPID:          cfg.RPID,
			RPDisplayName: cfg.RPDisplayName,
			RPOrigins:     cfg.RPOrigins,
		})
		if err != nil {
			return nil, fmt.Errorf("configure webauthn: %w", err)
		}
		v.relier = wa
	}

	ctx, cancel := v.withTimeout(ctx)
	defer cancel()
	if err := v.unlock(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Vault) unlock(ctx context.Context) error {
	canary, err := v.repo.GetMeta(ctx, metaCanary)
	if errors.Is(err, repository.ErrNotFound) {
		return v.initialize(ctx)
	}
	if err != nil {
		return fmt.Errorf("read vault canary: %w", err)
	}
	if plain, err := v.keys.open(metaCanary, canary); err != nil || string(plain) != canaryText {
		return fmt.Errorf("%w: canary does not decrypt", ErrVaultKey)
	}

	sealed, err := v.repo.GetMeta(ctx, metaUserHandle)
	if err != nil {
		return fmt.Errorf("read user handle: %w", err)
	}
	handle, err := v.keys.open(metaUserHandle, sealed)
	if err != nil {
		return fmt.Errorf("%w: user handle does not decrypt", ErrVaultKey)
	}
	v.userHandle = handle
	return nil
}

func (v *Vault) initialize(ctx context.Context) error {
	handle := make([]byte, 32)
	if _, err := rand.Read(handle); err != nil {
		return err
	}
	canary, err := v.keys.seal(metaCanary, []byte(canaryText))
	if err != nil {
		return err
	}
	sealedHandle, err := v.keys.seal(metaUserHandle, handle)
	if err != nil {
		return err
	}
	err = v.repo.WithTx(ctx, func(tx *repository.PasskeyRepository) error {
		if err := tx.PutMeta(ctx, metaUserHandle, sealedHandle); err != nil {
			return err
		}
		return tx.PutMeta(ctx, metaCanary, canary)
	})
	if err != nil {
		return fmt.Errorf("initialize vault: %w", err)
	}
	v.userHandle = handle
	v.log.Info("passkey vault initialized")
	return nil
}

// List returns all stored credentials.
func (v *Vault) List(ctx context.Context) ([]models.PasskeyCredential, error) {
	ctx, cancel := v.withTimeout(ctx)
	defer cancel()

	rows, err := v.repo.ListPasskeys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.PasskeyCredential, 0, len(rows))
	for _, row := range rows {
		rec, err := v.openRecord(row)
		if err != nil {
			return nil, err
		}
		out = append(out, v.toModel(row, rec))
	}
	return out, nil
}

// Delete removes the credential with the given vault id.
func (v *Vault) Delete(ctx context.Context, id string) error {
	ctx, cancel := v.withTimeout(ctx)
	defer cancel()

	err := v.repo.DeletePasskey(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	v.log.Info("passkey deleted", zap.String("id", id))
	return nil
}

// ClearFlag marks a flagged credential as reviewed so it can be used again.
func (v *Vault) ClearFlag(ctx context.Context, id string) (models.PasskeyCredential, error) {
	ctx, cancel := v.withTimeout(ctx)
	defer cancel()

	var out models.PasskeyCredential
	err := v.repo.WithTx(ctx, func(tx *repository.PasskeyRepository) error {
		row, err := tx.GetPasskey(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		rec, err := v.openRecord(row)
		if err != nil {
			return err
		}
		row.Flagged = false
		row.UpdatedAt = v.clock().UTC()
		if err := tx.UpdatePasskey(ctx, row); err != nil {
			return err
		}
		out = v.toModel(row, rec)
		return nil
	})
	if err != nil {
		return models.PasskeyCredential{}, err
	}
	v.log.Info("passkey flag cleared", zap.String("id", id))
	return out, nil
}

func (v *Vault) sealRecord(id string, rec record) ([]byte, error) {
	plain, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return v.keys.seal("passkey:"+id, plain)
}

func (v *Vault) openRecord(row repository.PasskeyRow) (record, error) {
	plain, err := v.keys.open("passkey:"+row.ID, row.Sealed)
	if err != nil {
		return record{}, fmt.Errorf("open passkey %s: %w", row.ID, err)
	}
	var rec record
	if err := json.Unmarshal(plain, &rec); err != nil {
		return record{}, fmt.Errorf("decode passkey %s: %w", row.ID, err)
	}
	return rec, nil
}

func (v *Vault) toModel(row repository.PasskeyRow, rec record) models.PasskeyCredential {
	return models.PasskeyCredential{
		ID:           row.ID,
		CredentialID: rec.Credential.ID,
		PublicKey:    rec.Credential.PublicKey,
		SignCount:    rec.Credential.Authenticator.SignCount,
		AAGUID:       rec.Credential.Authenticator.AAGUID,
		UserHandle:   v.userHandle,
		Label:        rec.Label,
		Flagged:      row.Flagged,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
		LastUsedAt:   rec.LastUsedAt,
	}
}

func (v *Vault) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if v.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, v.cfg.Timeout)
}

// owner is the single WebAuthn user of the vault.
type owner struct {
	handle      []byte
	displayName string
	credentials []webauthn.Credential
}

func (o *owner) WebAuthnID() []byte                         { return o.handle }
func (o *owner) WebAuthnName() string                       { return models.Subject }
func (o *owner) WebAuthnDisplayName() string                { return o.displayName }
func (o *owner) WebAuthnCredentials() []webauthn.Credential { return o.credentials }

func (v *Vault) owner(creds []webauthn.Credential) *owner {
	name := v.cfg.RPDisplayName
	if name == "" {
		name = models.Subject
	}
	return &owner{handle: v.userHandle, displayName: name, credentials: creds}
}
