package passkey

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atinyakov/GophPass/internal/models"
	"github.com/atinyakov/GophPass/internal/repository"
)

// Ceremony kinds.
const (
	KindRegistration   = "registration"
	KindAuthentication = "authentication"
)

// pending is the sealed payload of a ceremony row.
type pending struct {
	Session webauthn.SessionData `json:"session"`
	Label   string               `json:"label,omitempty"`
}

// BeginRegistration starts registering a new credential and returns the
// ceremony id with the options for navigator.credentials.create.
func (v *Vault) BeginRegistration(ctx context.Context, label string) (string, *protocol.CredentialCreation, error) {
	ctx, cancel := v.withTimeout(ctx)
	defer cancel()

	creds, err := v.credentials(ctx)
	if err != nil {
		return "", nil, err
	}
	creation, session, err := v.relier.BeginRegistration(v.owner(creds),
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
		webauthn.WithExclusions(webauthn.Credentials(creds).CredentialDescriptors()),
	)
	if err != nil {
		return "", nil, fmt.Errorf("begin registration: %w", err)
	}

	id, err := v.storeCeremony(ctx, KindRegistration, pending{Session: *session, Label: label})
	if err != nil {
		return "", nil, err
	}
	return id, creation, nil
}

// FinishRegistration verifies the authenticator's attestation for the
// ceremony and stores the new credential. The ceremony is consumed whether
// or not verification succeeds.
func (v *Vault) FinishRegistration(ctx context.Context, ceremonyID string, response []byte) (models.PasskeyCredential, error) {
	ctx, cancel := v.withTimeout(ctx)
	defer cancel()

	p, err := v.takeCeremony(ctx, ceremonyID, KindRegistration)
	if err != nil {
		return models.PasskeyCredential{}, err
	}
	parsed, err := v.parser.ParseCredentialCreationResponseBytes(response)
	if err != nil {
		return models.PasskeyCredential{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if !sameChallenge(parsed.Response.CollectedClientData.Challenge, p.Session.Challenge) {
		return models.PasskeyCredential{}, ErrChallengeMismatch
	}

	cred, err := v.relier.CreateCredential(v.owner(nil), p.Session, parsed)
	if err != nil {
		return models.PasskeyCredential{}, fmt.Errorf("%w: %v", ErrChallengeMismatch, err)
	}

	now := v.clock().UTC()
	row := repository.PasskeyRow{
		ID:        uuid.NewString(),
		Lookup:    v.keys.lookupHash(cred.ID),
		CreatedAt: now,
		UpdatedAt: now,
	}
	rec := record{Credential: *cred, Label: p.Label}
	if row.Sealed, err = v.sealRecord(row.ID, rec); err != nil {
		return models.PasskeyCredential{}, err
	}

	err = v.repo.WithTx(ctx, func(tx *repository.PasskeyRepository) error {
		return tx.InsertPasskey(ctx, row)
	})
	if errors.Is(err, repository.ErrDuplicate) {
		return models.PasskeyCredential{}, ErrDuplicateCredential
	}
	if err != nil {
		return models.PasskeyCredential{}, err
	}
	v.log.Info("passkey registered", zap.String("id", row.ID), zap.Uint32("sign_count", cred.Authenticator.SignCount))
	return v.toModel(row, rec), nil
}

// BeginAuthentication starts an assertion restricted to credentialIDs, or
// to every stored credential when none are given.
func (v *Vault) BeginAuthentication(ctx context.Context, credentialIDs [][]byte) (string, *protocol.CredentialAssertion, error) {
	ctx, cancel := v.withTimeout(ctx)
	defer cancel()

	creds, err := v.credentials(ctx)
	if err != nil {
		return "", nil, err
	}
	if len(credentialIDs) > 0 {
		selected := make([]webauthn.Credential, 0, len(credentialIDs))
		for _, want := range credentialIDs {
			found := false
			for _, c := range creds {
				if bytes.Equal(c.ID, want) {
					selected = append(selected, c)
					found = true
					break
				}
			}
			if !found {
				return "", nil, ErrNotFound
			}
		}
		creds = selected
	}
	if len(creds) == 0 {
		return "", nil, fmt.Errorf("%w: no credentials registered", ErrNotFound)
	}

	assertion, session, err := v.relier.BeginLogin(v.owner(creds))
	if err != nil {
		return "", nil, fmt.Errorf("begin authentication: %w", err)
	}
	id, err := v.storeCeremony(ctx, KindAuthentication, pending{Session: *session})
	if err != nil {
		return "", nil, err
	}
	return id, assertion, nil
}

// FinishAuthentication verifies an assertion. The presented sign count must
// be strictly greater than the stored one; otherwise the credential is
// flagged and ErrCounterRollback is returned. Flagged credentials are
// refused until ClearFlag.
func (v *Vault) FinishAuthentication(ctx context.Context, ceremonyID string, response []byte) (models.PasskeyCredential, error) {
	ctx, cancel := v.withTimeout(ctx)
	defer cancel()

	p, err := v.takeCeremony(ctx, ceremonyID, KindAuthentication)
	if err != nil {
		return models.PasskeyCredential{}, err
	}
	parsed, err := v.parser.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		return models.PasskeyCredential{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if !sameChallenge(parsed.Response.CollectedClientData.Challenge, p.Session.Challenge) {
		return models.PasskeyCredential{}, ErrChallengeMismatch
	}

	row, err := v.repo.GetPasskeyByLookup(ctx, v.keys.lookupHash(parsed.RawID))
	if errors.Is(err, repository.ErrNotFound) {
		return models.PasskeyCredential{}, ErrNotFound
	}
	if err != nil {
		return models.PasskeyCredential{}, err
	}
	if row.Flagged {
		return models.PasskeyCredential{}, ErrCredentialFlagged
	}
	rec, err := v.openRecord(row)
	if err != nil {
		return models.PasskeyCredential{}, err
	}

	bound, err := v.boundCredentials(ctx, p.Session)
	if err != nil {
		return models.PasskeyCredential{}, err
	}
	validated, err := v.relier.ValidateLogin(v.owner(bound), p.Session, parsed)
	if err != nil {
		return models.PasskeyCredential{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	presented := parsed.Response.AuthenticatorData.Counter

	var (
		out      models.PasskeyCredential
		rollback bool
	)
	err = v.repo.WithTx(ctx, func(tx *repository.PasskeyRepository) error {
		current, err := tx.GetPasskey(ctx, row.ID)
		if err != nil {
			return err
		}
		rec, err := v.openRecord(current)
		if err != nil {
			return err
		}
		if current.Flagged {
			return ErrCredentialFlagged
		}

		now := v.clock().UTC()
		current.UpdatedAt = now
		if presented <= rec.Credential.Authenticator.SignCount {
			rollback = true
			current.Flagged = true
			return tx.UpdatePasskey(ctx, current)
		}

		rec.Credential.Authenticator.SignCount = presented
		rec.Credential.Flags = validated.Flags
		rec.LastUsedAt = &now
		if current.Sealed, err = v.sealRecord(current.ID, rec); err != nil {
			return err
		}
		if err := tx.UpdatePasskey(ctx, current); err != nil {
			return err
		}
		out = v.toModel(current, rec)
		return nil
	})
	if err != nil {
		return models.PasskeyCredential{}, err
	}
	if rollback {
		v.log.Warn("passkey sign count rollback, credential flagged",
			zap.String("id", row.ID),
			zap.Uint32("presented", presented),
			zap.Uint32("stored", rec.Credential.Authenticator.SignCount),
		)
		return models.PasskeyCredential{}, ErrCounterRollback
	}
	v.log.Info("passkey authenticated", zap.String("id", row.ID), zap.Uint32("sign_count", presented))
	return out, nil
}

func (v *Vault) credentials(ctx context.Context) ([]webauthn.Credential, error) {
	rows, err := v.repo.ListPasskeys(ctx)
	if err != nil {
		return nil, err
	}
	creds := make([]webauthn.Credential, 0, len(rows))
	for _, row := range rows {
		rec, err := v.openRecord(row)
		if err != nil {
			return nil, err
		}
		creds = append(creds, rec.Credential)
	}
	return creds, nil
}

// boundCredentials returns the stored credentials the assertion was begun
// for. The relying party requires the owner to hold every one of them.
func (v *Vault) boundCredentials(ctx context.Context, session webauthn.SessionData) ([]webauthn.Credential, error) {
	creds, err := v.credentials(ctx)
	if err != nil {
		return nil, err
	}
	if len(session.AllowedCredentialIDs) == 0 {
		return creds, nil
	}
	bound := make([]webauthn.Credential, 0, len(session.AllowedCredentialIDs))
	for _, c := range creds {
		for _, id := range session.AllowedCredentialIDs {
			if bytes.Equal(c.ID, id) {
				bound = append(bound, c)
				break
			}
		}
	}
	return bound, nil
}

func (v *Vault) storeCeremony(ctx context.Context, kind string, p pending) (string, error) {
	id := uuid.NewString()
	plain, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	sealed, err := v.keys.seal("ceremony:"+id, plain)
	if err != nil {
		return "", err
	}
	err = v.repo.InsertCeremony(ctx, repository.CeremonyRow{
		ID:        id,
		Kind:      kind,
		Sealed:    sealed,
		ExpiresAt: v.clock().UTC().Add(v.cfg.CeremonyTTL),
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// takeCeremony consumes the ceremony. Unknown, expired and foreign-kind
// ceremonies all read as expired.
func (v *Vault) takeCeremony(ctx context.Context, id, kind string) (pending, error) {
	row, err := v.repo.TakeCeremony(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return pending{}, ErrChallengeExpired
	}
	if err != nil {
		return pending{}, err
	}
	if row.Kind != kind || !v.clock().Before(row.ExpiresAt) {
		return pending{}, ErrChallengeExpired
	}
	plain, err := v.keys.open("ceremony:"+id, row.Sealed)
	if err != nil {
		return pending{}, fmt.Errorf("open ceremony: %w", err)
	}
	var p pending
	if err := json.Unmarshal(plain, &p); err != nil {
		return pending{}, fmt.Errorf("decode ceremony: %w", err)
	}
	return p, nil
}

func sameChallenge(presented, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

var _ Relier = (*webauthn.WebAuthn)(nil)

// CeremonyTTL reports how long a begun ceremony stays valid.
func (v *Vault) CeremonyTTL() time.Duration {
	return v.cfg.CeremonyTTL
}
