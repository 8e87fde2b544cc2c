package passkey

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of the vault key in bytes.
const KeySize = 32

const (
	sealInfo   = "gophpass passkey vault seal v1"
	lookupInfo = "gophpass passkey vault lookup v1"
)

// keys holds the subkeys derived from the vault key.
type keys struct {
	aead   cipher.AEAD
	lookup []byte
}

// ParseKey decodes a hex vault key.
func ParseKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: not hex: %v", ErrVaultKey, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrVaultKey, KeySize, len(key))
	}
	return key, nil
}

func deriveKeys(master []byte) (*keys, error) {
	sealKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(sealInfo)), sealKey); err != nil {
		return nil, err
	}
	lookupKey := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(lookupInfo)), lookupKey); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(sealKey)
	if err != nil {
		return nil, err
	}
	return &keys{aead: aead, lookup: lookupKey}, nil
}

// seal encrypts plaintext bound to aad. The random nonce is prepended.
func (k *keys) seal(aad string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, k.aead.NonceSize(), k.aead.NonceSize()+len(plaintext)+k.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return k.aead.Seal(nonce, nonce, plaintext, []byte(aad)), nil
}

func (k *keys) open(aad string, sealed []byte) ([]byte, error) {
	if len(sealed) < k.aead.NonceSize()+k.aead.Overhead() {
		return nil, errors.New("sealed payload too short")
	}
	nonce, ciphertext := sealed[:k.aead.NonceSize()], sealed[k.aead.NonceSize():]
	return k.aead.Open(nil, nonce, ciphertext, []byte(aad))
}

// lookupHash is the blind index of a credential id.
func (k *keys) lookupHash(credentialID []byte) []byte {
	mac := hmac.New(sha256.New, k.lookup)
	mac.Write(credentialID)
	return mac.Sum(nil)
}
