package pass

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/atinyakov/GophPass/internal/models"
)

const otpauthPrefix = "otpauth://"

var (
	usernameKeys = []string{"username", "user", "login"}
	urlKeys      = []string{"url", "website"}
)

func isReserved(key string) bool {
	for _, k := range append(usernameKeys, urlKeys...) {
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}

func matches(key string, aliases []string) bool {
	for _, a := range aliases {
		if strings.EqualFold(a, key) {
			return true
		}
	}
	return false
}

// ValidatePath checks that path is a store-relative entry identifier.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return fmt.Errorf("%w: leading or trailing slash", ErrInvalidPath)
	}
	if strings.ContainsAny(path, "\x00\n\r\\") {
		return fmt.Errorf("%w: forbidden character", ErrInvalidPath)
	}
	for _, seg := range strings.Split(path, "/") {
		switch {
		case seg == "":
			return fmt.Errorf("%w: empty segment", ErrInvalidPath)
		case seg == "." || seg == "..":
			return fmt.Errorf("%w: relative segment", ErrInvalidPath)
		case strings.HasPrefix(seg, "."):
			return fmt.Errorf("%w: hidden segment", ErrInvalidPath)
		case strings.HasPrefix(seg, "-"):
			return fmt.Errorf("%w: segment starts with a dash", ErrInvalidPath)
		}
	}
	return nil
}

// ValidateEntry checks that entry survives an Encode/Decode round trip.
func ValidateEntry(e models.Entry) error {
	if e.Secret == "" {
		return fmt.Errorf("%w: empty secret", ErrInvalidEntry)
	}
	if strings.ContainsAny(e.Secret, "\n\r") {
		return fmt.Errorf("%w: secret spans several lines", ErrInvalidEntry)
	}
	m := e.Metadata
	for name, v := range map[string]string{"username": m.Username, "url": m.URL, "otpauth": m.OTPAuth} {
		if strings.ContainsAny(v, "\n\r") {
			return fmt.Errorf("%w: %s spans several lines", ErrInvalidEntry, name)
		}
	}
	if m.OTPAuth != "" && !strings.HasPrefix(m.OTPAuth, otpauthPrefix) {
		return fmt.Errorf("%w: otpauth must be an otpauth:// uri", ErrInvalidEntry)
	}
	if strings.HasPrefix(m.Notes, "\n") || strings.HasSuffix(m.Notes, "\n") || strings.Contains(m.Notes, "\r") {
		return fmt.Errorf("%w: notes must not start or end with a newline", ErrInvalidEntry)
	}
	for _, f := range m.CustomFields {
		switch {
		case f.Key == "" || strings.ContainsAny(f.Key, ": \t\n\r"):
			return fmt.Errorf("%w: bad custom field key %q", ErrInvalidEntry, f.Key)
		case isReserved(f.Key):
			return fmt.Errorf("%w: custom field key %q is reserved", ErrInvalidEntry, f.Key)
		case strings.ContainsAny(f.Value, "\n\r"):
			return fmt.Errorf("%w: custom field %q spans several lines", ErrInvalidEntry, f.Key)
		}
	}
	return nil
}

// Encode renders entry in the line-oriented layout understood by pass and
// its browser integrations: the secret, then key: value lines, then a blank
// line and the notes.
func Encode(e models.Entry) []byte {
	var b strings.Builder
	b.WriteString(e.Secret)
	b.WriteByte('\n')

	m := e.Metadata
	if m.Username != "" {
		fmt.Fprintf(&b, "username: %s\n", m.Username)
	}
	if m.URL != "" {
		fmt.Fprintf(&b, "url: %s\n", m.URL)
	}
	if m.OTPAuth != "" {
		b.WriteString(m.OTPAuth)
		b.WriteByte('\n')
	}
	for _, f := range m.CustomFields {
		fmt.Fprintf(&b, "%s: %s\n", f.Key, f.Value)
	}
	if m.Notes != "" {
		b.WriteByte('\n')
		b.WriteString(m.Notes)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// Decode parses the plaintext of an entry. Lines that are not recognised as
// key: value pairs before the first blank line are kept as notes, and keys
// other than the well-known ones are kept as custom fields in order.
func Decode(path string, plaintext []byte) (models.Entry, error) {
	text := strings.ReplaceAll(string(plaintext), "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return models.Entry{}, fmt.Errorf("%w: empty payload", ErrDecryptFailed)
	}

	lines := strings.Split(text, "\n")
	entry := models.Entry{Path: path, Secret: lines[0], Revision: Revision(plaintext)}

	var notes []string
	body := lines[1:]
	for i, line := range body {
		if line == "" {
			notes = append(notes, body[i+1:]...)
			break
		}
		if strings.HasPrefix(line, otpauthPrefix) {
			entry.Metadata.OTPAuth = line
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok || key == "" || strings.ContainsAny(key, " \t") {
			notes = append(notes, line)
			continue
		}
		value = strings.TrimPrefix(value, " ")
		switch {
		case matches(key, usernameKeys) && entry.Metadata.Username == "":
			entry.Metadata.Username = value
		case matches(key, urlKeys) && entry.Metadata.URL == "":
			entry.Metadata.URL = value
		default:
			entry.Metadata.CustomFields = append(entry.Metadata.CustomFields, models.Field{Key: key, Value: value})
		}
	}
	entry.Metadata.Notes = strings.Trim(strings.Join(notes, "\n"), "\n")
	return entry, nil
}

// Revision returns the content hash used for optimistic concurrency.
func Revision(plaintext []byte) string {
	sum := sha256.Sum256(plaintext)
	return hex.EncodeToString(sum[:])
}
