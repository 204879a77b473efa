// Package vault implements the Crypto Vault component: authenticated
// symmetric encryption of secrets at rest, API-key hashing, and the
// random credential generators used by the PG Role Manager and the
// Authenticator.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrCredentialUnreadable is returned when a stored ciphertext can no longer
// be decrypted with the configured key, distinguishing a bad secret from a
// generic internal error so operators know to re-enter it.
var ErrCredentialUnreadable = errors.New("vault: credential unreadable, re-enter the secret")

const (
	usernameLength = 12
	passwordLength = 32
	keyPrefixLen   = 14
)

var (
	alphaLower   = []byte("abcdefghijklmnopqrstuvwxyz")
	urlSafeChars = []byte("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_")
	digits       = []byte("0123456789")
)

// Vault holds the process-wide encryption key and API-key salt loaded once
// from configuration at startup.
type Vault struct {
	encryptionKey string
	apiKeySalt    string
}

// New constructs a Vault from the two process-wide secrets in configuration.
func New(encryptionKey, apiKeySalt string) *Vault {
	return &Vault{encryptionKey: encryptionKey, apiKeySalt: apiKeySalt}
}

// Encrypt seals plaintext with AES-256-GCM under a key derived from the
// vault's configured encryption key, returning an opaque base64 string
// suitable for direct storage.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	aead, err := buildCipher(v.encryptionKey)
	if err != nil {
		return "", err
	}
	nonce, err := makeNonce(aead.NonceSize())
	if err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. A malformed or tampered ciphertext, or the wrong
// key, yields ErrCredentialUnreadable rather than a generic error so callers
// can map it to a distinct HTTP outcome.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrCredentialUnreadable
	}
	aead, err := buildCipher(v.encryptionKey)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize() {
		return "", ErrCredentialUnreadable
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrCredentialUnreadable
	}
	return string(plaintext), nil
}

func buildCipher(keyStr string) (cipher.AEAD, error) {
	key := sha256.Sum256([]byte(keyStr))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func makeNonce(size int) ([]byte, error) {
	nonce := make([]byte, size)
	_, err := io.ReadFull(rand.Reader, nonce)
	return nonce, err
}

// HashAPIKey computes the deterministic digest stored against an APIKey row:
// SHA-256(plaintext || salt), hex-encoded so it can be used directly as a
// unique-index lookup key.
func (v *Vault) HashAPIKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext + v.apiKeySalt))
	return hex.EncodeToString(sum[:])
}

// NewAPIKey mints a fresh plaintext API key for the given environment
// (e.g. "prod", "dev"), its digest, and the prefix persisted for operator
// identification. The plaintext is returned exactly once; callers must not
// retain it beyond handing it back to the caller that requested it.
func (v *Vault) NewAPIKey(environment string) (plaintext, digest, prefix string, err error) {
	random, err := randomChars(32, urlSafeChars)
	if err != nil {
		return "", "", "", err
	}
	plaintext = fmt.Sprintf("vibe_%s_%s", environment, random)
	digest = v.HashAPIKey(plaintext)
	prefix = plaintext
	if len(prefix) > keyPrefixLen {
		prefix = prefix[:keyPrefixLen]
	}
	return plaintext, digest, prefix, nil
}

// NewPGCredentials generates a fresh native PostgreSQL role name of the form
// vibe_user_<12 lowercase alnum> and a 32-character URL-safe random password.
func NewPGCredentials() (username, password string, err error) {
	suffix, err := randomChars(usernameLength, append(append([]byte{}, alphaLower...), digits...))
	if err != nil {
		return "", "", err
	}
	password, err = randomChars(passwordLength, urlSafeChars)
	if err != nil {
		return "", "", err
	}
	return "vibe_user_" + strings.ToLower(suffix), password, nil
}

// NewPGPassword generates a fresh 32-character URL-safe random password for
// an existing native role, used by password rotation where the username
// must stay the same.
func NewPGPassword() (string, error) {
	return randomChars(passwordLength, urlSafeChars)
}

// randomChars draws length characters from chars using rejection sampling to
// avoid modulo bias.
func randomChars(length int, chars []byte) (string, error) {
	out := make([]byte, length)
	clen := len(chars)
	limit := 256 - (256 % clen)
	buf := make([]byte, length+(length/4)+8)
	i := 0
	for i < length {
		if _, err := io.ReadFull(rand.Reader, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out[i] = chars[int(b)%clen]
			i++
			if i == length {
				break
			}
		}
	}
	return string(out), nil
}
