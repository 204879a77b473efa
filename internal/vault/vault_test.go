package vault_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collation-ai/vibe-access-plane/internal/vault"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := vault.New("some secret key", "some-salt")

	encrypted, err := v.Encrypt("a secret message")
	require.NoError(t, err)
	assert.NotEqual(t, "a secret message", encrypted)

	decrypted, err := v.Decrypt(encrypted)
	require.NoError(t, err)
	assert.Equal(t, "a secret message", decrypted)
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	v := vault.New("some secret key", "some-salt")

	encrypted1, err := v.Encrypt("a secret message")
	require.NoError(t, err)
	encrypted2, err := v.Encrypt("a secret message")
	require.NoError(t, err)

	assert.NotEqual(t, encrypted1, encrypted2, "ciphertexts must not be comparable across encryptions")
}

func TestDecryptWithWrongKeyIsUnreadable(t *testing.T) {
	v := vault.New("some secret key", "some-salt")
	other := vault.New("a different key", "some-salt")

	encrypted, err := v.Encrypt("a secret message")
	require.NoError(t, err)

	_, err = other.Decrypt(encrypted)
	assert.ErrorIs(t, err, vault.ErrCredentialUnreadable)
}

func TestDecryptMalformedCiphertextIsUnreadable(t *testing.T) {
	v := vault.New("some secret key", "some-salt")

	_, err := v.Decrypt("not-valid-base64-!!!")
	assert.ErrorIs(t, err, vault.ErrCredentialUnreadable)
}

func TestHashAPIKeyIsDeterministic(t *testing.T) {
	v := vault.New("key", "pepper")

	h1 := v.HashAPIKey("vibe_prod_abc123")
	h2 := v.HashAPIKey("vibe_prod_abc123")
	assert.Equal(t, h1, h2)

	h3 := v.HashAPIKey("vibe_prod_abc124")
	assert.NotEqual(t, h1, h3)
}

func TestNewAPIKeyShapeAndPrefix(t *testing.T) {
	v := vault.New("key", "pepper")

	plaintext, digest, prefix, err := v.NewAPIKey("prod")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(plaintext, "vibe_prod_"))
	assert.Equal(t, plaintext[:14], prefix)
	assert.Equal(t, v.HashAPIKey(plaintext), digest)
}

func TestNewPGPasswordShape(t *testing.T) {
	password, err := vault.NewPGPassword()
	require.NoError(t, err)
	assert.Len(t, password, 32)
}

func TestNewPGCredentialsShape(t *testing.T) {
	username, password, err := vault.NewPGCredentials()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(username, "vibe_user_"))
	assert.Len(t, strings.TrimPrefix(username, "vibe_user_"), 12)
	assert.Len(t, password, 32)

	for _, r := range strings.TrimPrefix(username, "vibe_user_") {
		assert.True(t, (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	}
}
