package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptSecret(t *testing.T) {
	blob, err := EncryptSecret(" s3cr3t-value \n", "hunter2")
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "s3cr3t")

	got, err := DecryptSecret(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t-value", got)

	_, err = DecryptSecret(blob, "wrong")
	assert.Error(t, err)
}

func TestEncryptSecretRejectsEmpty(t *testing.T) {
	_, err := EncryptSecret("x", "")
	assert.Error(t, err)
	_, err = EncryptSecret("   ", "pw")
	assert.Error(t, err)
}

func TestDecryptSecretBadInput(t *testing.T) {
	_, err := DecryptSecret([]byte(`{"version":2}`), "pw")
	assert.ErrorContains(t, err, "unsupported version")
	_, err = DecryptSecret([]byte(`not json`), "pw")
	assert.Error(t, err)
}

func TestLoadSecret(t *testing.T) {
	got, err := LoadSecret(SecretConfig{Raw: "raw", Path: "/nonexistent"})
	require.NoError(t, err)
	assert.Equal(t, "raw", got)

	_, err = LoadSecret(SecretConfig{})
	assert.ErrorIs(t, err, ErrNoSecret)

	blob, err := EncryptSecret("from-file", "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "secret.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	got, err = LoadSecret(SecretConfig{Path: path, Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "from-file", got)
}
