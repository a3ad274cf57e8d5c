package secrets

import (
	"path/filepath"
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyringStore(t *testing.T) {
	store := NewKeyringStore(keyring.NewArrayKeyring(nil))

	_, err := store.Password("alice@example.com")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	require.NoError(t, store.SetPassword(" Alice@Example.com ", "hunter2"))
	password, err := store.Password("alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", password)

	require.NoError(t, store.SetPassword("alice@example.com", "correct horse"))
	password, err = store.Password("ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, "correct horse", password)

	require.NoError(t, store.DeletePassword("alice@example.com"))
	require.NoError(t, store.DeletePassword("alice@example.com"))
	_, err = store.Password("alice@example.com")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestKeyringStore_Validation(t *testing.T) {
	store := NewKeyringStore(keyring.NewArrayKeyring(nil))

	assert.ErrorIs(t, store.SetPassword("  ", "secret"), errMissingAccount)
	assert.ErrorIs(t, store.SetPassword("alice@example.com", ""), errMissingPassword)
	_, err := store.Password("")
	assert.ErrorIs(t, err, errMissingAccount)
}

func TestAllowedBackends(t *testing.T) {
	tests := []struct {
		backend string
		want    []keyring.BackendType
		wantErr bool
	}{
		{backend: "", want: nil},
		{backend: "auto", want: nil},
		{backend: "File", want: []keyring.BackendType{keyring.FileBackend}},
		{backend: "keychain", want: []keyring.BackendType{keyring.KeychainBackend}},
		{backend: "secret-service", want: []keyring.BackendType{keyring.SecretServiceBackend}},
		{backend: "wincred", want: []keyring.BackendType{keyring.WinCredBackend}},
		{backend: "vault", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			got, err := allowedBackends(tt.backend)
			if tt.wantErr {
				assert.ErrorIs(t, err, errInvalidBackend)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOpen_FileBackend(t *testing.T) {
	t.Setenv(keyringPasswordEnv, "test-passphrase")

	var got keyring.Config
	keyringOpen = func(cfg keyring.Config) (keyring.Keyring, error) {
		got = cfg
		return keyring.NewArrayKeyring(nil), nil
	}
	t.Cleanup(func() { keyringOpen = keyring.Open })

	dir := t.TempDir()
	store, err := Open(BackendFile, dir)
	require.NoError(t, err)
	require.NotNil(t, store)

	assert.Equal(t, serviceName, got.ServiceName)
	assert.Equal(t, []keyring.BackendType{keyring.FileBackend}, got.AllowedBackends)
	assert.Equal(t, filepath.Join(dir, "keyring"), got.FileDir)
	passphrase, err := got.FilePasswordFunc("prompt")
	require.NoError(t, err)
	assert.Equal(t, "test-passphrase", passphrase)

	_, err = Open("vault", dir)
	assert.ErrorIs(t, err, errInvalidBackend)
}
