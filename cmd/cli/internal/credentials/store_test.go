package credentials

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/sessiond/internal/auth"
)

func TestNewStore(t *testing.T) {
	t.Run("creates directory with correct permissions", func(t *testing.T) {
		credDir := filepath.Join(t.TempDir(), "creds")

		store, err := NewStore(credDir)
		require.NoError(t, err)
		assert.NotNil(t, store)

		info, err := os.Stat(credDir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
	})

	t.Run("empty store has no default", func(t *testing.T) {
		store, err := NewStore(t.TempDir())
		require.NoError(t, err)

		_, err = store.GetDefault()
		assert.ErrorIs(t, err, ErrNoDefaultCredential)

		creds, err := store.List()
		require.NoError(t, err)
		assert.Empty(t, creds)
	})
}

func TestStore_Create(t *testing.T) {
	t.Run("generates keypair and metadata", func(t *testing.T) {
		tmpDir := t.TempDir()
		store, err := NewStore(tmpDir)
		require.NoError(t, err)

		cred, err := store.Create("ops", "alice@example.com", []string{auth.RoleAdmin})
		require.NoError(t, err)
		assert.Equal(t, "ops", cred.Name)
		assert.Equal(t, "alice@example.com", cred.Subject)
		assert.Equal(t, []string{auth.RoleAdmin}, cred.Roles)
		assert.NotEmpty(t, cred.Fingerprint)
		assert.False(t, cred.CreatedAt.IsZero())

		info, err := os.Stat(filepath.Join(tmpDir, "ops.key"))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

		info, err = os.Stat(filepath.Join(tmpDir, "ops.pub"))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
	})

	t.Run("first credential becomes default", func(t *testing.T) {
		store, err := NewStore(t.TempDir())
		require.NoError(t, err)

		_, err = store.Create("first", "a", []string{auth.RoleAuditor})
		require.NoError(t, err)
		_, err = store.Create("second", "b", []string{auth.RoleAuditor})
		require.NoError(t, err)

		def, err := store.GetDefault()
		require.NoError(t, err)
		assert.Equal(t, "first", def.Name)
	})

	t.Run("duplicate name", func(t *testing.T) {
		store, err := NewStore(t.TempDir())
		require.NoError(t, err)

		_, err = store.Create("ops", "a", []string{auth.RoleAdmin})
		require.NoError(t, err)
		_, err = store.Create("ops", "a", []string{auth.RoleAdmin})
		assert.ErrorIs(t, err, ErrCredentialExists)
	})

	t.Run("unknown role", func(t *testing.T) {
		store, err := NewStore(t.TempDir())
		require.NoError(t, err)

		_, err = store.Create("ops", "a", []string{"superuser"})
		assert.ErrorIs(t, err, ErrUnknownRole)
	})
}

func TestStore_DeleteAndDefault(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := NewStore(tmpDir)
	require.NoError(t, err)

	_, err = store.Create("a", "a", []string{auth.RoleAdmin})
	require.NoError(t, err)
	_, err = store.Create("b", "b", []string{auth.RoleAuditor})
	require.NoError(t, err)

	require.NoError(t, store.SetDefault("b"))
	cred, err := store.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "b", cred.Name)

	assert.ErrorIs(t, store.SetDefault("missing"), ErrCredentialNotFound)

	require.NoError(t, store.Delete("b"))
	_, err = os.Stat(filepath.Join(tmpDir, "b.key"))
	assert.True(t, os.IsNotExist(err))

	_, err = store.GetDefault()
	assert.ErrorIs(t, err, ErrNoDefaultCredential)

	creds, err := store.List()
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, "a", creds[0].Name)

	assert.ErrorIs(t, store.Delete("b"), ErrCredentialNotFound)
}

func TestStore_LoadPrivateKeyPEM_invalid(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := NewStore(tmpDir)
	require.NoError(t, err)

	_, err = store.Create("ops", "a", []string{auth.RoleAdmin})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "ops.key"), []byte("not a key"), 0o600))

	_, err = store.LoadPrivateKeyPEM("ops")
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)
}
