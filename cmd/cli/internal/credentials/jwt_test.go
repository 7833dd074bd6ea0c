package credentials

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/sessiond/internal/auth"
)

func TestJWTSigner_SignToken(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Create("ops", "alice@example.com", []string{auth.RoleAuditor})
	require.NoError(t, err)

	token, err := NewJWTSigner(store, "").SignToken("", time.Minute)
	require.NoError(t, err)

	// the server verifies with the credential's public key
	pub, err := store.LoadPublicKeyPEM("ops")
	require.NoError(t, err)
	verifier, err := auth.NewVerifierFromPEM(pub, auth.DefaultIssuer)
	require.NoError(t, err)

	principal, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", principal.Subject)
	assert.Equal(t, []string{auth.RoleAuditor}, principal.Roles)
}

func TestJWTSigner_IssuerMismatch(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Create("ops", "alice", []string{auth.RoleAdmin})
	require.NoError(t, err)

	token, err := NewJWTSigner(store, "other-issuer").SignToken("ops", time.Minute)
	require.NoError(t, err)

	pub, err := store.LoadPublicKeyPEM("ops")
	require.NoError(t, err)
	verifier, err := auth.NewVerifierFromPEM(pub, auth.DefaultIssuer)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.Error(t, err)
}

func TestJWTSigner_MissingCredential(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = NewJWTSigner(store, "").SignToken("nope", time.Minute)
	assert.ErrorIs(t, err, ErrCredentialNotFound)

	_, err = NewJWTSigner(store, "").SignToken("", time.Minute)
	assert.ErrorIs(t, err, ErrNoDefaultCredential)
}
