package credentials

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/sessiond/internal/auth"
)

// TokenExpiry is the default lifetime of a signed operator token.
const TokenExpiry = 15 * time.Minute

// JWTSigner signs operator tokens with stored credentials.
type JWTSigner struct {
	store  *Store
	issuer string
}

// NewJWTSigner creates a new JWT signer. An empty issuer uses auth.DefaultIssuer.
func NewJWTSigner(store *Store, issuer string) *JWTSigner {
	return &JWTSigner{store: store, issuer: issuer}
}

// SignToken creates a token for the named credential, or the default one when
// name is empty, carrying the credential's subject and roles.
func (s *JWTSigner) SignToken(name string, ttl time.Duration) (string, error) {
	cred, err := s.store.Resolve(name)
	if err != nil {
		return "", err
	}

	keyPEM, err := s.store.LoadPrivateKeyPEM(cred.Name)
	if err != nil {
		return "", err
	}

	if ttl <= 0 {
		ttl = TokenExpiry
	}

	token, err := auth.IssueToken(keyPEM, cred.Subject, s.issuer, cred.Roles, ttl)
	if err != nil {
		return "", err
	}

	log.Debug().
		Str("credential", cred.Name).
		Str("subject", cred.Subject).
		Dur("ttl", ttl).
		Msg("signed operator token")

	return token, nil
}
