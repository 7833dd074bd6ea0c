package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// OperatorClaims are the claims of an admin API bearer token.
type OperatorClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// IssueToken creates a signed JWT for an operator.
// signingKeyPEM is the PEM-encoded ECDSA private key.
func IssueToken(signingKeyPEM, subject, issuer string, roles []string, ttl time.Duration) (string, error) {
	signingKey, err := jwt.ParseECPrivateKeyFromPEM([]byte(signingKeyPEM))
	if err != nil {
		return "", err
	}

	if issuer == "" {
		issuer = DefaultIssuer
	}

	now := time.Now()
	claims := &OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    issuer,
		},
		Roles: roles,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	return token.SignedString(signingKey)
}
