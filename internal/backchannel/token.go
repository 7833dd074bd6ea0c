package backchannel

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// LogoutEvent is the event type identifying a backchannel logout token.
const LogoutEvent = "http://schemas.openid.net/event/backchannel-logout"

// DefaultTokenLifetime bounds how long a relying party will accept a logout token.
const DefaultTokenLifetime = 2 * time.Minute

var (
	ErrNotLogoutToken    = errors.New("token is not a logout token")
	ErrMissingIdentity   = errors.New("logout token carries neither sub nor sid")
	ErrNonceNotAllowed   = errors.New("logout token must not carry a nonce")
	ErrUnknownSigningKey = errors.New("logout token signed with an unknown key")
)

// LogoutClaims is the claim set of a logout token.
type LogoutClaims struct {
	jwt.RegisteredClaims
	SessionID string         `json:"sid,omitempty"`
	Events    map[string]any `json:"events"`
	Nonce     string         `json:"nonce,omitempty"`
}

// TokenSigner produces the logout token sent to one client.
type TokenSigner interface {
	SignLogoutToken(req LogoutRequest) (string, error)
}

// JWTSigner signs logout tokens with the identity provider key.
type JWTSigner struct {
	keys     *KeyManager
	issuer   string
	lifetime time.Duration
	now      func() time.Time
}

// NewJWTSigner creates a logout token signer for issuer.
func NewJWTSigner(keys *KeyManager, issuer string, lifetime time.Duration) *JWTSigner {
	if lifetime <= 0 {
		lifetime = DefaultTokenLifetime
	}

	return &JWTSigner{
		keys:     keys,
		issuer:   issuer,
		lifetime: lifetime,
		now:      time.Now,
	}
}

// SignLogoutToken builds and signs the logout token for a request. The sid
// claim is included whenever the request carries a session id.
func (s *JWTSigner) SignLogoutToken(req LogoutRequest) (string, error) {
	now := s.now()

	claims := LogoutClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   req.SubjectID,
			Audience:  jwt.ClaimStrings{req.ClientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.lifetime)),
			ID:        uuid.NewString(),
		},
		SessionID: req.SessionID,
		Events:    map[string]any{LogoutEvent: map[string]any{}},
	}

	token, err := s.keys.SignJWT(claims)
	if err != nil {
		return "", fmt.Errorf("failed to sign logout token: %w", err)
	}

	return token, nil
}

// VerifyLogoutToken validates a logout token the way a relying party would:
// ES256 signature from a known key, issuer, audience, lifetime, the logout
// event claim, at least one of sub and sid, and no nonce.
func VerifyLogoutToken(tokenString string, keys map[string]*ecdsa.PublicKey, issuer, audience string) (*LogoutClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	claims := &LogoutClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := keys[kid]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSigningKey, kid)
		}
		return key, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid logout token: %w", err)
	}

	if _, ok := claims.Events[LogoutEvent]; !ok {
		return nil, ErrNotLogoutToken
	}

	if claims.Subject == "" && claims.SessionID == "" {
		return nil, ErrMissingIdentity
	}

	if claims.Nonce != "" {
		return nil, ErrNonceNotAllowed
	}

	return claims, nil
}
