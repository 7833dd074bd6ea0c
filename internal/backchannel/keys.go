package backchannel

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
)

// KeyManager holds the ECDSA P-256 keypair used to sign logout tokens.
type KeyManager struct {
	privateKey *ecdsa.PrivateKey
	publicKey  *ecdsa.PublicKey
	kid        string // Key ID (fingerprint)
}

// NewKeyManager creates a KeyManager with a fresh ECDSA P-256 keypair.
// The key ID (kid) is the base58-encoded SHA256 hash of the public key DER bytes.
func NewKeyManager() (*KeyManager, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	return newKeyManager(privateKey)
}

// LoadKeyManager reads a PEM encoded EC private key from path. Relying parties
// cache the JWKS, so a stable key should be configured outside development.
func LoadKeyManager(path string) (*KeyManager, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}

	privateKey, err := jwt.ParseECPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}

	km, err := newKeyManager(privateKey)
	if err != nil {
		return nil, err
	}

	log.Info().Str("kid", km.kid).Str("path", path).Msg("loaded logout token signing key")

	return km, nil
}

func newKeyManager(privateKey *ecdsa.PrivateKey) (*KeyManager, error) {
	if privateKey.Curve != elliptic.P256() {
		return nil, fmt.Errorf("signing key must use the P-256 curve")
	}

	kid, err := Fingerprint(&privateKey.PublicKey)
	if err != nil {
		return nil, err
	}

	return &KeyManager{
		privateKey: privateKey,
		publicKey:  &privateKey.PublicKey,
		kid:        kid,
	}, nil
}

// Fingerprint computes the key ID for a public key.
func Fingerprint(publicKey *ecdsa.PublicKey) (string, error) {
	pubKeyDER, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}

	hash := sha256.Sum256(pubKeyDER)
	return base58.Encode(hash[:]), nil
}

// Kid returns the key ID (fingerprint) for this keypair.
func (km *KeyManager) Kid() string {
	return km.kid
}

// PublicKey returns the verification key.
func (km *KeyManager) PublicKey() *ecdsa.PublicKey {
	return km.publicKey
}

// SignJWT signs claims with ES256. The token header carries the kid.
func (km *KeyManager) SignJWT(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = km.kid

	tokenString, err := token.SignedString(km.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign JWT: %w", err)
	}

	return tokenString, nil
}

// PrivateKeyPEM encodes the private key so it can be written to disk.
func (km *KeyManager) PrivateKeyPEM() ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(km.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

// JWK is a public EC key in JSON Web Key format.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Crv string `json:"crv"`
	Kid string `json:"kid"`
	X   string `json:"x"`
	Y   string `json:"y"`
	Alg string `json:"alg,omitempty"`
}

// JWKS is a JSON Web Key Set document.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK returns the public key in JWK format.
func (km *KeyManager) JWK() JWK {
	return JWK{
		Kty: "EC",
		Use: "sig",
		Crv: "P-256",
		Kid: km.kid,
		X:   base64.RawURLEncoding.EncodeToString(km.publicKey.X.FillBytes(make([]byte, 32))),
		Y:   base64.RawURLEncoding.EncodeToString(km.publicKey.Y.FillBytes(make([]byte, 32))),
		Alg: "ES256",
	}
}

// PublicKey decodes the JWK into an ECDSA public key.
func (k JWK) PublicKey() (*ecdsa.PublicKey, error) {
	if k.Kty != "EC" {
		return nil, fmt.Errorf("unsupported key type: %s", k.Kty)
	}
	if k.Crv != "P-256" {
		return nil, fmt.Errorf("unsupported curve: %s", k.Crv)
	}

	xBytes, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("failed to decode x: %w", err)
	}

	yBytes, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, fmt.Errorf("failed to decode y: %w", err)
	}

	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}

// ParseJWKS decodes a key set into public keys by kid. Keys that fail to
// parse are skipped.
func ParseJWKS(data []byte) (map[string]*ecdsa.PublicKey, error) {
	var set JWKS
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}

	keys := make(map[string]*ecdsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kid == "" {
			log.Warn().Msg("JWK missing kid")
			continue
		}

		key, err := k.PublicKey()
		if err != nil {
			log.Warn().Err(err).Str("kid", k.Kid).Msg("failed to parse JWK")
			continue
		}

		keys[k.Kid] = key
	}

	return keys, nil
}
