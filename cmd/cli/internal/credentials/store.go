package credentials

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/sessiond/internal/auth"
	"github.com/wolfeidau/sessiond/internal/backchannel"
)

// Sentinel errors
var (
	ErrCredentialNotFound  = errors.New("credential not found")
	ErrCredentialExists    = errors.New("credential already exists")
	ErrNoDefaultCredential = errors.New("no default credential set")
	ErrInvalidPrivateKey   = errors.New("invalid private key")
	ErrUnknownRole         = errors.New("unknown role")
)

// Credential is an operator identity used to sign API bearer tokens. The
// server trusts it once its public key is configured as --auth-public-key.
type Credential struct {
	Name        string    `json:"name"`
	Fingerprint string    `json:"fingerprint"`
	Subject     string    `json:"subject"`
	Roles       []string  `json:"roles"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Config represents the credentials configuration file.
type Config struct {
	Version           int                   `json:"version"`
	DefaultCredential string                `json:"default_credential,omitempty"`
	Credentials       map[string]Credential `json:"credentials"`
}

// Store manages credential storage on the local filesystem.
type Store struct {
	baseDir string
}

// NewStore creates a new credential store.
// If baseDir is empty, uses ~/.sessiond/credentials/
func NewStore(baseDir string) (*Store, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".sessiond", "credentials")
	}

	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create credentials directory: %w", err)
	}

	log.Debug().Str("baseDir", baseDir).Msg("credential store initialized")

	return &Store{baseDir: baseDir}, nil
}

// Create generates a P-256 key pair for subject with the given roles. The first
// credential created becomes the default.
func (s *Store) Create(name, subject string, roles []string) (*Credential, error) {
	for _, role := range roles {
		if _, ok := auth.RolePermissions[role]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRole, role)
		}
	}

	cfg, err := s.loadConfig()
	if err != nil {
		return nil, err
	}
	if _, ok := cfg.Credentials[name]; ok {
		return nil, ErrCredentialExists
	}

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	privateKeyDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	publicKeyDER, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	fingerprint, err := backchannel.Fingerprint(&privateKey.PublicKey)
	if err != nil {
		return nil, err
	}

	privateKeyPath := s.path(name, ".key")
	if err := os.WriteFile(privateKeyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privateKeyDER}), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write private key: %w", err)
	}

	publicKeyPath := s.path(name, ".pub")
	// #nosec G306 - public keys are meant to be shared
	if err := os.WriteFile(publicKeyPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicKeyDER}), 0o644); err != nil {
		_ = os.Remove(privateKeyPath)
		return nil, fmt.Errorf("failed to write public key: %w", err)
	}

	now := time.Now().UTC()
	cred := Credential{
		Name:        name,
		Fingerprint: fingerprint,
		Subject:     subject,
		Roles:       slices.Clone(roles),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	cfg.Credentials[name] = cred
	if len(cfg.Credentials) == 1 {
		cfg.DefaultCredential = name
	}

	if err := s.saveConfig(cfg); err != nil {
		_ = os.Remove(privateKeyPath)
		_ = os.Remove(publicKeyPath)
		return nil, err
	}

	log.Info().
		Str("name", name).
		Str("fingerprint", fingerprint).
		Strs("roles", roles).
		Msg("credential created")

	return &cred, nil
}

// Get retrieves credential metadata by name.
func (s *Store) Get(name string) (*Credential, error) {
	cfg, err := s.loadConfig()
	if err != nil {
		return nil, err
	}

	cred, ok := cfg.Credentials[name]
	if !ok {
		return nil, ErrCredentialNotFound
	}

	return &cred, nil
}

// GetDefault retrieves the default credential.
func (s *Store) GetDefault() (*Credential, error) {
	cfg, err := s.loadConfig()
	if err != nil {
		return nil, err
	}

	if cfg.DefaultCredential == "" {
		return nil, ErrNoDefaultCredential
	}

	return s.Get(cfg.DefaultCredential)
}

// Resolve returns the named credential, or the default when name is empty.
func (s *Store) Resolve(name string) (*Credential, error) {
	if name == "" {
		return s.GetDefault()
	}
	return s.Get(name)
}

// List returns all stored credentials ordered by name.
func (s *Store) List() ([]Credential, error) {
	cfg, err := s.loadConfig()
	if err != nil {
		return nil, err
	}

	credentials := make([]Credential, 0, len(cfg.Credentials))
	for _, cred := range cfg.Credentials {
		credentials = append(credentials, cred)
	}
	sort.Slice(credentials, func(i, j int) bool {
		return credentials[i].Name < credentials[j].Name
	})

	return credentials, nil
}

// Delete removes a credential and its key files.
func (s *Store) Delete(name string) error {
	cfg, err := s.loadConfig()
	if err != nil {
		return err
	}

	if _, ok := cfg.Credentials[name]; !ok {
		return ErrCredentialNotFound
	}

	for _, ext := range []string{".key", ".pub"} {
		if err := os.Remove(s.path(name, ext)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove key file: %w", err)
		}
	}

	delete(cfg.Credentials, name)
	if cfg.DefaultCredential == name {
		cfg.DefaultCredential = ""
	}

	if err := s.saveConfig(cfg); err != nil {
		return err
	}

	log.Info().Str("name", name).Msg("credential deleted")

	return nil
}

// SetDefault sets the default credential.
func (s *Store) SetDefault(name string) error {
	cfg, err := s.loadConfig()
	if err != nil {
		return err
	}

	if _, ok := cfg.Credentials[name]; !ok {
		return ErrCredentialNotFound
	}

	cfg.DefaultCredential = name

	return s.saveConfig(cfg)
}

// LoadPrivateKeyPEM returns the PEM encoded signing key of a credential.
func (s *Store) LoadPrivateKeyPEM(name string) (string, error) {
	if _, err := s.Get(name); err != nil {
		return "", err
	}

	pemData, err := os.ReadFile(s.path(name, ".key"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrCredentialNotFound
		}
		return "", fmt.Errorf("failed to read private key: %w", err)
	}

	block, _ := pem.Decode(pemData)
	if block == nil {
		return "", ErrInvalidPrivateKey
	}
	if _, err := x509.ParseECPrivateKey(block.Bytes); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	return string(pemData), nil
}

// LoadPublicKeyPEM returns the public key in PEM format, as the server expects
// it for --auth-public-key.
func (s *Store) LoadPublicKeyPEM(name string) (string, error) {
	if _, err := s.Get(name); err != nil {
		return "", err
	}

	pemData, err := os.ReadFile(s.path(name, ".pub"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrCredentialNotFound
		}
		return "", fmt.Errorf("failed to read public key: %w", err)
	}

	return string(pemData), nil
}

func (s *Store) path(name, ext string) string {
	return filepath.Join(s.baseDir, name+ext)
}

// loadConfig reads the config file, a missing file is an empty config.
func (s *Store) loadConfig() (*Config, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, "config.json"))
	if os.IsNotExist(err) {
		return &Config{Version: 1, Credentials: make(map[string]Credential)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Credentials == nil {
		cfg.Credentials = make(map[string]Credential)
	}

	return &cfg, nil
}

// saveConfig writes the config file atomically.
func (s *Store) saveConfig(cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	configPath := filepath.Join(s.baseDir, "config.json")
	tempPath := configPath + ".tmp"

	if err := os.WriteFile(tempPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if err := os.Rename(tempPath, configPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to save config: %w", err)
	}

	return nil
}
