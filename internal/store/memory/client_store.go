package memory

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/sessiond/internal/models"
	"github.com/wolfeidau/sessiond/internal/store"
	"gopkg.in/yaml.v3"
)

// clientsFile is the on-disk layout of a client registry.
type clientsFile struct {
	Clients []models.ClientRegistration `yaml:"clients"`
}

// ClientStore implements store.ClientStore from a static registry.
type ClientStore struct {
	mu      sync.RWMutex
	clients map[string]models.ClientRegistration
}

// NewClientStore creates a client store holding the given registrations.
func NewClientStore(clients ...models.ClientRegistration) *ClientStore {
	s := &ClientStore{
		clients: make(map[string]models.ClientRegistration, len(clients)),
	}
	for _, c := range clients {
		s.clients[c.ClientID] = c
	}
	return s
}

// LoadClientStore reads a YAML client registry from path.
func LoadClientStore(path string) (*ClientStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read clients file: %w", err)
	}

	return ParseClientStore(data)
}

// ParseClientStore parses a YAML client registry.
func ParseClientStore(data []byte) (*ClientStore, error) {
	var file clientsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse clients file: %w", err)
	}

	seen := make(map[string]bool, len(file.Clients))
	for i, c := range file.Clients {
		if c.ClientID == "" {
			return nil, fmt.Errorf("client %d: client_id is required", i)
		}
		if seen[c.ClientID] {
			return nil, fmt.Errorf("client %q: duplicate client_id", c.ClientID)
		}
		seen[c.ClientID] = true
	}

	log.Debug().Int("count", len(file.Clients)).Msg("loaded client registry")

	return NewClientStore(file.Clients...), nil
}

// Get returns the registration for clientID.
func (s *ClientStore) Get(ctx context.Context, clientID string) (*models.ClientRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[clientID]
	if !ok {
		return nil, store.ErrClientNotFound
	}
	return &c, nil
}

// Put adds or replaces a registration.
func (s *ClientStore) Put(c models.ClientRegistration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients[c.ClientID] = c
}
