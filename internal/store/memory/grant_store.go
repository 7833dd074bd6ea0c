package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wolfeidau/sessiond/internal/models"
	"github.com/wolfeidau/sessiond/internal/store"
)

// GrantStore implements store.GrantStore using in-memory storage.
type GrantStore struct {
	mu     sync.RWMutex
	grants map[string]models.PersistedGrant // key -> grant
}

// NewGrantStore creates a new in-memory grant store.
func NewGrantStore() *GrantStore {
	return &GrantStore{
		grants: make(map[string]models.PersistedGrant),
	}
}

// List returns live grants matching the filter, oldest first.
func (s *GrantStore) List(ctx context.Context, filter models.GrantFilter) ([]models.PersistedGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	grants := []models.PersistedGrant{}

	for _, g := range s.grants {
		if g.Expiration != nil && !g.Expiration.After(now) {
			continue
		}
		if filter.Matches(&g) {
			grants = append(grants, g)
		}
	}

	sort.Slice(grants, func(i, j int) bool {
		return grants[i].CreationTime.Before(grants[j].CreationTime)
	})

	return grants, nil
}

// Delete removes grants matching the filter.
func (s *GrantStore) Delete(ctx context.Context, filter models.GrantFilter) (int, error) {
	if filter.SubjectID == "" {
		return 0, store.ErrInvalidFilter
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for key, g := range s.grants {
		if filter.Matches(&g) {
			delete(s.grants, key)
			count++
		}
	}

	return count, nil
}

// Store inserts or replaces a grant.
func (s *GrantStore) Store(ctx context.Context, grant models.PersistedGrant) error {
	if grant.Key == "" {
		return fmt.Errorf("grant key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.grants[grant.Key] = grant
	return nil
}

// ConsentStore implements store.ConsentStore using in-memory storage.
type ConsentStore struct {
	mu       sync.RWMutex
	consents map[consentKey]models.Consent
}

type consentKey struct {
	subjectID string
	clientID  string
}

// NewConsentStore creates a new in-memory consent store.
func NewConsentStore() *ConsentStore {
	return &ConsentStore{
		consents: make(map[consentKey]models.Consent),
	}
}

// List returns live consents matching the filter.
func (s *ConsentStore) List(ctx context.Context, filter models.ConsentFilter) ([]models.Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	consents := []models.Consent{}

	for _, c := range s.consents {
		if c.Expiration != nil && !c.Expiration.After(now) {
			continue
		}
		if filter.Matches(&c) {
			consents = append(consents, c)
		}
	}

	sort.Slice(consents, func(i, j int) bool {
		return consents[i].ClientID < consents[j].ClientID
	})

	return consents, nil
}

// Delete removes consents matching the filter.
func (s *ConsentStore) Delete(ctx context.Context, filter models.ConsentFilter) (int, error) {
	if filter.SubjectID == "" {
		return 0, store.ErrInvalidFilter
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for key, c := range s.consents {
		if filter.Matches(&c) {
			delete(s.consents, key)
			count++
		}
	}

	return count, nil
}

// Store inserts or replaces the consent for a subject and client.
func (s *ConsentStore) Store(ctx context.Context, consent models.Consent) error {
	if consent.SubjectID == "" || consent.ClientID == "" {
		return fmt.Errorf("consent requires subject id and client id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.consents[consentKey{subjectID: consent.SubjectID, clientID: consent.ClientID}] = consent
	return nil
}
