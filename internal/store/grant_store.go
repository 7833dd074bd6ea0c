package store

import (
	"context"

	"github.com/wolfeidau/sessiond/internal/models"
)

// GrantStore manages persisted grants (refresh tokens, reference tokens, codes).
type GrantStore interface {
	// List returns the live grants matching the filter.
	List(ctx context.Context, filter models.GrantFilter) ([]models.PersistedGrant, error)

	// Delete removes the grants matching the filter and returns the count.
	Delete(ctx context.Context, filter models.GrantFilter) (int, error)

	// Store inserts or replaces a grant by key.
	Store(ctx context.Context, grant models.PersistedGrant) error
}

// ConsentStore manages the scopes subjects have consented to per client.
type ConsentStore interface {
	// List returns the live consents matching the filter.
	List(ctx context.Context, filter models.ConsentFilter) ([]models.Consent, error)

	// Delete removes the consents matching the filter and returns the count.
	Delete(ctx context.Context, filter models.ConsentFilter) (int, error)

	// Store inserts or replaces the consent for a subject and client.
	Store(ctx context.Context, consent models.Consent) error
}

// ClientStore looks up relying party registrations.
type ClientStore interface {
	// Get returns the client or ErrClientNotFound.
	Get(ctx context.Context, clientID string) (*models.ClientRegistration, error)
}
