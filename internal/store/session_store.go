package store

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/sessiond/internal/models"
)

// Errors
var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionAlreadyExists = errors.New("session already exists")
	ErrInvalidFilter        = errors.New("filter requires a subject id or session id")
	ErrInvalidResultsToken  = errors.New("invalid results token")
	ErrStoreUnavailable     = errors.New("store unavailable")
	ErrClientNotFound       = errors.New("client not found")
)

// SessionStore persists server-side session records.
//
// Reads never return expired records. Lookups that find nothing return a nil
// record and a nil error, errors are reserved for store failures.
type SessionStore interface {
	// Get returns the live record at key, or nil.
	Get(ctx context.Context, key string) (*models.SessionRecord, error)

	// GetAll returns every live record matching the filter.
	GetAll(ctx context.Context, filter models.SessionFilter) ([]models.SessionRecord, error)

	// Query returns one page of live records ordered by (Created, Key).
	Query(ctx context.Context, query models.SessionQuery) (*models.SessionQueryResult, error)

	// Add inserts a new record, failing with ErrSessionAlreadyExists when the key
	// or the subject/session pair is held by a live record.
	Add(ctx context.Context, record models.SessionRecord) error

	// Update replaces the record at record.Key, failing with ErrSessionNotFound.
	Update(ctx context.Context, record models.SessionRecord) error

	// Delete removes every live record matching the filter and returns the count.
	Delete(ctx context.Context, filter models.SessionFilter) (int, error)

	// DeleteByKey removes the record at key, a missing key is not an error.
	DeleteByKey(ctx context.Context, key string) error

	// DeleteExpired removes up to limit records expired at now and returns them.
	DeleteExpired(ctx context.Context, now time.Time, limit int) ([]models.SessionRecord, error)
}

// ValidateFilter rejects filters that would select every record.
func ValidateFilter(filter models.SessionFilter) error {
	if filter.IsEmpty() {
		return ErrInvalidFilter
	}
	return nil
}
