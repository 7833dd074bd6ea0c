package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/sessiond/internal/models"
	"github.com/wolfeidau/sessiond/internal/store"
)

// GrantStore implements store.GrantStore using PostgreSQL.
type GrantStore struct {
	pool *pgxpool.Pool
}

// NewGrantStore creates a new PostgreSQL-backed grant store.
func NewGrantStore(pool *pgxpool.Pool) *GrantStore {
	return &GrantStore{pool: pool}
}

func grantWhere(filter models.GrantFilter) *where {
	w := &where{}
	if filter.SubjectID != "" {
		w.add("subject_id = $%d", filter.SubjectID)
	}
	if filter.SessionID != "" {
		w.add("session_id = $%d", filter.SessionID)
	}
	if filter.Type != "" {
		w.add("type = $%d", filter.Type)
	}
	if filter.ClientIDs != nil {
		w.add("client_id = ANY($%d)", filter.ClientIDs)
	}
	return w
}

// List returns live grants matching the filter, oldest first.
func (s *GrantStore) List(ctx context.Context, filter models.GrantFilter) ([]models.PersistedGrant, error) {
	w := grantWhere(filter)
	w.add("(expiration IS NULL OR expiration > $%d)", time.Now())

	query := `
		SELECT key, type, subject_id, session_id, client_id, description,
			creation_time, expiration, consumed_time, data
		FROM persisted_grants
		WHERE ` + w.String() + `
		ORDER BY creation_time, key
	`

	rows, err := s.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, wrapError(err, "failed to list grants")
	}

	grants, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.PersistedGrant, error) {
		var g models.PersistedGrant
		err := row.Scan(
			&g.Key,
			&g.Type,
			&g.SubjectID,
			&g.SessionID,
			&g.ClientID,
			&g.Description,
			&g.CreationTime,
			&g.Expiration,
			&g.ConsumedTime,
			&g.Data,
		)
		return g, err
	})
	if err != nil {
		return nil, wrapError(err, "failed to list grants")
	}

	if grants == nil {
		grants = []models.PersistedGrant{}
	}
	return grants, nil
}

// Delete removes grants matching the filter.
func (s *GrantStore) Delete(ctx context.Context, filter models.GrantFilter) (int, error) {
	if filter.SubjectID == "" {
		return 0, store.ErrInvalidFilter
	}

	w := grantWhere(filter)

	result, err := s.pool.Exec(ctx, `DELETE FROM persisted_grants WHERE `+w.String(), w.args...)
	if err != nil {
		return 0, wrapError(err, "failed to delete grants")
	}

	count := int(result.RowsAffected())

	log.Debug().
		Str("subject_id", filter.SubjectID).
		Strs("client_ids", filter.ClientIDs).
		Int("count", count).
		Msg("deleted grants")

	return count, nil
}

// Store inserts or replaces a grant.
func (s *GrantStore) Store(ctx context.Context, g models.PersistedGrant) error {
	if g.Key == "" {
		return fmt.Errorf("grant key is required")
	}

	query := `
		INSERT INTO persisted_grants (
			key, type, subject_id, session_id, client_id, description,
			creation_time, expiration, consumed_time, data
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (key) DO UPDATE SET
			type = EXCLUDED.type,
			subject_id = EXCLUDED.subject_id,
			session_id = EXCLUDED.session_id,
			client_id = EXCLUDED.client_id,
			description = EXCLUDED.description,
			creation_time = EXCLUDED.creation_time,
			expiration = EXCLUDED.expiration,
			consumed_time = EXCLUDED.consumed_time,
			data = EXCLUDED.data
	`

	_, err := s.pool.Exec(ctx, query,
		g.Key, g.Type, g.SubjectID, g.SessionID, g.ClientID, g.Description,
		g.CreationTime, g.Expiration, g.ConsumedTime, g.Data,
	)
	if err != nil {
		return wrapError(err, "failed to store grant")
	}

	return nil
}

// ConsentStore implements store.ConsentStore using PostgreSQL.
type ConsentStore struct {
	pool *pgxpool.Pool
}

// NewConsentStore creates a new PostgreSQL-backed consent store.
func NewConsentStore(pool *pgxpool.Pool) *ConsentStore {
	return &ConsentStore{pool: pool}
}

func consentWhere(filter models.ConsentFilter) *where {
	w := &where{}
	if filter.SubjectID != "" {
		w.add("subject_id = $%d", filter.SubjectID)
	}
	if filter.ClientIDs != nil {
		w.add("client_id = ANY($%d)", filter.ClientIDs)
	}
	return w
}

// List returns live consents matching the filter.
func (s *ConsentStore) List(ctx context.Context, filter models.ConsentFilter) ([]models.Consent, error) {
	w := consentWhere(filter)
	w.add("(expiration IS NULL OR expiration > $%d)", time.Now())

	query := `
		SELECT subject_id, client_id, scopes, creation_time, expiration
		FROM consents
		WHERE ` + w.String() + `
		ORDER BY client_id
	`

	rows, err := s.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, wrapError(err, "failed to list consents")
	}

	consents, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Consent, error) {
		var c models.Consent
		err := row.Scan(&c.SubjectID, &c.ClientID, &c.Scopes, &c.CreationTime, &c.Expiration)
		return c, err
	})
	if err != nil {
		return nil, wrapError(err, "failed to list consents")
	}

	if consents == nil {
		consents = []models.Consent{}
	}
	return consents, nil
}

// Delete removes consents matching the filter.
func (s *ConsentStore) Delete(ctx context.Context, filter models.ConsentFilter) (int, error) {
	if filter.SubjectID == "" {
		return 0, store.ErrInvalidFilter
	}

	w := consentWhere(filter)

	result, err := s.pool.Exec(ctx, `DELETE FROM consents WHERE `+w.String(), w.args...)
	if err != nil {
		return 0, wrapError(err, "failed to delete consents")
	}

	count := int(result.RowsAffected())

	log.Debug().
		Str("subject_id", filter.SubjectID).
		Strs("client_ids", filter.ClientIDs).
		Int("count", count).
		Msg("deleted consents")

	return count, nil
}

// Store inserts or replaces the consent for a subject and client.
func (s *ConsentStore) Store(ctx context.Context, c models.Consent) error {
	if c.SubjectID == "" || c.ClientID == "" {
		return fmt.Errorf("consent requires subject id and client id")
	}

	scopes := c.Scopes
	if scopes == nil {
		scopes = []string{}
	}

	query := `
		INSERT INTO consents (subject_id, client_id, scopes, creation_time, expiration)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (subject_id, client_id) DO UPDATE SET
			scopes = EXCLUDED.scopes,
			creation_time = EXCLUDED.creation_time,
			expiration = EXCLUDED.expiration
	`

	if _, err := s.pool.Exec(ctx, query, c.SubjectID, c.ClientID, scopes, c.CreationTime, c.Expiration); err != nil {
		return wrapError(err, "failed to store consent")
	}

	return nil
}
