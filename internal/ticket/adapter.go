package ticket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/sessiond/internal/models"
	"github.com/wolfeidau/sessiond/internal/store"
	"github.com/wolfeidau/sessiond/internal/telemetry"
	"go.opentelemetry.io/otel/metric"
)

// UserSession is a live session record together with its decoded ticket.
type UserSession struct {
	Key         string     `json:"key"`
	Scheme      string     `json:"scheme"`
	SubjectID   string     `json:"subject_id"`
	SessionID   string     `json:"session_id"`
	DisplayName string     `json:"display_name,omitempty"`
	Created     time.Time  `json:"created"`
	Renewed     time.Time  `json:"renewed"`
	Expires     *time.Time `json:"expires,omitempty"`
	Ticket      *Ticket    `json:"ticket"`
}

// QueryResult is a page of user sessions. The pagination metadata is exactly
// what the session store returned for the same query.
type QueryResult struct {
	ResultsToken   string        `json:"results_token,omitempty"`
	HasPrevResults bool          `json:"has_prev_results"`
	HasNextResults bool          `json:"has_next_results"`
	TotalCount     int           `json:"total_count"`
	TotalPages     int           `json:"total_pages"`
	CurrentPage    int           `json:"current_page"`
	Results        []UserSession `json:"results"`
}

// Adapter maps between the correlation handle a browser holds and the ticket
// stored server-side. A stored ticket that no longer decodes is treated as
// absent and deleted, forcing a fresh login instead of an error.
type Adapter struct {
	store store.SessionStore
	codec *Codec
	now   func() time.Time
}

// NewAdapter creates a ticket adapter over a session store.
func NewAdapter(st store.SessionStore, codec *Codec) *Adapter {
	return &Adapter{
		store: st,
		codec: codec,
		now:   time.Now,
	}
}

// NewKey allocates a correlation handle.
func NewKey() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base58.Encode(id[:]), nil
}

// Store persists a ticket for a fresh login and returns its new key.
func (a *Adapter) Store(ctx context.Context, t *Ticket) (string, error) {
	key, err := NewKey()
	if err != nil {
		return "", err
	}

	record, err := a.toRecord(key, t, a.issuedAt(t))
	if err != nil {
		return "", err
	}

	if err := a.store.Add(ctx, record); err != nil {
		return "", fmt.Errorf("failed to store ticket: %w", err)
	}

	telemetry.GetMetrics().TicketsPersisted.Add(ctx, 1, metric.WithAttributes(telemetry.ResultKey.String("created")))

	log.Debug().
		Str("key", key).
		Str("subject_id", t.SubjectID).
		Str("session_id", t.SessionID).
		Msg("stored ticket")

	return key, nil
}

// Renew persists a ticket under an existing key. A refresh of the same session
// keeps the original creation time, a new login under the key replaces it.
func (a *Adapter) Renew(ctx context.Context, key string, t *Ticket) error {
	if key == "" {
		return fmt.Errorf("key is required")
	}

	existing, err := a.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}

	if existing == nil {
		return a.addOrUpdate(ctx, key, t)
	}

	created := a.issuedAt(t)
	result := "replaced"
	if existing.SubjectID == t.SubjectID && existing.SessionID == t.SessionID {
		created = existing.Created
		result = "renewed"
	}

	record, err := a.toRecord(key, t, created)
	if err != nil {
		return err
	}

	err = a.store.Update(ctx, record)
	if errors.Is(err, store.ErrSessionNotFound) {
		// removed between the read and the write, start over as a new record
		return a.addOrUpdate(ctx, key, t)
	}
	if err != nil {
		return fmt.Errorf("failed to renew ticket: %w", err)
	}

	telemetry.GetMetrics().TicketsPersisted.Add(ctx, 1, metric.WithAttributes(telemetry.ResultKey.String(result)))

	log.Debug().
		Str("key", key).
		Str("subject_id", t.SubjectID).
		Str("session_id", t.SessionID).
		Str("result", result).
		Msg("renewed ticket")

	return nil
}

// addOrUpdate writes a ticket at key when no live record was found, falling
// back to an update if a concurrent writer created one first.
func (a *Adapter) addOrUpdate(ctx context.Context, key string, t *Ticket) error {
	record, err := a.toRecord(key, t, a.issuedAt(t))
	if err != nil {
		return err
	}

	err = a.store.Add(ctx, record)
	if errors.Is(err, store.ErrSessionAlreadyExists) {
		err = a.store.Update(ctx, record)
	}
	if err != nil {
		return fmt.Errorf("failed to store ticket: %w", err)
	}

	telemetry.GetMetrics().TicketsPersisted.Add(ctx, 1, metric.WithAttributes(telemetry.ResultKey.String("created")))

	return nil
}

// Resolve returns the ticket stored at key, or nil when the browser is not
// authenticated. Store failures are returned as errors, never as absence.
func (a *Adapter) Resolve(ctx context.Context, key string) (*Ticket, error) {
	m := telemetry.GetMetrics()

	record, err := a.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve ticket: %w", err)
	}

	if record == nil {
		m.TicketResolveTotal.Add(ctx, 1, metric.WithAttributes(telemetry.ResultKey.String("miss")))
		return nil, nil
	}

	result := a.codec.Decode(record.Ticket)
	if !result.OK() {
		m.TicketResolveTotal.Add(ctx, 1, metric.WithAttributes(telemetry.ResultKey.String("corrupt")))
		a.discard(ctx, record, result.Err)
		return nil, nil
	}

	m.TicketResolveTotal.Add(ctx, 1, metric.WithAttributes(telemetry.ResultKey.String("hit")))

	return result.Ticket, nil
}

// Remove deletes the session at key (logout).
func (a *Adapter) Remove(ctx context.Context, key string) error {
	if err := a.store.DeleteByKey(ctx, key); err != nil {
		return fmt.Errorf("failed to remove ticket: %w", err)
	}

	telemetry.GetMetrics().SessionsRemovedTotal.Add(ctx, 1)

	log.Debug().Str("key", key).Msg("removed ticket")

	return nil
}

// GetSessions returns every live session matching the filter. Records whose
// ticket no longer decodes are skipped and deleted.
func (a *Adapter) GetSessions(ctx context.Context, filter models.SessionFilter) ([]UserSession, error) {
	records, err := a.store.GetAll(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to get sessions: %w", err)
	}

	return a.decodeAll(ctx, records), nil
}

// QuerySessions returns one page of live sessions. Corrupted records are
// dropped from the page without adjusting the store's pagination metadata.
func (a *Adapter) QuerySessions(ctx context.Context, q models.SessionQuery) (*QueryResult, error) {
	res, err := a.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}

	return &QueryResult{
		ResultsToken:   res.ResultsToken,
		HasPrevResults: res.HasPrevResults,
		HasNextResults: res.HasNextResults,
		TotalCount:     res.TotalCount,
		TotalPages:     res.TotalPages,
		CurrentPage:    res.CurrentPage,
		Results:        a.decodeAll(ctx, res.Results),
	}, nil
}

func (a *Adapter) decodeAll(ctx context.Context, records []models.SessionRecord) []UserSession {
	sessions := make([]UserSession, 0, len(records))

	for i := range records {
		record := &records[i]

		result := a.codec.Decode(record.Ticket)
		if !result.OK() {
			a.discard(ctx, record, result.Err)
			continue
		}

		sessions = append(sessions, UserSession{
			Key:         record.Key,
			Scheme:      record.Scheme,
			SubjectID:   record.SubjectID,
			SessionID:   record.SessionID,
			DisplayName: record.DisplayName,
			Created:     record.Created,
			Renewed:     record.Renewed,
			Expires:     record.Expires,
			Ticket:      result.Ticket,
		})
	}

	return sessions
}

// discard deletes a record whose ticket failed to decode. Failure to delete is
// logged only, the record stays unusable and the next read will try again.
//
// The delete is scoped to the subject and session read with the corrupted
// ticket, so a login that replaced the record under the same key survives.
func (a *Adapter) discard(ctx context.Context, record *models.SessionRecord, reason error) {
	telemetry.GetMetrics().TicketCorruptTotal.Add(ctx, 1)

	log.Warn().
		Err(reason).
		Str("key", record.Key).
		Str("subject_id", record.SubjectID).
		Str("session_id", record.SessionID).
		Msg("removing session with corrupted ticket")

	var err error
	if record.SubjectID != "" && record.SessionID != "" {
		_, err = a.store.Delete(ctx, models.SessionFilter{
			SubjectID: record.SubjectID,
			SessionID: record.SessionID,
		})
	} else {
		// no pair to scope on, the key is all we have
		err = a.store.DeleteByKey(ctx, record.Key)
	}
	if err != nil {
		log.Error().Err(err).Str("key", record.Key).Msg("failed to remove corrupted session")
	}
}

func (a *Adapter) toRecord(key string, t *Ticket, created time.Time) (models.SessionRecord, error) {
	data, err := a.codec.Encode(t)
	if err != nil {
		return models.SessionRecord{}, fmt.Errorf("failed to encode ticket: %w", err)
	}

	record := models.SessionRecord{
		Key:         key,
		Scheme:      t.Scheme,
		SubjectID:   t.SubjectID,
		SessionID:   t.SessionID,
		DisplayName: t.DisplayName,
		Ticket:      data,
		Created:     created,
		Renewed:     a.now(),
		Expires:     t.ExpiresAt,
	}
	record.Normalize()

	return record, nil
}

func (a *Adapter) issuedAt(t *Ticket) time.Time {
	if t.IssuedAt.IsZero() {
		return a.now()
	}
	return t.IssuedAt
}
