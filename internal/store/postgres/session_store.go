package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/sessiond/internal/models"
	"github.com/wolfeidau/sessiond/internal/store"
)

const sessionColumns = `key, scheme, subject_id, session_id, display_name, created_at, renewed_at, expires_at, ticket`

// SessionStore implements store.SessionStore using PostgreSQL.
type SessionStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewSessionStore creates a new PostgreSQL-backed session store.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{
		pool: pool,
		now:  time.Now,
	}
}

// Get retrieves the live record stored at key.
func (s *SessionStore) Get(ctx context.Context, key string) (*models.SessionRecord, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)
	`

	rows, err := s.pool.Query(ctx, query, key, s.now())
	if err != nil {
		return nil, wrapError(err, "failed to get session")
	}

	record, err := pgx.CollectOneRow(rows, scanRecord)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapError(err, "failed to get session")
	}

	return &record, nil
}

// GetAll returns all live records matching the filter.
func (s *SessionStore) GetAll(ctx context.Context, filter models.SessionFilter) ([]models.SessionRecord, error) {
	if err := store.ValidateFilter(filter); err != nil {
		return nil, err
	}

	w := s.liveWhere(filter.SubjectID, filter.SessionID, "")

	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE ` + w.String() + `
		ORDER BY created_at, key
	`

	return s.collect(ctx, "failed to list sessions", query, w.args...)
}

// Query returns one page of live records ordered by (created_at, key).
func (s *SessionStore) Query(ctx context.Context, q models.SessionQuery) (*models.SessionQueryResult, error) {
	size := store.PageSize(q)
	w := s.liveWhere(q.SubjectID, q.SessionID, q.DisplayName)

	var total int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM sessions WHERE `+w.String(), w.args...).Scan(&total)
	if err != nil {
		return nil, wrapError(err, "failed to count sessions")
	}

	var (
		page   []models.SessionRecord
		offset int
	)

	switch {
	case q.ResultsToken == "":
		page, err = s.pageAfter(ctx, w, nil, size)

	case q.RequestPriorResults:
		cur, derr := store.DecodeCursor(q.ResultsToken)
		if derr != nil {
			return nil, derr
		}
		page, err = s.pageBefore(ctx, w, cur.First, size)
		if err == nil && len(page) < size {
			// ran off the front, show a full first page instead
			page, err = s.pageAfter(ctx, w, nil, size)
		}

	default:
		cur, derr := store.DecodeCursor(q.ResultsToken)
		if derr != nil {
			return nil, derr
		}
		page, err = s.pageAfter(ctx, w, &cur.Last, size)
		if err == nil && len(page) == 0 {
			offset, err = s.countBefore(ctx, w, cur.Last, "<=")
		}
	}
	if err != nil {
		return nil, err
	}

	if len(page) > 0 {
		offset, err = s.countBefore(ctx, w, store.PositionOf(&page[0]), "<")
		if err != nil {
			return nil, err
		}
	}

	return store.NewQueryResult(total, offset, size, page, q.ResultsToken), nil
}

// Add inserts a new record. Expired rows holding the key or the subject/session
// pair are cleared first so they never block a new login.
func (s *SessionStore) Add(ctx context.Context, record models.SessionRecord) error {
	record.Normalize()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapError(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	if err := s.clearExpired(ctx, tx, record); err != nil {
		return err
	}

	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = tx.Exec(ctx, query,
		record.Key,
		record.Scheme,
		record.SubjectID,
		record.SessionID,
		record.DisplayName,
		record.Created,
		record.Renewed,
		record.Expires,
		record.Ticket,
	)
	if err != nil {
		return wrapError(err, "failed to add session")
	}

	if err := tx.Commit(ctx); err != nil {
		return wrapError(err, "failed to commit session")
	}

	log.Debug().
		Str("key", record.Key).
		Str("subject_id", record.SubjectID).
		Str("session_id", record.SessionID).
		Msg("added session")

	return nil
}

// Update replaces the record stored at record.Key.
func (s *SessionStore) Update(ctx context.Context, record models.SessionRecord) error {
	record.Normalize()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapError(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	if _, err := tx.Exec(ctx, `
		DELETE FROM sessions
		WHERE subject_id = $1 AND session_id = $2 AND key <> $3 AND expires_at <= $4
	`, record.SubjectID, record.SessionID, record.Key, s.now()); err != nil {
		return wrapError(err, "failed to clear expired sessions")
	}

	query := `
		UPDATE sessions
		SET scheme = $2,
			subject_id = $3,
			session_id = $4,
			display_name = $5,
			created_at = $6,
			renewed_at = $7,
			expires_at = $8,
			ticket = $9
		WHERE key = $1
	`

	result, err := tx.Exec(ctx, query,
		record.Key,
		record.Scheme,
		record.SubjectID,
		record.SessionID,
		record.DisplayName,
		record.Created,
		record.Renewed,
		record.Expires,
		record.Ticket,
	)
	if err != nil {
		return wrapError(err, "failed to update session")
	}

	if result.RowsAffected() == 0 {
		return store.ErrSessionNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return wrapError(err, "failed to commit session")
	}

	log.Debug().
		Str("key", record.Key).
		Str("subject_id", record.SubjectID).
		Str("session_id", record.SessionID).
		Msg("updated session")

	return nil
}

// Delete removes the records matching the filter and returns how many were live.
func (s *SessionStore) Delete(ctx context.Context, filter models.SessionFilter) (int, error) {
	if err := store.ValidateFilter(filter); err != nil {
		return 0, err
	}

	w := &where{}
	w.args = append(w.args, s.now())
	if filter.SubjectID != "" {
		w.add("subject_id = $%d", filter.SubjectID)
	}
	if filter.SessionID != "" {
		w.add("session_id = $%d", filter.SessionID)
	}

	query := `
		DELETE FROM sessions
		WHERE ` + w.String() + `
		RETURNING (expires_at IS NULL OR expires_at > $1)
	`

	rows, err := s.pool.Query(ctx, query, w.args...)
	if err != nil {
		return 0, wrapError(err, "failed to delete sessions")
	}

	live, err := pgx.CollectRows(rows, pgx.RowTo[bool])
	if err != nil {
		return 0, wrapError(err, "failed to delete sessions")
	}

	count := 0
	for _, l := range live {
		if l {
			count++
		}
	}

	log.Debug().
		Str("subject_id", filter.SubjectID).
		Str("session_id", filter.SessionID).
		Int("count", count).
		Msg("deleted sessions")

	return count, nil
}

// DeleteByKey removes the record at key.
func (s *SessionStore) DeleteByKey(ctx context.Context, key string) error {
	query := `DELETE FROM sessions WHERE key = $1`

	result, err := s.pool.Exec(ctx, query, key)
	if err != nil {
		return wrapError(err, "failed to delete session")
	}

	if result.RowsAffected() > 0 {
		log.Debug().Str("key", key).Msg("deleted session")
	}

	return nil
}

// DeleteExpired removes up to limit expired records (cleanup job).
func (s *SessionStore) DeleteExpired(ctx context.Context, now time.Time, limit int) ([]models.SessionRecord, error) {
	query := `
		DELETE FROM sessions
		WHERE key IN (
			SELECT key FROM sessions
			WHERE expires_at <= $1
			ORDER BY created_at, key
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + sessionColumns

	records, err := s.collect(ctx, "failed to delete expired sessions", query, now, limit)
	if err != nil {
		return nil, err
	}

	store.SortRecords(records)

	if len(records) > 0 {
		log.Info().
			Int("count", len(records)).
			Msg("deleted expired sessions")
	}

	return records, nil
}

func (s *SessionStore) clearExpired(ctx context.Context, tx pgx.Tx, record models.SessionRecord) error {
	query := `
		DELETE FROM sessions
		WHERE (key = $1 OR (subject_id = $2 AND session_id = $3)) AND expires_at <= $4
	`

	if _, err := tx.Exec(ctx, query, record.Key, record.SubjectID, record.SessionID, s.now()); err != nil {
		return wrapError(err, "failed to clear expired sessions")
	}
	return nil
}

// pageAfter fetches up to size records after pos, or from the start when pos is nil.
func (s *SessionStore) pageAfter(ctx context.Context, w *where, pos *store.Position, size int) ([]models.SessionRecord, error) {
	pw := w.clone()
	if pos != nil {
		pw.addPosition(">", *pos)
	}
	pw.args = append(pw.args, size)

	query := fmt.Sprintf(`
		SELECT %s
		FROM sessions
		WHERE %s
		ORDER BY created_at, key
		LIMIT $%d
	`, sessionColumns, pw.String(), len(pw.args))

	return s.collect(ctx, "failed to query sessions", query, pw.args...)
}

// pageBefore fetches up to size records immediately before pos in ascending order.
func (s *SessionStore) pageBefore(ctx context.Context, w *where, pos store.Position, size int) ([]models.SessionRecord, error) {
	pw := w.clone()
	pw.addPosition("<", pos)
	pw.args = append(pw.args, size)

	query := fmt.Sprintf(`
		SELECT %s
		FROM sessions
		WHERE %s
		ORDER BY created_at DESC, key DESC
		LIMIT $%d
	`, sessionColumns, pw.String(), len(pw.args))

	records, err := s.collect(ctx, "failed to query sessions", query, pw.args...)
	if err != nil {
		return nil, err
	}

	slices.Reverse(records)
	return records, nil
}

func (s *SessionStore) countBefore(ctx context.Context, w *where, pos store.Position, op string) (int, error) {
	pw := w.clone()
	pw.addPosition(op, pos)

	var count int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM sessions WHERE `+pw.String(), pw.args...).Scan(&count); err != nil {
		return 0, wrapError(err, "failed to count sessions")
	}
	return count, nil
}

func (s *SessionStore) collect(ctx context.Context, msg, query string, args ...any) ([]models.SessionRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapError(err, msg)
	}

	records, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, wrapError(err, msg)
	}

	if records == nil {
		records = []models.SessionRecord{}
	}
	return records, nil
}

// liveWhere builds the shared filter for live records.
func (s *SessionStore) liveWhere(subjectID, sessionID, displayName string) *where {
	w := &where{}
	w.add("(expires_at IS NULL OR expires_at > $%d)", s.now())
	if subjectID != "" {
		w.add("subject_id = $%d", subjectID)
	}
	if sessionID != "" {
		w.add("session_id = $%d", sessionID)
	}
	if displayName != "" {
		w.add("display_name = $%d", displayName)
	}
	return w
}

func scanRecord(row pgx.CollectableRow) (models.SessionRecord, error) {
	var r models.SessionRecord
	err := row.Scan(
		&r.Key,
		&r.Scheme,
		&r.SubjectID,
		&r.SessionID,
		&r.DisplayName,
		&r.Created,
		&r.Renewed,
		&r.Expires,
		&r.Ticket,
	)
	if err != nil {
		return r, err
	}
	r.Normalize()
	return r, nil
}

// where accumulates AND-ed conditions with positional arguments.
type where struct {
	conds []string
	args  []any
}

// add appends a condition whose single placeholder is written as $%d.
func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w *where) addPosition(op string, pos store.Position) {
	w.args = append(w.args, time.UnixMicro(pos.Created).UTC(), pos.Key)
	w.conds = append(w.conds, fmt.Sprintf("(created_at, key) %s ($%d, $%d)", op, len(w.args)-1, len(w.args)))
}

func (w *where) clone() *where {
	return &where{
		conds: slices.Clone(w.conds),
		args:  slices.Clone(w.args),
	}
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return "TRUE"
	}
	return strings.Join(w.conds, " AND ")
}
