package memory

import (
	"context"
	"sync"
	"time"

	"github.com/wolfeidau/sessiond/internal/models"
	"github.com/wolfeidau/sessiond/internal/store"
)

// SessionStore implements store.SessionStore using in-memory storage.
// This implementation is for testing and single node development - data is lost on restart.
type SessionStore struct {
	mu sync.RWMutex

	sessions          map[string]*models.SessionRecord // key -> record
	sessionsBySubject map[string]map[string]struct{}  // subject_id -> set of keys

	now func() time.Time
}

// NewSessionStore creates a new in-memory session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions:          make(map[string]*models.SessionRecord),
		sessionsBySubject: make(map[string]map[string]struct{}),
		now:               time.Now,
	}
}

// Get retrieves the live record stored at key.
func (s *SessionStore) Get(ctx context.Context, key string) (*models.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, exists := s.sessions[key]
	if !exists || record.IsExpired(s.now()) {
		return nil, nil
	}

	clone := cloneRecord(record)
	return &clone, nil
}

// GetAll returns all live records matching the filter.
func (s *SessionStore) GetAll(ctx context.Context, filter models.SessionFilter) ([]models.SessionRecord, error) {
	if err := store.ValidateFilter(filter); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.matching(func(r *models.SessionRecord) bool { return filter.Matches(r) })
	store.SortRecords(records)

	return records, nil
}

// Query returns one page of live records.
func (s *SessionStore) Query(ctx context.Context, query models.SessionQuery) (*models.SessionQueryResult, error) {
	s.mu.RLock()
	records := s.matching(func(r *models.SessionRecord) bool { return query.Matches(r) })
	s.mu.RUnlock()

	return store.Paginate(records, query)
}

// Add inserts a new record.
func (s *SessionStore) Add(ctx context.Context, record models.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	if existing, exists := s.sessions[record.Key]; exists {
		if !existing.IsExpired(now) {
			return store.ErrSessionAlreadyExists
		}
		s.remove(existing)
	}

	if s.sessionTaken(record, now) {
		return store.ErrSessionAlreadyExists
	}

	s.put(record)
	return nil
}

// Update replaces the record stored at record.Key.
func (s *SessionStore) Update(ctx context.Context, record models.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.sessions[record.Key]
	if !exists {
		return store.ErrSessionNotFound
	}

	if s.sessionTaken(record, s.now()) {
		return store.ErrSessionAlreadyExists
	}

	s.remove(existing)
	s.put(record)
	return nil
}

// Delete removes all live records matching the filter.
func (s *SessionStore) Delete(ctx context.Context, filter models.SessionFilter) (int, error) {
	if err := store.ValidateFilter(filter); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	count := 0

	for _, record := range s.candidates(filter.SubjectID) {
		if !filter.Matches(record) {
			continue
		}
		if !record.IsExpired(now) {
			count++
		}
		s.remove(record)
	}

	return count, nil
}

// DeleteByKey removes the record at key.
func (s *SessionStore) DeleteByKey(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record, exists := s.sessions[key]; exists {
		s.remove(record)
	}

	return nil
}

// DeleteExpired removes up to limit expired records (cleanup job).
func (s *SessionStore) DeleteExpired(ctx context.Context, now time.Time, limit int) ([]models.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []models.SessionRecord
	for _, record := range s.sessions {
		if record.IsExpired(now) {
			expired = append(expired, cloneRecord(record))
		}
	}

	store.SortRecords(expired)
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}

	for _, record := range expired {
		s.remove(s.sessions[record.Key])
	}

	return expired, nil
}

// matching returns clones of the live records accepted by fn. Callers hold the lock.
func (s *SessionStore) matching(fn func(*models.SessionRecord) bool) []models.SessionRecord {
	now := s.now()
	records := []models.SessionRecord{}

	for _, record := range s.sessions {
		if record.IsExpired(now) || !fn(record) {
			continue
		}
		records = append(records, cloneRecord(record))
	}

	return records
}

// candidates narrows the scan using the subject index when possible.
func (s *SessionStore) candidates(subjectID string) []*models.SessionRecord {
	var out []*models.SessionRecord

	if subjectID != "" {
		for key := range s.sessionsBySubject[subjectID] {
			out = append(out, s.sessions[key])
		}
		return out
	}

	for _, record := range s.sessions {
		out = append(out, record)
	}
	return out
}

// sessionTaken reports whether a different live record holds the same subject/session pair.
func (s *SessionStore) sessionTaken(record models.SessionRecord, now time.Time) bool {
	for key := range s.sessionsBySubject[record.SubjectID] {
		other := s.sessions[key]
		if other.Key != record.Key && other.SessionID == record.SessionID && !other.IsExpired(now) {
			return true
		}
	}
	return false
}

func (s *SessionStore) put(record models.SessionRecord) {
	clone := cloneRecord(&record)
	clone.Normalize()
	s.sessions[clone.Key] = &clone

	keys, ok := s.sessionsBySubject[clone.SubjectID]
	if !ok {
		keys = make(map[string]struct{})
		s.sessionsBySubject[clone.SubjectID] = keys
	}
	keys[clone.Key] = struct{}{}
}

func (s *SessionStore) remove(record *models.SessionRecord) {
	delete(s.sessions, record.Key)

	keys := s.sessionsBySubject[record.SubjectID]
	delete(keys, record.Key)
	// Clean up empty entries
	if len(keys) == 0 {
		delete(s.sessionsBySubject, record.SubjectID)
	}
}

// cloneRecord copies a record so callers never share the ticket buffer or expiry pointer.
func cloneRecord(r *models.SessionRecord) models.SessionRecord {
	clone := *r
	if r.Ticket != nil {
		clone.Ticket = append([]byte(nil), r.Ticket...)
	}
	if r.Expires != nil {
		e := *r.Expires
		clone.Expires = &e
	}
	return clone
}
