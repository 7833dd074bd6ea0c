package models

import (
	"time"
)

// SessionRecord is the server-side record of a single login.
// The Key is the only value held by the browser, all session data lives server-side.
type SessionRecord struct {
	Key         string    `json:"key" dynamodbav:"key"`                 // correlation handle held by the client
	Scheme      string    `json:"scheme" dynamodbav:"scheme"`           // authentication scheme that issued the ticket
	SubjectID   string    `json:"subject_id" dynamodbav:"subject_id"`   // who is logged in
	SessionID   string    `json:"session_id" dynamodbav:"session_id"`   // protocol session id (sid)
	DisplayName string    `json:"display_name,omitempty" dynamodbav:"display_name,omitempty"`
	Ticket      []byte    `json:"-" dynamodbav:"ticket"` // serialized ticket, opaque to the store

	Created time.Time  `json:"created" dynamodbav:"created"`
	Renewed time.Time  `json:"renewed" dynamodbav:"renewed"`
	Expires *time.Time `json:"expires,omitempty" dynamodbav:"expires,omitempty"`
}

// IsExpired returns true if the record has an expiry at or before now.
func (r *SessionRecord) IsExpired(now time.Time) bool {
	return r.Expires != nil && !r.Expires.After(now)
}

// Normalize truncates timestamps to microseconds in UTC so every backend
// orders records identically.
func (r *SessionRecord) Normalize() {
	r.Created = NormalizeTime(r.Created)
	r.Renewed = NormalizeTime(r.Renewed)
	if r.Expires != nil {
		e := NormalizeTime(*r.Expires)
		r.Expires = &e
	}
}

// NormalizeTime returns t in UTC truncated to microsecond precision.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// SessionFilter selects session records by equality on the set fields.
type SessionFilter struct {
	SubjectID string `json:"subject_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// IsEmpty reports whether neither field is set.
func (f SessionFilter) IsEmpty() bool {
	return f.SubjectID == "" && f.SessionID == ""
}

// Matches reports whether the record satisfies the filter.
func (f SessionFilter) Matches(r *SessionRecord) bool {
	if f.SubjectID != "" && r.SubjectID != f.SubjectID {
		return false
	}
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	return true
}

// SessionQuery describes one page request over session records.
type SessionQuery struct {
	SubjectID   string `json:"subject_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`

	// PageSize is the number of records requested, 0 uses the default.
	PageSize int `json:"page_size,omitempty"`

	// ResultsToken is the opaque cursor returned with a previous page.
	ResultsToken string `json:"results_token,omitempty"`

	// RequestPriorResults pages backwards from the cursor.
	RequestPriorResults bool `json:"request_prior_results,omitempty"`
}

// Matches reports whether the record satisfies the query's filters.
func (q SessionQuery) Matches(r *SessionRecord) bool {
	if q.DisplayName != "" && r.DisplayName != q.DisplayName {
		return false
	}
	return SessionFilter{SubjectID: q.SubjectID, SessionID: q.SessionID}.Matches(r)
}

// SessionQueryResult is one page of session records plus pagination metadata.
type SessionQueryResult struct {
	ResultsToken   string          `json:"results_token,omitempty"`
	HasPrevResults bool            `json:"has_prev_results"`
	HasNextResults bool            `json:"has_next_results"`
	TotalCount     int             `json:"total_count"`
	TotalPages     int             `json:"total_pages"`
	CurrentPage    int             `json:"current_page"`
	Results        []SessionRecord `json:"results"`
}

// RemoveSessionsContext selects the sessions to end and the effects to apply.
type RemoveSessionsContext struct {
	SubjectID string   `json:"subject_id"`
	SessionID string   `json:"session_id,omitempty"`
	ClientIDs []string `json:"client_ids,omitempty"` // nil means all clients

	RemoveServerSideSession           bool `json:"remove_server_side_session"`
	RevokeConsents                    bool `json:"revoke_consents"`
	RevokeTokens                      bool `json:"revoke_tokens"`
	SendBackchannelLogoutNotification bool `json:"send_backchannel_logout_notification"`
}

// RemoveAll returns a context with every effect enabled for the subject.
func RemoveAll(subjectID string) RemoveSessionsContext {
	return RemoveSessionsContext{
		SubjectID:                         subjectID,
		RemoveServerSideSession:           true,
		RevokeConsents:                    true,
		RevokeTokens:                      true,
		SendBackchannelLogoutNotification: true,
	}
}
