package models

import (
	"slices"
	"time"
)

// Grant types issued by the token service.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeReferenceToken    = "reference_token"
	GrantTypeDeviceCode        = "device_code"
)

// PersistedGrant is a token artifact stored on behalf of a subject and client.
type PersistedGrant struct {
	Key          string     `json:"key"`
	Type         string     `json:"type"`
	SubjectID    string     `json:"subject_id"`
	SessionID    string     `json:"session_id,omitempty"`
	ClientID     string     `json:"client_id"`
	Description  string     `json:"description,omitempty"`
	CreationTime time.Time  `json:"creation_time"`
	Expiration   *time.Time `json:"expiration,omitempty"`
	ConsumedTime *time.Time `json:"consumed_time,omitempty"`
	Data         string     `json:"data,omitempty"`
}

// GrantFilter selects persisted grants. ClientIDs nil means all clients.
type GrantFilter struct {
	SubjectID string
	SessionID string
	ClientIDs []string
	Type      string
}

// Matches reports whether the grant satisfies the filter.
func (f GrantFilter) Matches(g *PersistedGrant) bool {
	if f.SubjectID != "" && g.SubjectID != f.SubjectID {
		return false
	}
	if f.SessionID != "" && g.SessionID != f.SessionID {
		return false
	}
	if f.Type != "" && g.Type != f.Type {
		return false
	}
	if f.ClientIDs != nil && !slices.Contains(f.ClientIDs, g.ClientID) {
		return false
	}
	return true
}

// Consent records the scopes a subject granted to a client.
type Consent struct {
	SubjectID    string     `json:"subject_id"`
	ClientID     string     `json:"client_id"`
	Scopes       []string   `json:"scopes"`
	CreationTime time.Time  `json:"creation_time"`
	Expiration   *time.Time `json:"expiration,omitempty"`
}

// ConsentFilter selects consents. ClientIDs nil means all clients.
type ConsentFilter struct {
	SubjectID string
	ClientIDs []string
}

// Matches reports whether the consent satisfies the filter.
func (f ConsentFilter) Matches(c *Consent) bool {
	if f.SubjectID != "" && c.SubjectID != f.SubjectID {
		return false
	}
	if f.ClientIDs != nil && !slices.Contains(f.ClientIDs, c.ClientID) {
		return false
	}
	return true
}
