package ticket

import (
	"errors"
	"time"
)

// Claim is a single identity claim carried by the ticket.
type Claim struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Ticket is the authentication result the browser session resolves to. It is
// opaque to the session store and only ever persisted through the Codec.
type Ticket struct {
	Scheme      string            `json:"scheme"`
	SubjectID   string            `json:"sub"`
	SessionID   string            `json:"sid"`
	DisplayName string            `json:"name,omitempty"`
	Claims      []Claim           `json:"claims,omitempty"`
	Properties  map[string]string `json:"props,omitempty"`
	IssuedAt    time.Time         `json:"iat"`
	ExpiresAt   *time.Time        `json:"exp,omitempty"`
}

var (
	ErrMissingSubject = errors.New("ticket has no subject id")
	ErrMissingSession = errors.New("ticket has no session id")
)

// Validate checks the fields the session record is derived from.
func (t *Ticket) Validate() error {
	if t.SubjectID == "" {
		return ErrMissingSubject
	}
	if t.SessionID == "" {
		return ErrMissingSession
	}
	return nil
}

// Claim returns the first value of claim type typ.
func (t *Ticket) Claim(typ string) (string, bool) {
	for _, c := range t.Claims {
		if c.Type == typ {
			return c.Value, true
		}
	}
	return "", false
}
