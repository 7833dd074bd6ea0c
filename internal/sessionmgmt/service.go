package sessionmgmt

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/sessiond/internal/backchannel"
	"github.com/wolfeidau/sessiond/internal/models"
	"github.com/wolfeidau/sessiond/internal/store"
	"github.com/wolfeidau/sessiond/internal/telemetry"
	"github.com/wolfeidau/sessiond/internal/ticket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

const tracerName = "github.com/wolfeidau/sessiond/internal/sessionmgmt"

// Effect names used in errors, logs and metrics.
const (
	EffectTokens   = "revoke_tokens"
	EffectConsents = "revoke_consents"
	EffectSessions = "remove_sessions"
	EffectNotify   = "backchannel_logout"
)

// ErrSubjectRequired is returned when a removal names no subject.
var ErrSubjectRequired = fmt.Errorf("%w: subject id is required", store.ErrInvalidFilter)

// Sender fans logout notifications out to clients.
type Sender interface {
	Send(ctx context.Context, reqs []backchannel.LogoutRequest) []backchannel.Outcome
}

// RemoveSessionsResult reports what a removal did. Effects that were not
// requested report zero.
type RemoveSessionsResult struct {
	AffectedClients []string              `json:"affected_clients"`
	GrantsRevoked   int                   `json:"grants_revoked"`
	ConsentsRevoked int                   `json:"consents_revoked"`
	SessionsRemoved int                   `json:"sessions_removed"`
	Notifications   []backchannel.Outcome `json:"-"`
}

// FailedNotifications returns the notifications that were not delivered.
func (r *RemoveSessionsResult) FailedNotifications() []backchannel.Outcome {
	var failed []backchannel.Outcome
	for _, o := range r.Notifications {
		if o.Failed() {
			failed = append(failed, o)
		}
	}
	return failed
}

// EffectError reports the store failure that stopped a removal. Effects that
// ran before it stay committed.
type EffectError struct {
	Effect string
	Err    error
}

func (e *EffectError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Effect, e.Err)
}

func (e *EffectError) Unwrap() error {
	return e.Err
}

// Config holds the collaborators of a Service.
type Config struct {
	Sessions store.SessionStore
	Grants   store.GrantStore
	Consents store.ConsentStore
	Clients  store.ClientStore
	Sender   Sender
	Tickets  *ticket.Adapter
}

// Service coordinates session removal across the session, grant and consent
// stores and backchannel logout. The stores share no transaction, so each
// effect commits on its own.
type Service struct {
	sessions store.SessionStore
	grants   store.GrantStore
	consents store.ConsentStore
	clients  store.ClientStore
	sender   Sender
	tickets  *ticket.Adapter
}

// NewService creates a session management service.
func NewService(cfg Config) *Service {
	return &Service{
		sessions: cfg.Sessions,
		grants:   cfg.Grants,
		consents: cfg.Consents,
		clients:  cfg.Clients,
		sender:   cfg.Sender,
		tickets:  cfg.Tickets,
	}
}

// QuerySessions returns a page of user sessions for administrative callers.
func (s *Service) QuerySessions(ctx context.Context, q models.SessionQuery) (*ticket.QueryResult, error) {
	return s.tickets.QuerySessions(ctx, q)
}

// RemoveSessions applies the requested effects in order: revoke tokens,
// revoke consents, remove server-side sessions, send backchannel logout.
//
// The affected clients are those holding a grant for the subject (scoped to
// the session when one is given) or, for subject wide removals, a consent;
// intersected with ClientIDs when set. They drive token and consent
// revocation and notification. Session removal does not depend on them.
//
// A store failure stops the removal and is returned. Notification failures
// are recorded in the result only.
func (s *Service) RemoveSessions(ctx context.Context, rc models.RemoveSessionsContext) (*RemoveSessionsResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "RemoveSessions")
	defer span.End()

	span.SetAttributes(
		attribute.String("subject_id", rc.SubjectID),
		attribute.String("session_id", rc.SessionID),
		attribute.StringSlice("client_ids", rc.ClientIDs),
		attribute.Bool("remove_server_side_session", rc.RemoveServerSideSession),
		attribute.Bool("revoke_consents", rc.RevokeConsents),
		attribute.Bool("revoke_tokens", rc.RevokeTokens),
		attribute.Bool("send_backchannel_logout_notification", rc.SendBackchannelLogoutNotification),
	)

	result, err := s.removeSessions(ctx, rc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		var effectErr *EffectError
		if errors.As(err, &effectErr) {
			telemetry.GetMetrics().CascadeErrorsTotal.Add(ctx, 1, metric.WithAttributes(telemetry.EffectKey.String(effectErr.Effect)))
		}
	}

	return result, err
}

func (s *Service) removeSessions(ctx context.Context, rc models.RemoveSessionsContext) (*RemoveSessionsResult, error) {
	if rc.SubjectID == "" {
		return nil, ErrSubjectRequired
	}

	result := &RemoveSessionsResult{}

	needClients := rc.RevokeTokens || rc.RevokeConsents || rc.SendBackchannelLogoutNotification
	if !needClients && !rc.RemoveServerSideSession {
		return result, nil
	}

	sessionFilter := models.SessionFilter{SubjectID: rc.SubjectID, SessionID: rc.SessionID}

	var sessions []models.SessionRecord
	if rc.RemoveServerSideSession || rc.SendBackchannelLogoutNotification {
		var err error
		sessions, err = s.sessions.GetAll(ctx, sessionFilter)
		if err != nil {
			effect := EffectSessions
			if !rc.RemoveServerSideSession {
				effect = EffectNotify
			}
			return result, &EffectError{Effect: effect, Err: err}
		}
	}

	var affected affectedClients
	if needClients {
		var err error
		affected, err = s.resolveClients(ctx, rc)
		if err != nil {
			return result, err
		}
		result.AffectedClients = affected.ids
	}

	m := telemetry.GetMetrics()
	logger := log.With().Str("subject_id", rc.SubjectID).Str("session_id", rc.SessionID).Logger()

	if rc.RevokeTokens && len(affected.ids) > 0 {
		n, err := s.grants.Delete(ctx, models.GrantFilter{
			SubjectID: rc.SubjectID,
			SessionID: rc.SessionID,
			ClientIDs: affected.ids,
		})
		if err != nil {
			return result, &EffectError{Effect: EffectTokens, Err: err}
		}
		result.GrantsRevoked = n
		m.CascadeEffectsTotal.Add(ctx, int64(n), metric.WithAttributes(telemetry.EffectKey.String(EffectTokens)))
		logger.Debug().Int("count", n).Strs("client_ids", affected.ids).Msg("revoked grants")
	}

	if rc.RevokeConsents && len(affected.ids) > 0 {
		n, err := s.consents.Delete(ctx, models.ConsentFilter{
			SubjectID: rc.SubjectID,
			ClientIDs: affected.ids,
		})
		if err != nil {
			return result, &EffectError{Effect: EffectConsents, Err: err}
		}
		result.ConsentsRevoked = n
		m.CascadeEffectsTotal.Add(ctx, int64(n), metric.WithAttributes(telemetry.EffectKey.String(EffectConsents)))
		logger.Debug().Int("count", n).Strs("client_ids", affected.ids).Msg("revoked consents")
	}

	if rc.RemoveServerSideSession {
		n, err := s.sessions.Delete(ctx, sessionFilter)
		if err != nil {
			return result, &EffectError{Effect: EffectSessions, Err: err}
		}
		result.SessionsRemoved = n
		m.CascadeEffectsTotal.Add(ctx, int64(n), metric.WithAttributes(telemetry.EffectKey.String(EffectSessions)))
		m.SessionsRemovedTotal.Add(ctx, int64(n))
		logger.Debug().Int("count", n).Msg("removed server-side sessions")
	}

	if rc.SendBackchannelLogoutNotification && len(affected.ids) > 0 {
		reqs, skipped := s.logoutRequests(ctx, rc, affected, sessions)
		result.Notifications = append(skipped, s.send(ctx, reqs)...)
		m.CascadeEffectsTotal.Add(ctx, int64(len(reqs)), metric.WithAttributes(telemetry.EffectKey.String(EffectNotify)))

		if failed := result.FailedNotifications(); len(failed) > 0 {
			logger.Warn().Int("failed", len(failed)).Int("total", len(result.Notifications)).Msg("backchannel logout partially failed")
		}
	}

	logger.Info().
		Int("grants_revoked", result.GrantsRevoked).
		Int("consents_revoked", result.ConsentsRevoked).
		Int("sessions_removed", result.SessionsRemoved).
		Int("notifications", len(result.Notifications)).
		Msg("removed sessions")

	return result, nil
}

// affectedClients holds the client ids touched by a removal and, per client,
// the session ids seen on its grants.
type affectedClients struct {
	ids      []string
	sessions map[string][]string
}

func (s *Service) resolveClients(ctx context.Context, rc models.RemoveSessionsContext) (affectedClients, error) {
	grants, err := s.grants.List(ctx, models.GrantFilter{
		SubjectID: rc.SubjectID,
		SessionID: rc.SessionID,
		ClientIDs: rc.ClientIDs,
	})
	if err != nil {
		return affectedClients{}, &EffectError{Effect: EffectTokens, Err: err}
	}

	out := affectedClients{sessions: make(map[string][]string)}
	add := func(clientID string) {
		if !slices.Contains(out.ids, clientID) {
			out.ids = append(out.ids, clientID)
		}
	}

	for _, g := range grants {
		add(g.ClientID)
		if g.SessionID != "" && !slices.Contains(out.sessions[g.ClientID], g.SessionID) {
			out.sessions[g.ClientID] = append(out.sessions[g.ClientID], g.SessionID)
		}
	}

	// consents are not tied to a login, so only subject wide removals pick them up
	if rc.SessionID == "" {
		consents, err := s.consents.List(ctx, models.ConsentFilter{
			SubjectID: rc.SubjectID,
			ClientIDs: rc.ClientIDs,
		})
		if err != nil {
			return affectedClients{}, &EffectError{Effect: EffectConsents, Err: err}
		}
		for _, c := range consents {
			add(c.ClientID)
		}
	}

	slices.Sort(out.ids)

	return out, nil
}

// logoutRequests builds the notifications owed to the affected clients. A
// client whose registration cannot be read is reported as a failed outcome.
func (s *Service) logoutRequests(ctx context.Context, rc models.RemoveSessionsContext, affected affectedClients, sessions []models.SessionRecord) ([]backchannel.LogoutRequest, []backchannel.Outcome) {
	var (
		reqs    []backchannel.LogoutRequest
		skipped []backchannel.Outcome
	)

	for _, clientID := range affected.ids {
		client, err := s.clients.Get(ctx, clientID)
		if errors.Is(err, store.ErrClientNotFound) {
			log.Debug().Str("client_id", clientID).Msg("no registration for client, skipping backchannel logout")
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("client_id", clientID).Msg("failed to load client registration")
			skipped = append(skipped, backchannel.Outcome{ClientID: clientID, Err: err})
			continue
		}

		if client.BackchannelLogoutURI == "" {
			continue
		}

		base := backchannel.LogoutRequest{
			ClientID:        clientID,
			URI:             client.BackchannelLogoutURI,
			SubjectID:       rc.SubjectID,
			SessionID:       rc.SessionID,
			SessionRequired: client.BackchannelLogoutSessionRequired,
		}

		if rc.SessionID != "" || !client.BackchannelLogoutSessionRequired {
			reqs = append(reqs, base)
			continue
		}

		// the client needs a sid on every token, send one per known session
		sids := knownSessions(affected.sessions[clientID], sessions)
		if len(sids) == 0 {
			reqs = append(reqs, base)
			continue
		}
		for _, sid := range sids {
			req := base
			req.SessionID = sid
			reqs = append(reqs, req)
		}
	}

	return reqs, skipped
}

// knownSessions prefers the session ids on the client's grants and falls back
// to the subject's server-side sessions.
func knownSessions(fromGrants []string, sessions []models.SessionRecord) []string {
	if len(fromGrants) > 0 {
		return fromGrants
	}

	var sids []string
	for _, s := range sessions {
		if s.SessionID != "" && !slices.Contains(sids, s.SessionID) {
			sids = append(sids, s.SessionID)
		}
	}
	return sids
}

func (s *Service) send(ctx context.Context, reqs []backchannel.LogoutRequest) []backchannel.Outcome {
	if len(reqs) == 0 || s.sender == nil {
		return nil
	}
	return s.sender.Send(ctx, reqs)
}
