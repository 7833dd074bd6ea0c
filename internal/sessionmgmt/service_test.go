package sessionmgmt

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/sessiond/internal/backchannel"
	"github.com/wolfeidau/sessiond/internal/models"
	"github.com/wolfeidau/sessiond/internal/store"
	"github.com/wolfeidau/sessiond/internal/store/memory"
	"github.com/wolfeidau/sessiond/internal/ticket"
)

// recordingSender captures logout requests and fails the clients listed in fail.
type recordingSender struct {
	mu   sync.Mutex
	reqs []backchannel.LogoutRequest
	fail map[string]bool
}

func (r *recordingSender) Send(ctx context.Context, reqs []backchannel.LogoutRequest) []backchannel.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	outcomes := make([]backchannel.Outcome, len(reqs))
	for i, req := range reqs {
		r.reqs = append(r.reqs, req)
		outcomes[i] = backchannel.Outcome{ClientID: req.ClientID, URI: req.URI}
		if r.fail[req.ClientID] {
			outcomes[i].Err = errors.New("connection refused")
		}
	}
	return outcomes
}

func (r *recordingSender) clientIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for _, req := range r.reqs {
		ids = append(ids, req.ClientID)
	}
	return ids
}

type fixture struct {
	sessions *memory.SessionStore
	grants   *memory.GrantStore
	consents *memory.ConsentStore
	clients  *memory.ClientStore
	sender   *recordingSender
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	codec, err := ticket.NewCodec()
	require.NoError(t, err)

	f := &fixture{
		sessions: memory.NewSessionStore(),
		grants:   memory.NewGrantStore(),
		consents: memory.NewConsentStore(),
		clients: memory.NewClientStore(
			models.ClientRegistration{ClientID: "web", BackchannelLogoutURI: "https://web.example.com/logout"},
			models.ClientRegistration{ClientID: "mobile", BackchannelLogoutURI: "https://mobile.example.com/logout"},
			models.ClientRegistration{ClientID: "cli"},
		),
		sender: &recordingSender{fail: map[string]bool{}},
	}

	f.svc = NewService(Config{
		Sessions: f.sessions,
		Grants:   f.grants,
		Consents: f.consents,
		Clients:  f.clients,
		Sender:   f.sender,
		Tickets:  ticket.NewAdapter(f.sessions, codec),
	})

	return f
}

func (f *fixture) addSession(t *testing.T, key, subject, sid string) {
	t.Helper()
	expires := time.Now().Add(time.Hour)
	require.NoError(t, f.sessions.Add(context.Background(), models.SessionRecord{
		Key:       key,
		SubjectID: subject,
		SessionID: sid,
		Ticket:    []byte("ticket"),
		Created:   time.Now(),
		Expires:   &expires,
	}))
}

func (f *fixture) addGrant(t *testing.T, key, subject, sid, client string) {
	t.Helper()
	require.NoError(t, f.grants.Store(context.Background(), models.PersistedGrant{
		Key:          key,
		Type:         models.GrantTypeRefreshToken,
		SubjectID:    subject,
		SessionID:    sid,
		ClientID:     client,
		CreationTime: time.Now(),
	}))
}

func (f *fixture) addConsent(t *testing.T, subject, client string) {
	t.Helper()
	require.NoError(t, f.consents.Store(context.Background(), models.Consent{
		SubjectID:    subject,
		ClientID:     client,
		Scopes:       []string{"openid"},
		CreationTime: time.Now(),
	}))
}

func (f *fixture) grantCount(t *testing.T, subject string) int {
	t.Helper()
	grants, err := f.grants.List(context.Background(), models.GrantFilter{SubjectID: subject})
	require.NoError(t, err)
	return len(grants)
}

func (f *fixture) sessionCount(t *testing.T, subject string) int {
	t.Helper()
	records, err := f.sessions.GetAll(context.Background(), models.SessionFilter{SubjectID: subject})
	require.NoError(t, err)
	return len(records)
}

func TestRemoveSessions_RevokeTokens(t *testing.T) {
	ctx := context.Background()

	t.Run("all clients", func(t *testing.T) {
		f := newFixture(t)
		f.addGrant(t, "g1", "alice", "s1", "web")
		f.addGrant(t, "g2", "alice", "s1", "mobile")
		f.addGrant(t, "g3", "bob", "s9", "web")

		res, err := f.svc.RemoveSessions(ctx, models.RemoveSessionsContext{SubjectID: "alice", RevokeTokens: true})
		require.NoError(t, err)
		require.Equal(t, 2, res.GrantsRevoked)
		require.Equal(t, []string{"mobile", "web"}, res.AffectedClients)
		require.Zero(t, f.grantCount(t, "alice"))
		require.Equal(t, 1, f.grantCount(t, "bob"))
	})

	t.Run("nonexistent client deletes nothing", func(t *testing.T) {
		f := newFixture(t)
		f.addGrant(t, "g1", "alice", "s1", "web")

		res, err := f.svc.RemoveSessions(ctx, models.RemoveSessionsContext{
			SubjectID:    "alice",
			ClientIDs:    []string{"nonexistent-client"},
			RevokeTokens: true,
		})
		require.NoError(t, err)
		require.Zero(t, res.GrantsRevoked)
		require.Empty(t, res.AffectedClients)
		require.Equal(t, 1, f.grantCount(t, "alice"))
	})

	t.Run("client filter", func(t *testing.T) {
		f := newFixture(t)
		f.addGrant(t, "g1", "alice", "s1", "web")
		f.addGrant(t, "g2", "alice", "s1", "mobile")

		res, err := f.svc.RemoveSessions(ctx, models.RemoveSessionsContext{
			SubjectID:    "alice",
			ClientIDs:    []string{"web"},
			RevokeTokens: true,
		})
		require.NoError(t, err)
		require.Equal(t, 1, res.GrantsRevoked)

		left, err := f.grants.List(ctx, models.GrantFilter{SubjectID: "alice"})
		require.NoError(t, err)
		require.Len(t, left, 1)
		require.Equal(t, "mobile", left[0].ClientID)
	})

	t.Run("session scoped", func(t *testing.T) {
		f := newFixture(t)
		f.addGrant(t, "g1", "alice", "s1", "web")
		f.addGrant(t, "g2", "alice", "s2", "web")

		res, err := f.svc.RemoveSessions(ctx, models.RemoveSessionsContext{
			SubjectID:    "alice",
			SessionID:    "s1",
			RevokeTokens: true,
		})
		require.NoError(t, err)
		require.Equal(t, 1, res.GrantsRevoked)
		require.Equal(t, 1, f.grantCount(t, "alice"))
	})
}

func TestRemoveSessions_RevokeConsents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addConsent(t, "alice", "web")
	f.addConsent(t, "alice", "mobile")
	f.addGrant(t, "g1", "alice", "s1", "web")

	res, err := f.svc.RemoveSessions(ctx, models.RemoveSessionsContext{
		SubjectID:      "alice",
		ClientIDs:      []string{"mobile"},
		RevokeConsents: true,
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.ConsentsRevoked)
	require.Zero(t, res.GrantsRevoked)
	require.Equal(t, 1, f.grantCount(t, "alice"))

	left, err := f.consents.List(ctx, models.ConsentFilter{SubjectID: "alice"})
	require.NoError(t, err)
	require.Len(t, left, 1)
	require.Equal(t, "web", left[0].ClientID)
}

func TestRemoveSessions_RemoveServerSideSession(t *testing.T) {
	ctx := context.Background()

	t.Run("leaves grants untouched", func(t *testing.T) {
		f := newFixture(t)
		f.addSession(t, "k1", "alice", "s1")
		f.addGrant(t, "g1", "alice", "s1", "web")

		res, err := f.svc.RemoveSessions(ctx, models.RemoveSessionsContext{
			SubjectID:               "alice",
			RemoveServerSideSession: true,
		})
		require.NoError(t, err)
		require.Equal(t, 1, res.SessionsRemoved)
		require.Zero(t, f.sessionCount(t, "alice"))
		require.Equal(t, 1, f.grantCount(t, "alice"))
		require.Empty(t, f.sender.clientIDs())
	})

	t.Run("works without any grants", func(t *testing.T) {
		f := newFixture(t)
		f.addSession(t, "k1", "alice", "s1")
		f.addSession(t, "k2", "alice", "s2")

		res, err := f.svc.RemoveSessions(ctx, models.RemoveSessionsContext{
			SubjectID:               "alice",
			SessionID:               "s2",
			RemoveServerSideSession: true,
			RevokeTokens:            true,
		})
		require.NoError(t, err)
		require.Equal(t, 1, res.SessionsRemoved)
		require.Equal(t, 1, f.sessionCount(t, "alice"))
	})

	t.Run("client filter does not limit session removal", func(t *testing.T) {
		f := newFixture(t)
		f.addSession(t, "k1", "alice", "s1")

		res, err := f.svc.RemoveSessions(ctx, models.RemoveSessionsContext{
			SubjectID:               "alice",
			ClientIDs:               []string{"nonexistent-client"},
			RemoveServerSideSession: true,
		})
		require.NoError(t, err)
		require.Equal(t, 1, res.SessionsRemoved)
	})
}

func TestRemoveSessions_Backchannel(t *testing.T) {
	ctx := context.Background()

	t.Run("one notification per affected client with an endpoint", func(t *testing.T) {
		f := newFixture(t)
		f.addSession(t, "k1", "alice", "s1")
		f.addGrant(t, "g1", "alice", "s1", "web")
		f.addGrant(t, "g2", "alice", "s1", "web")
		f.addGrant(t, "g3", "alice", "s1", "mobile")
		f.addGrant(t, "g4", "alice", "s1", "cli")
		f.addGrant(t, "g5", "alice", "s1", "unregistered")

		res, err := f.svc.RemoveSessions(ctx, models.RemoveSessionsContext{
			SubjectID:                         "alice",
			SendBackchannelLogoutNotification: true,
		})
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"mobile", "web"}, f.sender.clientIDs())
		require.Len(t, res.Notifications, 2)

		// notification alone revokes nothing
		require.Equal(t, 5, f.grantCount(t, "alice"))
		require.Equal(t, 1, f.sessionCount(t, "alice"))
	})

	t.Run("client filter excluding the only grant sends nothing", func(t *testing.T) {
		f := newFixture(t)
		f.addGrant(t, "g1", "alice", "s1", "web")

		res, err := f.svc.RemoveSessions(ctx, models.RemoveSessionsContext{
			SubjectID:                         "alice",
			ClientIDs:                         []string{"mobile"},
			SendBackchannelLogoutNotification: true,
		})
		require.NoError(t, err)
		require.Empty(t, f.sender.clientIDs())
		require.Empty(t, res.Notifications)
	})

	t.Run("session scoped carries sid", func(t *testing.T) {
		f := newFixture(t)
		f.addGrant(t, "g1", "alice", "s1", "web")

		_, err := f.svc.RemoveSessions(ctx, models.RemoveSessionsContext{
			SubjectID:                         "alice",
			SessionID:                         "s1",
			SendBackchannelLogoutNotification: true,
		})
		require.NoError(t, err)
		require.Len(t, f.sender.reqs, 1)
		require.Equal(t, "s1", f.sender.reqs[0].SessionID)
		require.Equal(t, "alice", f.sender.reqs[0].SubjectID)
	})

	t.Run("session required client gets one token per session", func(t *testing.T) {
		f := newFixture(t)
		f.clients.Put(models.ClientRegistration{
			ClientID:                         "web",
			BackchannelLogoutURI:             "https://web.example.com/logout",
			BackchannelLogoutSessionRequired: true,
		})
		f.addGrant(t, "g1", "alice", "s1", "web")
		f.addGrant(t, "g2", "alice", "s2", "web")

		_, err := f.svc.RemoveSessions(ctx, models.RemoveSessionsContext{
			SubjectID:                         "alice",
			SendBackchannelLogoutNotification: true,
		})
		require.NoError(t, err)
		require.Len(t, f.sender.reqs, 2)

		var sids []string
		for _, r := range f.sender.reqs {
			require.True(t, r.SessionRequired)
			sids = append(sids, r.SessionID)
		}
		require.ElementsMatch(t, []string{"s1", "s2"}, sids)
	})

	t.Run("failure is recorded and isolated", func(t *testing.T) {
		f := newFixture(t)
		f.sender.fail["web"] = true
		f.addSession(t, "k1", "alice", "s1")
		f.addGrant(t, "g1", "alice", "s1", "web")
		f.addGrant(t, "g2", "alice", "s1", "mobile")

		res, err := f.svc.RemoveSessions(ctx, models.RemoveSessionsContext{
			SubjectID:                         "alice",
			RemoveServerSideSession:           true,
			RevokeTokens:                      true,
			SendBackchannelLogoutNotification: true,
		})
		require.NoError(t, err)
		require.Len(t, res.Notifications, 2)

		failed := res.FailedNotifications()
		require.Len(t, failed, 1)
		require.Equal(t, "web", failed[0].ClientID)

		// committed effects stay committed
		require.Zero(t, f.grantCount(t, "alice"))
		require.Zero(t, f.sessionCount(t, "alice"))
	})

	t.Run("consent only clients are notified on subject wide removal", func(t *testing.T) {
		f := newFixture(t)
		f.addConsent(t, "alice", "mobile")

		_, err := f.svc.RemoveSessions(ctx, models.RemoveSessionsContext{
			SubjectID:                         "alice",
			SendBackchannelLogoutNotification: true,
		})
		require.NoError(t, err)
		require.Equal(t, []string{"mobile"}, f.sender.clientIDs())
	})
}

func TestRemoveSessions_NoEffects(t *testing.T) {
	f := newFixture(t)
	f.addSession(t, "k1", "alice", "s1")
	f.addGrant(t, "g1", "alice", "s1", "web")

	res, err := f.svc.RemoveSessions(context.Background(), models.RemoveSessionsContext{SubjectID: "alice"})
	require.NoError(t, err)
	require.Equal(t, &RemoveSessionsResult{}, res)
	require.Equal(t, 1, f.sessionCount(t, "alice"))
	require.Equal(t, 1, f.grantCount(t, "alice"))
}

func TestRemoveSessions_SubjectRequired(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RemoveSessions(context.Background(), models.RemoveSessionsContext{RemoveServerSideSession: true})
	require.ErrorIs(t, err, ErrSubjectRequired)
	require.ErrorIs(t, err, store.ErrInvalidFilter)
}

// failingGrantStore lists normally and fails deletes.
type failingGrantStore struct {
	*memory.GrantStore
}

func (failingGrantStore) Delete(context.Context, models.GrantFilter) (int, error) {
	return 0, store.ErrStoreUnavailable
}

// failingSessionStore fails deletes.
type failingSessionStore struct {
	*memory.SessionStore
}

func (failingSessionStore) Delete(context.Context, models.SessionFilter) (int, error) {
	return 0, store.ErrStoreUnavailable
}

// unreadableSessionStore fails reads.
type unreadableSessionStore struct {
	*memory.SessionStore
}

func (unreadableSessionStore) GetAll(context.Context, models.SessionFilter) ([]models.SessionRecord, error) {
	return nil, store.ErrStoreUnavailable
}

func TestRemoveSessions_StoreErrorsPropagate(t *testing.T) {
	ctx := context.Background()

	t.Run("grant store failure stops the cascade", func(t *testing.T) {
		f := newFixture(t)
		f.addSession(t, "k1", "alice", "s1")
		f.addGrant(t, "g1", "alice", "s1", "web")
		f.svc.grants = failingGrantStore{f.grants}

		_, err := f.svc.RemoveSessions(ctx, models.RemoveSessionsContext{
			SubjectID:                         "alice",
			RevokeTokens:                      true,
			RemoveServerSideSession:           true,
			SendBackchannelLogoutNotification: true,
		})
		require.ErrorIs(t, err, store.ErrStoreUnavailable)

		var effectErr *EffectError
		require.True(t, errors.As(err, &effectErr))
		require.Equal(t, EffectTokens, effectErr.Effect)

		// later effects did not run
		require.Equal(t, 1, f.sessionCount(t, "alice"))
		require.Empty(t, f.sender.clientIDs())
	})

	t.Run("session store failure keeps earlier effects", func(t *testing.T) {
		f := newFixture(t)
		f.addSession(t, "k1", "alice", "s1")
		f.addGrant(t, "g1", "alice", "s1", "web")
		f.svc.sessions = failingSessionStore{f.sessions}

		res, err := f.svc.RemoveSessions(ctx, models.RemoveSessionsContext{
			SubjectID:               "alice",
			RevokeTokens:            true,
			RemoveServerSideSession: true,
		})
		require.ErrorIs(t, err, store.ErrStoreUnavailable)
		require.Equal(t, 1, res.GrantsRevoked)
		require.Zero(t, f.grantCount(t, "alice"))
	})

	t.Run("session read failure is tagged with the requested effect", func(t *testing.T) {
		tests := []struct {
			name   string
			rc     models.RemoveSessionsContext
			effect string
		}{
			{
				name:   "notify only",
				rc:     models.RemoveSessionsContext{SubjectID: "alice", SendBackchannelLogoutNotification: true},
				effect: EffectNotify,
			},
			{
				name:   "remove sessions",
				rc:     models.RemoveSessionsContext{SubjectID: "alice", RemoveServerSideSession: true},
				effect: EffectSessions,
			},
			{
				name: "remove and notify",
				rc: models.RemoveSessionsContext{
					SubjectID:                         "alice",
					RemoveServerSideSession:           true,
					SendBackchannelLogoutNotification: true,
				},
				effect: EffectSessions,
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				f := newFixture(t)
				f.addSession(t, "k1", "alice", "s1")
				f.svc.sessions = unreadableSessionStore{f.sessions}

				_, err := f.svc.RemoveSessions(ctx, tt.rc)
				require.ErrorIs(t, err, store.ErrStoreUnavailable)

				var effectErr *EffectError
				require.True(t, errors.As(err, &effectErr))
				require.Equal(t, tt.effect, effectErr.Effect)
				require.Empty(t, f.sender.clientIDs())
			})
		}
	})
}

func TestExpiredSessionCleaner_RunOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	past := time.Now().Add(-time.Minute)
	for _, k := range []string{"e1", "e2", "e3"} {
		require.NoError(t, f.sessions.Add(ctx, models.SessionRecord{
			Key:       k,
			SubjectID: "alice",
			SessionID: k,
			Created:   time.Now().Add(-time.Hour),
			Expires:   &past,
		}))
	}
	f.addSession(t, "live", "alice", "live")
	f.addGrant(t, "g1", "alice", "e1", "web")

	cleaner := NewExpiredSessionCleaner(f.sessions, f.svc, CleanerConfig{BatchSize: 2, Notify: true})

	n, err := cleaner.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, 1, f.sessionCount(t, "alice"))

	// only the session with a grant had a client to tell
	require.Len(t, f.sender.reqs, 1)
	require.Equal(t, "e1", f.sender.reqs[0].SessionID)

	// grants survive, the cleaner only notifies
	require.Equal(t, 1, f.grantCount(t, "alice"))

	n, err = cleaner.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

// countingSessionStore counts DeleteExpired calls.
type countingSessionStore struct {
	*memory.SessionStore
	calls atomic.Int32
}

func (c *countingSessionStore) DeleteExpired(ctx context.Context, now time.Time, limit int) ([]models.SessionRecord, error) {
	c.calls.Add(1)
	return c.SessionStore.DeleteExpired(ctx, now, limit)
}

func TestExpiredSessionCleaner_StartStop(t *testing.T) {
	f := newFixture(t)
	st := &countingSessionStore{SessionStore: f.sessions}

	past := time.Now().Add(-time.Minute)
	require.NoError(t, f.sessions.Add(context.Background(), models.SessionRecord{
		Key:       "e1",
		SubjectID: "alice",
		SessionID: "e1",
		Created:   time.Now().Add(-time.Hour),
		Expires:   &past,
	}))

	cleaner := NewExpiredSessionCleaner(st, f.svc, CleanerConfig{Interval: 10 * time.Millisecond})
	cleaner.Start(context.Background())

	require.Eventually(t, func() bool {
		return st.calls.Load() > 0
	}, time.Second, 5*time.Millisecond)

	cleaner.Stop()

	calls := st.calls.Load()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, calls, st.calls.Load(), "no sweeps after stop")

	rec, err := f.sessions.Get(context.Background(), "e1")
	require.NoError(t, err)
	require.Nil(t, rec)
}
