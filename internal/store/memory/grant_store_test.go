package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/sessiond/internal/models"
	"github.com/wolfeidau/sessiond/internal/store"
)

func TestGrantStore(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-time.Minute)

	seed := func(t *testing.T) *GrantStore {
		st := NewGrantStore()
		require.NoError(t, st.Store(ctx, models.PersistedGrant{Key: "g1", Type: models.GrantTypeRefreshToken, SubjectID: "alice", SessionID: "s1", ClientID: "web", CreationTime: now}))
		require.NoError(t, st.Store(ctx, models.PersistedGrant{Key: "g2", Type: models.GrantTypeRefreshToken, SubjectID: "alice", SessionID: "s2", ClientID: "mobile", CreationTime: now}))
		require.NoError(t, st.Store(ctx, models.PersistedGrant{Key: "g3", Type: models.GrantTypeReferenceToken, SubjectID: "bob", ClientID: "web", CreationTime: now}))
		require.NoError(t, st.Store(ctx, models.PersistedGrant{Key: "g4", Type: models.GrantTypeRefreshToken, SubjectID: "alice", ClientID: "api", CreationTime: now, Expiration: &past}))
		return st
	}

	t.Run("list by subject skips expired", func(t *testing.T) {
		st := seed(t)
		grants, err := st.List(ctx, models.GrantFilter{SubjectID: "alice"})
		require.NoError(t, err)
		require.Len(t, grants, 2)
	})

	t.Run("list with client filter", func(t *testing.T) {
		st := seed(t)
		grants, err := st.List(ctx, models.GrantFilter{SubjectID: "alice", ClientIDs: []string{"web"}})
		require.NoError(t, err)
		require.Len(t, grants, 1)
		require.Equal(t, "g1", grants[0].Key)
	})

	t.Run("empty client filter matches nothing", func(t *testing.T) {
		st := seed(t)
		grants, err := st.List(ctx, models.GrantFilter{SubjectID: "alice", ClientIDs: []string{}})
		require.NoError(t, err)
		require.Empty(t, grants)
	})

	t.Run("delete by subject and session", func(t *testing.T) {
		st := seed(t)
		count, err := st.Delete(ctx, models.GrantFilter{SubjectID: "alice", SessionID: "s2"})
		require.NoError(t, err)
		require.Equal(t, 1, count)

		grants, err := st.List(ctx, models.GrantFilter{SubjectID: "alice"})
		require.NoError(t, err)
		require.Len(t, grants, 1)
	})

	t.Run("store requires key", func(t *testing.T) {
		st := NewGrantStore()
		require.Error(t, st.Store(ctx, models.PersistedGrant{SubjectID: "alice"}))
	})
}

func TestConsentStore(t *testing.T) {
	ctx := context.Background()
	st := NewConsentStore()

	require.NoError(t, st.Store(ctx, models.Consent{SubjectID: "alice", ClientID: "web", Scopes: []string{"openid"}}))
	require.NoError(t, st.Store(ctx, models.Consent{SubjectID: "alice", ClientID: "mobile", Scopes: []string{"openid", "profile"}}))
	require.NoError(t, st.Store(ctx, models.Consent{SubjectID: "bob", ClientID: "web"}))

	consents, err := st.List(ctx, models.ConsentFilter{SubjectID: "alice"})
	require.NoError(t, err)
	require.Len(t, consents, 2)
	require.Equal(t, "mobile", consents[0].ClientID)

	count, err := st.Delete(ctx, models.ConsentFilter{SubjectID: "alice", ClientIDs: []string{"web"}})
	require.NoError(t, err)
	require.Equal(t, 1, count)

	consents, err = st.List(ctx, models.ConsentFilter{SubjectID: "alice"})
	require.NoError(t, err)
	require.Len(t, consents, 1)

	require.Error(t, st.Store(ctx, models.Consent{SubjectID: "alice"}))
}

func TestClientStore(t *testing.T) {
	ctx := context.Background()

	t.Run("parse registry", func(t *testing.T) {
		st, err := ParseClientStore([]byte(`
clients:
  - client_id: web
    client_name: Web App
    backchannel_logout_uri: https://web.example.com/logout
    backchannel_logout_session_required: true
  - client_id: cli
`))
		require.NoError(t, err)

		c, err := st.Get(ctx, "web")
		require.NoError(t, err)
		require.Equal(t, "https://web.example.com/logout", c.BackchannelLogoutURI)
		require.True(t, c.BackchannelLogoutSessionRequired)

		c, err = st.Get(ctx, "cli")
		require.NoError(t, err)
		require.Empty(t, c.BackchannelLogoutURI)
	})

	t.Run("unknown client", func(t *testing.T) {
		st := NewClientStore()
		_, err := st.Get(ctx, "nope")
		require.ErrorIs(t, err, store.ErrClientNotFound)
	})

	t.Run("duplicate client id", func(t *testing.T) {
		_, err := ParseClientStore([]byte("clients:\n  - client_id: a\n  - client_id: a\n"))
		require.Error(t, err)
	})

	t.Run("missing client id", func(t *testing.T) {
		_, err := ParseClientStore([]byte("clients:\n  - client_name: nameless\n"))
		require.Error(t, err)
	})
}
