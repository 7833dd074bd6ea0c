package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/sessiond/internal/backchannel"
	"github.com/wolfeidau/sessiond/internal/models"
)

func TestClient_QuerySessions(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/sessions", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.Equal(t, "alice", r.URL.Query().Get("subject_id"))
		require.Equal(t, "10", r.URL.Query().Get("page_size"))

		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"total_count":1,"total_pages":1,"current_page":1,"results":[{"key":"k1","subject_id":"alice","session_id":"s1"}]}`))
	}))
	defer srv.Close()

	c := New(Config{ServerURL: srv.URL, Token: "secret", Timeout: time.Second, MaxTries: 3})
	result, err := c.QuerySessions(context.Background(), models.SessionQuery{SubjectID: "alice", PageSize: 10})
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, 1, result.TotalCount)
	require.Len(t, result.Results, 1)
	require.Equal(t, "k1", result.Results[0].Key)
}

func TestClient_QuerySessions_badRequestNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":400,"error":"invalid results token"}`))
	}))
	defer srv.Close()

	c := New(Config{ServerURL: srv.URL, MaxTries: 3})
	_, err := c.QuerySessions(context.Background(), models.SessionQuery{ResultsToken: "junk"})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	require.Equal(t, "invalid results token", apiErr.Message)
	require.Equal(t, int32(1), calls.Load())
}

func TestClient_RemoveSessions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/sessions/remove", r.URL.Path)

		var rc models.RemoveSessionsContext
		require.NoError(t, json.NewDecoder(r.Body).Decode(&rc))
		require.Equal(t, "alice", rc.SubjectID)
		require.True(t, rc.RevokeTokens)

		_, _ = w.Write([]byte(`{"affected_clients":["web"],"grants_revoked":2,"notifications":[{"client_id":"web","delivered":false,"error":"timeout"}]}`))
	}))
	defer srv.Close()

	c := New(Config{ServerURL: srv.URL})
	resp, err := c.RemoveSessions(context.Background(), models.RemoveSessionsContext{SubjectID: "alice", RevokeTokens: true})
	require.NoError(t, err)
	require.Equal(t, []string{"web"}, resp.AffectedClients)
	require.Equal(t, 2, resp.GrantsRevoked)
	require.Len(t, resp.Notifications, 1)
	require.False(t, resp.Notifications[0].Delivered)
}

func TestFetchJWKS_cached(t *testing.T) {
	keys, err := backchannel.NewKeyManager()
	require.NoError(t, err)

	var hits atomic.Int32
	handler := keys.JWKSHandler()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	defer srv.Close()

	httpClient := NewInMemoryCachingHTTPClient()
	for range 3 {
		set, err := FetchJWKS(context.Background(), httpClient, srv.URL+"/.well-known/jwks.json")
		require.NoError(t, err)
		require.Contains(t, set, keys.Kid())
	}

	require.Equal(t, int32(1), hits.Load())
}

func TestNewCachingHTTPClient_disk(t *testing.T) {
	c := NewCachingHTTPClient(t.TempDir())
	require.NotNil(t, c.Transport)
}
