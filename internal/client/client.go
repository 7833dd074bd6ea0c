package client

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/wolfeidau/sessiond/internal/backchannel"
	"github.com/wolfeidau/sessiond/internal/models"
	"github.com/wolfeidau/sessiond/internal/ticket"
)

// Config holds common client configuration
type Config struct {
	ServerURL string
	Token     string
	Timeout   time.Duration
	MaxTries  uint
	Debug     bool
}

// DefaultConfig returns a default client configuration
func DefaultConfig() Config {
	return Config{
		ServerURL: "https://localhost:8443",
		Timeout:   30 * time.Second,
		MaxTries:  3,
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Notification reports one backchannel delivery made by a removal.
type Notification struct {
	ClientID   string `json:"client_id"`
	URI        string `json:"uri"`
	Delivered  bool   `json:"delivered"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// RemoveSessionsResponse reports the effects of a removal.
type RemoveSessionsResponse struct {
	AffectedClients []string       `json:"affected_clients"`
	GrantsRevoked   int            `json:"grants_revoked"`
	ConsentsRevoked int            `json:"consents_revoked"`
	SessionsRemoved int            `json:"sessions_removed"`
	Notifications   []Notification `json:"notifications"`
}

// Client calls the session management API.
type Client struct {
	baseURL  string
	token    string
	maxTries uint
	http     *http.Client
}

// New creates an API client.
func New(cfg Config) *Client {
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 1
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.ServerURL, "/"),
		token:    cfg.Token,
		maxTries: cfg.MaxTries,
		http:     &http.Client{Timeout: cfg.Timeout},
	}
}

// QuerySessions fetches one page of sessions. Unavailable responses are retried.
func (c *Client) QuerySessions(ctx context.Context, q models.SessionQuery) (*ticket.QueryResult, error) {
	params := url.Values{}
	setParam(params, "subject_id", q.SubjectID)
	setParam(params, "session_id", q.SessionID)
	setParam(params, "display_name", q.DisplayName)
	setParam(params, "token", q.ResultsToken)
	if q.PageSize > 0 {
		params.Set("page_size", strconv.Itoa(q.PageSize))
	}
	if q.RequestPriorResults {
		params.Set("prior", "true")
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond

	return backoff.Retry(ctx, func() (*ticket.QueryResult, error) {
		var result ticket.QueryResult
		err := c.do(ctx, http.MethodGet, "/v1/sessions?"+params.Encode(), nil, &result)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode != http.StatusServiceUnavailable {
			return nil, backoff.Permanent(err)
		}
		if err != nil {
			return nil, err
		}
		return &result, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(c.maxTries))
}

// RemoveSessions ends sessions and applies the requested effects. It is never
// retried, a removal that failed part way has already committed earlier effects.
func (c *Client) RemoveSessions(ctx context.Context, rc models.RemoveSessionsContext) (*RemoveSessionsResponse, error) {
	var resp RemoveSessionsResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sessions/remove", rc, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var problem struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&problem)
		return &APIError{StatusCode: resp.StatusCode, Message: problem.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// FetchJWKS fetches the logout token signing keys published at jwksURL, keyed
// by kid. httpClient should be a caching client.
func FetchJWKS(ctx context.Context, httpClient *http.Client, jwksURL string) (map[string]*ecdsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read jwks: %w", err)
	}

	return backchannel.ParseJWKS(data)
}

func setParam(params url.Values, key, value string) {
	if value != "" {
		params.Set(key, value)
	}
}
