package backchannel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/wolfeidau/sessiond/internal/telemetry"
	"go.opentelemetry.io/otel/metric"
)

// LogoutRequest is one backchannel logout notification owed to a client.
type LogoutRequest struct {
	ClientID  string
	URI       string
	SubjectID string
	SessionID string

	// SessionRequired mirrors the client registration, the sid claim must
	// be present in the logout token.
	SessionRequired bool
}

// Notifier delivers a single logout notification.
type Notifier interface {
	Notify(ctx context.Context, req LogoutRequest) error
}

// StatusError is returned when a client answers with a non-2xx status.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("logout endpoint returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// HTTPNotifierConfig configures an HTTPNotifier.
type HTTPNotifierConfig struct {
	Client   *http.Client
	Signer   TokenSigner
	MaxTries uint
}

// HTTPNotifier POSTs a signed logout token to a client's backchannel logout URI.
type HTTPNotifier struct {
	client   *http.Client
	signer   TokenSigner
	maxTries uint
}

// NewHTTPNotifier creates an HTTP notifier. Transient failures (network errors,
// 429 and 5xx) are retried with exponential backoff up to MaxTries attempts,
// always within the deadline of the caller's context.
func NewHTTPNotifier(cfg HTTPNotifierConfig) *HTTPNotifier {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}

	maxTries := cfg.MaxTries
	if maxTries == 0 {
		maxTries = 3
	}

	return &HTTPNotifier{
		client:   client,
		signer:   cfg.Signer,
		maxTries: maxTries,
	}
}

// Notify implements Notifier.
func (n *HTTPNotifier) Notify(ctx context.Context, req LogoutRequest) error {
	if req.SessionRequired && req.SessionID == "" {
		return fmt.Errorf("client %s requires a session id", req.ClientID)
	}

	token, err := n.signer.SignLogoutToken(req)
	if err != nil {
		return err
	}

	body := url.Values{"logout_token": {token}}.Encode()
	attempts := telemetry.GetMetrics().BackchannelAttemptsTotal

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = time.Second

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempts.Add(ctx, 1, metric.WithAttributes(telemetry.ClientKey.String(req.ClientID)))
		return struct{}{}, n.post(ctx, req.URI, body)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(n.maxTries))

	return err
}

func (n *HTTPNotifier) post(ctx context.Context, uri, body string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, strings.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create logout request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	defer resp.Body.Close()

	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	statusErr := &StatusError{StatusCode: resp.StatusCode}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return statusErr
	}

	return backoff.Permanent(statusErr)
}
