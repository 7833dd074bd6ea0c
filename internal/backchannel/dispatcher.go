package backchannel

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/sessiond/internal/telemetry"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultClientTimeout = 5 * time.Second
	DefaultConcurrency   = 8
)

// Outcome records the delivery result for one client.
type Outcome struct {
	ClientID string
	URI      string
	Duration time.Duration
	Err      error
}

// Failed reports whether the notification was not delivered.
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Timeout     time.Duration
	Concurrency int
}

// Dispatcher fans logout notifications out to clients. Each client gets its
// own timeout, so one slow client never delays or fails another.
type Dispatcher struct {
	notifier    Notifier
	timeout     time.Duration
	concurrency int
}

// NewDispatcher creates a dispatcher delivering through notifier.
func NewDispatcher(notifier Notifier, cfg DispatcherConfig) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultClientTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	return &Dispatcher{
		notifier:    notifier,
		timeout:     cfg.Timeout,
		concurrency: cfg.Concurrency,
	}
}

// Send delivers every request and returns one outcome per request in the
// same order. Delivery failures are reported in the outcomes, never as an error.
// Cancelling ctx does not abort deliveries, only the per-client timeout does.
func (d *Dispatcher) Send(ctx context.Context, reqs []LogoutRequest) []Outcome {
	outcomes := make([]Outcome, len(reqs))
	if len(reqs) == 0 {
		return outcomes
	}

	g := new(errgroup.Group)
	g.SetLimit(d.concurrency)

	for i, req := range reqs {
		g.Go(func() error {
			outcomes[i] = d.deliver(ctx, req)
			return nil
		})
	}

	_ = g.Wait()

	return outcomes
}

func (d *Dispatcher) deliver(ctx context.Context, req LogoutRequest) Outcome {
	m := telemetry.GetMetrics()

	// deliveries outlive the caller, bounded by the client timeout only
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	start := time.Now()
	err := d.notifier.Notify(ctx, req)
	elapsed := time.Since(start)

	outcome := "delivered"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		outcome = "timeout"
	case err != nil:
		outcome = "failed"
	}

	attrs := metric.WithAttributes(telemetry.OutcomeKey.String(outcome), telemetry.ClientKey.String(req.ClientID))
	m.BackchannelDeliveriesTotal.Add(ctx, 1, attrs)
	m.BackchannelDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)

	if err != nil {
		log.Warn().
			Err(err).
			Str("client_id", req.ClientID).
			Str("uri", req.URI).
			Str("subject_id", req.SubjectID).
			Dur("duration", elapsed).
			Msg("backchannel logout notification failed")
	} else {
		log.Debug().
			Str("client_id", req.ClientID).
			Str("subject_id", req.SubjectID).
			Dur("duration", elapsed).
			Msg("backchannel logout notification delivered")
	}

	return Outcome{
		ClientID: req.ClientID,
		URI:      req.URI,
		Duration: elapsed,
		Err:      err,
	}
}
