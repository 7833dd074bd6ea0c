package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/sessiond"
)

// Attribute keys shared by the session metrics.
var (
	ResultKey  = attribute.Key("result")
	EffectKey  = attribute.Key("effect")
	OutcomeKey = attribute.Key("outcome")
	ClientKey  = attribute.Key("client_id")
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Ticket metrics
	TicketResolveTotal   metric.Int64Counter
	TicketCorruptTotal   metric.Int64Counter
	TicketsPersisted     metric.Int64Counter
	SessionsRemovedTotal metric.Int64Counter

	// Cascade metrics
	CascadeEffectsTotal metric.Int64Counter
	CascadeErrorsTotal  metric.Int64Counter

	// Cleanup metrics
	ExpiredSessionsTotal metric.Int64Counter

	// Backchannel metrics
	BackchannelDeliveriesTotal metric.Int64Counter
	BackchannelAttemptsTotal   metric.Int64Counter
	BackchannelDuration        metric.Float64Histogram
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.TicketResolveTotal, _ = meter.Int64Counter(
		"sessiond.tickets.resolve.total",
		metric.WithDescription("Total number of ticket resolutions by result (hit, miss, corrupt)"),
		metric.WithUnit("{ticket}"),
	)

	m.TicketCorruptTotal, _ = meter.Int64Counter(
		"sessiond.tickets.corrupt.total",
		metric.WithDescription("Total number of stored tickets that failed to decode and were removed"),
		metric.WithUnit("{ticket}"),
	)

	m.TicketsPersisted, _ = meter.Int64Counter(
		"sessiond.tickets.persisted.total",
		metric.WithDescription("Total number of tickets written by result (created, renewed, replaced)"),
		metric.WithUnit("{ticket}"),
	)

	m.SessionsRemovedTotal, _ = meter.Int64Counter(
		"sessiond.sessions.removed.total",
		metric.WithDescription("Total number of server-side sessions removed"),
		metric.WithUnit("{session}"),
	)

	m.CascadeEffectsTotal, _ = meter.Int64Counter(
		"sessiond.cascade.effects.total",
		metric.WithDescription("Total number of records affected per revocation effect"),
		metric.WithUnit("{record}"),
	)

	m.CascadeErrorsTotal, _ = meter.Int64Counter(
		"sessiond.cascade.errors.total",
		metric.WithDescription("Total number of revocation cascades aborted by a store error"),
		metric.WithUnit("{error}"),
	)

	m.ExpiredSessionsTotal, _ = meter.Int64Counter(
		"sessiond.sessions.expired.total",
		metric.WithDescription("Total number of expired sessions removed by the cleanup job"),
		metric.WithUnit("{session}"),
	)

	m.BackchannelDeliveriesTotal, _ = meter.Int64Counter(
		"sessiond.backchannel.deliveries.total",
		metric.WithDescription("Total number of backchannel logout deliveries by outcome"),
		metric.WithUnit("{notification}"),
	)

	m.BackchannelAttemptsTotal, _ = meter.Int64Counter(
		"sessiond.backchannel.attempts.total",
		metric.WithDescription("Total number of backchannel logout HTTP attempts including retries"),
		metric.WithUnit("{attempt}"),
	)

	m.BackchannelDuration, _ = meter.Float64Histogram(
		"sessiond.backchannel.duration",
		metric.WithDescription("Duration of a backchannel logout delivery including retries"),
		metric.WithUnit("ms"),
	)

	return m
}
