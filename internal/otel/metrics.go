package otel

import (
	"context"
	"time"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var ForwardDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0, 120.0}

const (
	MetricProbeCount      = "relay.probe.count"
	MetricReconnectCount  = "relay.reconnect.count"
	MetricForwardCount    = "relay.forward.count"
	MetricForwardRetry    = "relay.forward.retry.count"
	MetricForwardDuration = "relay.forward.duration"
	MetricEnvelopeDropped = "relay.envelope.dropped.count"
)

// RelayInstruments holds the retriever's OpenTelemetry instruments. A nil
// value records nothing.
type RelayInstruments struct {
	probes          metric.Int64Counter
	reconnects      metric.Int64Counter
	forwards        metric.Int64Counter
	retries         metric.Int64Counter
	dropped         metric.Int64Counter
	forwardDuration metric.Float64Histogram
}

// NewRelayInstruments creates instruments on the global meter provider, so
// it should run after SetupSDK.
func NewRelayInstruments() (*RelayInstruments, error) {
	meter := otelapi.Meter(tracerName)
	instruments := &RelayInstruments{}
	var err error
	if instruments.probes, err = meter.Int64Counter(MetricProbeCount, metric.WithDescription("Liveness probes by outcome")); err != nil {
		return nil, err
	}
	if instruments.reconnects, err = meter.Int64Counter(MetricReconnectCount, metric.WithDescription("Relay session reconnects")); err != nil {
		return nil, err
	}
	if instruments.forwards, err = meter.Int64Counter(MetricForwardCount, metric.WithDescription("Messages delivered to the agent")); err != nil {
		return nil, err
	}
	if instruments.retries, err = meter.Int64Counter(MetricForwardRetry, metric.WithDescription("Forward deliveries requeued after failure")); err != nil {
		return nil, err
	}
	if instruments.dropped, err = meter.Int64Counter(MetricEnvelopeDropped, metric.WithDescription("Envelopes dropped after codec failures")); err != nil {
		return nil, err
	}
	if instruments.forwardDuration, err = meter.Float64Histogram(MetricForwardDuration,
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(ForwardDurationBuckets...),
	); err != nil {
		return nil, err
	}
	return instruments, nil
}

func (r *RelayInstruments) Probe(ctx context.Context, ok bool) {
	if r == nil {
		return
	}
	r.probes.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ok", ok)))
}

func (r *RelayInstruments) Reconnect(ctx context.Context) {
	if r == nil {
		return
	}
	r.reconnects.Add(ctx, 1)
}

func (r *RelayInstruments) Forward(ctx context.Context, duration time.Duration) {
	if r == nil {
		return
	}
	r.forwards.Add(ctx, 1)
	r.forwardDuration.Record(ctx, duration.Seconds())
}

func (r *RelayInstruments) ForwardRetry(ctx context.Context, attempt int) {
	if r == nil {
		return
	}
	r.retries.Add(ctx, 1, metric.WithAttributes(attribute.Int("attempt", attempt)))
}

func (r *RelayInstruments) EnvelopeDropped(ctx context.Context) {
	if r == nil {
		return
	}
	r.dropped.Add(ctx, 1)
}
