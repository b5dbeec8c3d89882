package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce           sync.Once
	metricsInitErr        error
	policyExecCounter     metric.Int64Counter
	policyLatency         metric.Float64Histogram
	chainExecCounter      metric.Int64Counter
	chainFailureCounter   metric.Int64Counter
	chainLatencyHistogram metric.Float64Histogram
)

// PolicyMetrics captures one policy step of a chain.
type PolicyMetrics struct {
	APIID     string
	Direction string
	Policy    string
	Outcome   string
	Duration  time.Duration
}

// ChainMetrics captures the header phase of a chain.
type ChainMetrics struct {
	APIID     string
	Direction string
	State     string
	Class     string
	Policies  int
	Duration  time.Duration
}

// RecordPolicyMetrics emits the counter and latency of a policy step.
func RecordPolicyMetrics(ctx context.Context, m PolicyMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("api.id", m.APIID),
		attribute.String("chain.direction", m.Direction),
		attribute.String("policy.name", m.Policy),
		attribute.String("policy.outcome", m.Outcome),
	)
	policyExecCounter.Add(ctx, 1, attrs)
	if m.Duration > 0 {
		policyLatency.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
}

// RecordChainMetrics emits chain counters and latency partitioned by terminal state.
func RecordChainMetrics(ctx context.Context, m ChainMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	base := []attribute.KeyValue{
		attribute.String("api.id", m.APIID),
		attribute.String("chain.direction", m.Direction),
		attribute.String("chain.state", m.State),
	}
	chainExecCounter.Add(ctx, 1, metric.WithAttributes(base...))
	if m.Duration > 0 {
		chainLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(base...))
	}
	if m.Class != "" {
		chainFailureCounter.Add(ctx, 1, metric.WithAttributes(append(base, attribute.String("failure.class", m.Class))...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("gateway.engine")

		policyExecCounter, metricsInitErr = meter.Int64Counter(
			"gateway.policy.executions_total",
			metric.WithDescription("Policy executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		policyLatency, metricsInitErr = meter.Float64Histogram(
			"gateway.policy.duration_ms",
			metric.WithDescription("Observed policy execution latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		chainExecCounter, metricsInitErr = meter.Int64Counter(
			"gateway.chain.executions_total",
			metric.WithDescription("Policy chain header phases partitioned by terminal state"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		chainFailureCounter, metricsInitErr = meter.Int64Counter(
			"gateway.chain.failures_total",
			metric.WithDescription("Failed policy chains partitioned by failure class"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		chainLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"gateway.chain.duration_ms",
			metric.WithDescription("Observed policy chain header phase latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
