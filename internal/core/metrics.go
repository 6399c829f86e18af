package core

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type proxyMetrics struct {
	forwarded  metric.Int64Counter
	delivered  metric.Int64Counter
	evicted    metric.Int64Counter
	failures   metric.Int64Counter
	restricted metric.Int64UpDownCounter
	depth      metric.Int64UpDownCounter
}

func newProxyMetrics(logger pslog.Logger) *proxyMetrics {
	meter := otel.Meter("pkt.systems/relayd/core")
	m := &proxyMetrics{}
	var err error

	m.forwarded, err = meter.Int64Counter(
		"relayd.requests.forwarded",
		metric.WithDescription("Requests written to a backend connection"),
	)
	logMetricInitError(logger, "relayd.requests.forwarded", err)

	m.delivered, err = meter.Int64Counter(
		"relayd.responses.delivered",
		metric.WithDescription("Responses written to a client connection"),
	)
	logMetricInitError(logger, "relayd.responses.delivered", err)

	m.evicted, err = meter.Int64Counter(
		"relayd.requests.evicted",
		metric.WithDescription("Requests removed from a forwarding queue without a backend response"),
	)
	logMetricInitError(logger, "relayd.requests.evicted", err)

	m.failures, err = meter.Int64Counter(
		"relayd.failures",
		metric.WithDescription("Dropped messages by failure kind"),
	)
	logMetricInitError(logger, "relayd.failures", err)

	m.restricted, err = meter.Int64UpDownCounter(
		"relayd.backend.restricted",
		metric.WithDescription("Backend connections replaying their forwarding queue"),
	)
	logMetricInitError(logger, "relayd.backend.restricted", err)

	m.depth, err = meter.Int64UpDownCounter(
		"relayd.backend.queue_depth",
		metric.WithDescription("Requests held in backend forwarding queues"),
	)
	logMetricInitError(logger, "relayd.backend.queue_depth", err)

	return m
}

func (m *proxyMetrics) recordForwarded() {
	if m == nil || m.forwarded == nil {
		return
	}
	m.forwarded.Add(context.Background(), 1)
}

func (m *proxyMetrics) recordDelivered() {
	if m == nil || m.delivered == nil {
		return
	}
	m.delivered.Add(context.Background(), 1)
}

func (m *proxyMetrics) recordEvicted(reason string) {
	if m == nil || m.evicted == nil {
		return
	}
	m.evicted.Add(context.Background(), 1, metric.WithAttributes(attribute.String("relayd.reason", reason)))
}

func (m *proxyMetrics) recordFailure(kind Kind) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("relayd.kind", kind.String())))
}

func (m *proxyMetrics) addRestricted(delta int64) {
	if m == nil || m.restricted == nil {
		return
	}
	m.restricted.Add(context.Background(), delta)
}

func (m *proxyMetrics) addDepth(delta int64) {
	if m == nil || m.depth == nil || delta == 0 {
		return
	}
	m.depth.Add(context.Background(), delta)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
