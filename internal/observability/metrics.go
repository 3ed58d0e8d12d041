package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tensorzero/tensorzero-sub029/internal/log"
)

// meterName is the instrumentation scope the writer's counters/gauges are
// registered under.
const meterName = "github.com/tensorzero/tensorzero-sub029/internal/observability"

// writerMetrics is the spec §5 "Shared resources" queue-depth/flush
// instrumentation for the writer's per-table buffers: an up-down counter
// tracking how many rows are currently buffered (incremented by append,
// decremented by drain) and a counter of completed flushes tagged by table
// and outcome.
type writerMetrics struct {
	queueDepth metric.Int64UpDownCounter
	flushes    metric.Int64Counter
}

var (
	metricsOnce sync.Once
	metricsInst *writerMetrics
)

// metrics lazily resolves the meter against whatever MeterProvider is
// installed at first use (otel.SetMeterProvider, wired in cmd/gateway via
// go.opentelemetry.io/otel/sdk/metric) rather than at package init, since
// init runs before main has a chance to install one; until then
// otel.GetMeterProvider's no-op default makes every call below a harmless
// no-op, which is what the package's own tests run against.
func metrics() *writerMetrics {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(meterName)

		m := &writerMetrics{}

		queueDepth, err := meter.Int64UpDownCounter(
			"tensorzero.observability.buffer.queue_depth",
			metric.WithDescription("rows currently buffered per observability table, awaiting flush"),
		)
		if err != nil {
			log.Warn(context.Background(), "observability: failed to register queue_depth metric", log.Cause(err))
		}

		flushes, err := meter.Int64Counter(
			"tensorzero.observability.buffer.flush_total",
			metric.WithDescription("completed batch flushes per observability table"),
		)
		if err != nil {
			log.Warn(context.Background(), "observability: failed to register flush_total metric", log.Cause(err))
		}

		m.queueDepth = queueDepth
		m.flushes = flushes
		metricsInst = m
	})

	return metricsInst
}

func (m *writerMetrics) recordQueueDepth(ctx context.Context, table string, delta int64) {
	if m == nil || m.queueDepth == nil {
		return
	}

	m.queueDepth.Add(ctx, delta, metric.WithAttributes(attribute.String("table", table)))
}

func (m *writerMetrics) recordFlush(ctx context.Context, table string, rows int, err error) {
	if m == nil || m.flushes == nil {
		return
	}

	status := "success"
	if err != nil {
		status = "failure"
	}

	m.flushes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("table", table),
		attribute.String("status", status),
	))
}
