package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds the tick outcome counters. Creation errors are ignored; the
// global meter provider defaults to no-op when none is installed.
type metrics struct {
	dispatched metric.Int64Counter
	claimLost  metric.Int64Counter
	unroutable metric.Int64Counter
	advanced   metric.Int64Counter
	finished   metric.Int64Counter
	errors     metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter("enrichflow/backend/internal/engine")
	m := &metrics{}
	m.dispatched, _ = meter.Int64Counter("enrichflow.dispatcher.dispatched")
	m.claimLost, _ = meter.Int64Counter("enrichflow.dispatcher.claim_lost")
	m.unroutable, _ = meter.Int64Counter("enrichflow.dispatcher.unroutable")
	m.advanced, _ = meter.Int64Counter("enrichflow.sequencer.advanced")
	m.finished, _ = meter.Int64Counter("enrichflow.sequencer.finished")
	m.errors, _ = meter.Int64Counter("enrichflow.tick.errors")
	return m
}

func (m *metrics) add(ctx context.Context, c metric.Int64Counter, n int) {
	if m == nil || c == nil || n == 0 {
		return
	}
	c.Add(ctx, int64(n))
}
