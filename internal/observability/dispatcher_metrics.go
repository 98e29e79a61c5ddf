package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricFilesComplete       = "scanforge.dispatch.files_complete.total"
	metricSubmissionsComplete = "scanforge.dispatch.submissions_complete.total"
	metricServiceDispatches   = "scanforge.dispatch.service_dispatches.total"
	metricDispatchDuration    = "scanforge.dispatch.duration.seconds"
	metricDispatchErrors      = "scanforge.dispatch.errors.total"
	metricInflightDispatches  = "scanforge.dispatch.inflight"

	attrOp      = "op"
	attrService = "service"
	attrKind    = "kind"
)

// dispatchBucketBoundaries covers 1ms store round trips up to multi-second
// submission walks.
var dispatchBucketBoundaries = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// DispatcherMetrics holds the dispatcher's OTel instruments. A nil
// receiver is valid and records nothing, so metrics stay optional in
// tests.
type DispatcherMetrics struct {
	filesComplete       metric.Int64Counter
	submissionsComplete metric.Int64Counter
	serviceDispatches   metric.Int64Counter
	dispatchDuration    metric.Float64Histogram
	dispatchErrors      metric.Int64Counter
	inflight            metric.Int64UpDownCounter
}

// NewDispatcherMetrics creates the dispatcher instruments from the meter.
func NewDispatcherMetrics(mt metric.Meter) (*DispatcherMetrics, error) {
	b := newMetricBuilder(mt)

	dm := &DispatcherMetrics{
		filesComplete:       b.counter(metricFilesComplete, "Files that cleared their full schedule", "{file}"),
		submissionsComplete: b.counter(metricSubmissionsComplete, "Submissions finalized", "{submission}"),
		serviceDispatches:   b.counter(metricServiceDispatches, "Service tasks pushed to service queues", "{task}"),
		dispatchDuration:    b.histogram(metricDispatchDuration, "Duration of dispatch operations", "s", dispatchBucketBoundaries...),
		dispatchErrors:      b.counter(metricDispatchErrors, "Dispatch errors by kind", "{error}"),
		inflight:            b.upDownCounter(metricInflightDispatches, "Dispatch operations in flight", "{operation}"),
	}

	if b.err != nil {
		return nil, b.err
	}

	return dm, nil
}

// RecordFileComplete counts a file finishing its schedule.
func (m *DispatcherMetrics) RecordFileComplete(ctx context.Context) {
	if m == nil {
		return
	}

	m.filesComplete.Add(ctx, 1)
}

// RecordSubmissionComplete counts a finalized submission.
func (m *DispatcherMetrics) RecordSubmissionComplete(ctx context.Context) {
	if m == nil {
		return
	}

	m.submissionsComplete.Add(ctx, 1)
}

// RecordServiceDispatch counts one task pushed to a service queue.
func (m *DispatcherMetrics) RecordServiceDispatch(ctx context.Context, service string) {
	if m == nil {
		return
	}

	m.serviceDispatches.Add(ctx, 1, metric.WithAttributes(attribute.String(attrService, service)))
}

// RecordDispatch records the duration of one dispatch operation.
func (m *DispatcherMetrics) RecordDispatch(ctx context.Context, op string, duration time.Duration) {
	if m == nil {
		return
	}

	m.dispatchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String(attrOp, op)))
}

// RecordError counts a dispatch error by kind.
func (m *DispatcherMetrics) RecordError(ctx context.Context, kind string) {
	if m == nil {
		return
	}

	m.dispatchErrors.Add(ctx, 1, metric.WithAttributes(attribute.String(attrKind, kind)))
}

// TrackInflight increments the in-flight gauge for op and returns the
// matching decrement.
func (m *DispatcherMetrics) TrackInflight(ctx context.Context, op string) func() {
	if m == nil {
		return func() {}
	}

	attrs := metric.WithAttributes(attribute.String(attrOp, op))
	m.inflight.Add(ctx, 1, attrs)

	return func() {
		m.inflight.Add(ctx, -1, attrs)
	}
}
