package orchestrator

import (
	"context"

	"github.com/jcserv/homelab/pkg/observability"
)

// Reporter receives monitor events and metrics.
type Reporter interface {
	RecordEvent(context.Context, observability.Event)
	RecordMetric(observability.Metric)
}

// ReporterFuncs wires plain functions into a Reporter implementation.
type ReporterFuncs struct {
	OnEvent  func(context.Context, observability.Event)
	OnMetric func(observability.Metric)
}

// RecordEvent implements Reporter.
func (r ReporterFuncs) RecordEvent(ctx context.Context, event observability.Event) {
	if r.OnEvent != nil {
		r.OnEvent(ctx, event)
	}
}

// RecordMetric implements Reporter.
func (r ReporterFuncs) RecordMetric(metric observability.Metric) {
	if r.OnMetric != nil {
		r.OnMetric(metric)
	}
}

// NoopReporter discards all events and metrics.
type NoopReporter struct{}

// RecordEvent implements Reporter.
func (NoopReporter) RecordEvent(context.Context, observability.Event) {}

// RecordMetric implements Reporter.
func (NoopReporter) RecordMetric(observability.Metric) {}

// StructuredReporter forwards events to a logger and metrics to a collector.
type StructuredReporter struct {
	component string
	logger    observability.Logger
	metrics   observability.MetricsCollector
}

// NewStructuredReporter builds a reporter that fills in the component of every event.
func NewStructuredReporter(logger observability.Logger, metrics observability.MetricsCollector) *StructuredReporter {
	return &StructuredReporter{
		component: "monitor",
		logger:    logger,
		metrics:   metrics,
	}
}

// RecordEvent implements Reporter.
func (r *StructuredReporter) RecordEvent(ctx context.Context, event observability.Event) {
	if r == nil || r.logger == nil {
		return
	}
	cloned := event.Clone()
	if cloned.Component == "" {
		cloned.Component = r.component
	}
	_ = r.logger.Log(ctx, cloned)
}

// RecordMetric implements Reporter.
func (r *StructuredReporter) RecordMetric(metric observability.Metric) {
	if r == nil || r.metrics == nil {
		return
	}
	r.metrics.Collect(metric)
}

var _ Reporter = ReporterFuncs{}
var _ Reporter = NoopReporter{}
var _ Reporter = (*StructuredReporter)(nil)
