// Package metrics holds the OpenTelemetry instruments recorded by the
// orchestration core. A nil *Instruments is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of every instrument below.
const MeterName = "voice-orchestrator/backend"

// Instruments groups the counters and histograms of the core.
type Instruments struct {
	toolInvocations metric.Int64Counter
	toolDuration    metric.Float64Histogram
	guardRejections metric.Int64Counter
	eventsPublished metric.Int64Counter
	eventsDropped   metric.Int64Counter
	executions      metric.Int64Counter
	buildPhases     metric.Int64Counter
}

// New creates the instruments on meter.
func New(meter metric.Meter) (*Instruments, error) {
	var (
		m    Instruments
		err  error
		errs []error
	)
	m.toolInvocations, err = meter.Int64Counter("orchestrator.tool.invocations",
		metric.WithDescription("Tool invocations by tool name and outcome"))
	errs = append(errs, err)
	m.toolDuration, err = meter.Float64Histogram("orchestrator.tool.duration",
		metric.WithDescription("Duration of tool invocations"),
		metric.WithUnit("s"))
	errs = append(errs, err)
	m.guardRejections, err = meter.Int64Counter("orchestrator.guard.rejections",
		metric.WithDescription("Operations rejected because their key was already held"))
	errs = append(errs, err)
	m.eventsPublished, err = meter.Int64Counter("orchestrator.events.published",
		metric.WithDescription("Progress events published"))
	errs = append(errs, err)
	m.eventsDropped, err = meter.Int64Counter("orchestrator.events.dropped",
		metric.WithDescription("Progress events dropped for slow subscribers"))
	errs = append(errs, err)
	m.executions, err = meter.Int64Counter("orchestrator.workflow.executions",
		metric.WithDescription("Finished workflow executions by status"))
	errs = append(errs, err)
	m.buildPhases, err = meter.Int64Counter("orchestrator.build.phases",
		metric.WithDescription("Build phase transitions by phase"))
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &m, nil
}

// Default creates the instruments on the global meter provider.
func Default() (*Instruments, error) {
	return New(otel.GetMeterProvider().Meter(MeterName))
}

// ToolInvoked records one tool invocation.
func (m *Instruments) ToolInvoked(ctx context.Context, tool string, success bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	attrs := metric.WithAttributes(attribute.String("tool", tool), attribute.String("status", status))
	m.toolInvocations.Add(ctx, 1, attrs)
	m.toolDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// GuardRejected records a rejected operation of the given kind.
func (m *Instruments) GuardRejected(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.guardRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// EventPublished records a published event and how many subscribers missed it.
func (m *Instruments) EventPublished(ctx context.Context, phase string, dropped int) {
	if m == nil {
		return
	}
	m.eventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase)))
	if dropped > 0 {
		m.eventsDropped.Add(ctx, int64(dropped), metric.WithAttributes(attribute.String("phase", phase)))
	}
}

// ExecutionFinished records a workflow execution reaching a terminal status.
func (m *Instruments) ExecutionFinished(ctx context.Context, workflowID, status string) {
	if m == nil {
		return
	}
	m.executions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", workflowID), attribute.String("status", status)))
}

// BuildPhase records a build entering phase.
func (m *Instruments) BuildPhase(ctx context.Context, phase string) {
	if m == nil {
		return
	}
	m.buildPhases.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase)))
}
