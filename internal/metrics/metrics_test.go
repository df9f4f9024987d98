package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestInstrumentsRecord(t *testing.T) {
	m, err := New(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.ToolInvoked(ctx, "search", true, 20*time.Millisecond)
	m.GuardRejected(ctx, "build")
	m.EventPublished(ctx, "step", 2)
	m.ExecutionFinished(ctx, "wf", "completed")
	m.BuildPhase(ctx, "testing")
}

func TestNilInstrumentsAreNoop(t *testing.T) {
	var m *Instruments
	ctx := context.Background()
	m.ToolInvoked(ctx, "search", false, time.Second)
	m.GuardRejected(ctx, "build")
	m.EventPublished(ctx, "step", 1)
	m.ExecutionFinished(ctx, "wf", "failed")
	m.BuildPhase(ctx, "planning")
}

func TestDefault(t *testing.T) {
	m, err := Default()
	require.NoError(t, err)
	require.NotNil(t, m)
}
