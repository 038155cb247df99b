package telemetry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/autopilot/internal/checkpoint"
	"github.com/fyrsmithlabs/autopilot/internal/telemetry"
	"github.com/fyrsmithlabs/autopilot/internal/workflow"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := telemetry.New(context.Background(), telemetry.NewDefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.False(t, tel.IsEnabled())
	assert.Equal(t, telemetry.HealthStatus{Healthy: true}, tel.Health())
	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := telemetry.NewDefaultConfig()
	cfg.Enabled = true
	cfg.SampleRate = -1

	_, err := telemetry.New(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "invalid telemetry config")
}

func TestNew_EnabledWithoutCollector(t *testing.T) {
	// Exporters connect lazily, so an absent collector does not fail New.
	cfg := telemetry.NewDefaultConfig()
	cfg.Enabled = true
	cfg.Endpoint = "localhost:1"

	tel, err := telemetry.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.True(t, tel.IsEnabled())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = tel.Shutdown(ctx)
	assert.False(t, tel.IsEnabled())
}

func TestNilTelemetry(t *testing.T) {
	var tel *telemetry.Telemetry
	assert.False(t, tel.IsEnabled())
	assert.True(t, tel.Health().Degraded)
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NoError(t, tel.ForceFlush(context.Background()))
	assert.NotNil(t, tel.Tracer("x"))
}

func TestTestTelemetry_RecordsCheckpointSpans(t *testing.T) {
	tt := telemetry.NewTestTelemetry()
	restore := tt.Install()
	defer restore()

	svc, err := checkpoint.NewService(nil, nil, nil)
	require.NoError(t, err)
	defer svc.Close()

	inst, err := workflow.NewInstance("wf-telemetry", "flow", workflow.Tier(1),
		[]workflow.Step{{ID: "build"}}, time.Now())
	require.NoError(t, err)

	_, err = svc.Save(context.Background(), &checkpoint.SaveRequest{StepID: "build", Instance: inst})
	require.NoError(t, err)

	tt.AssertSpanExists(t, "checkpoint.save")
	tt.AssertSpanAttribute(t, "checkpoint.save", "step_id", "build")

	require.NoError(t, tt.MetricReader.ForceFlush(context.Background()))
	assert.NotEmpty(t, tt.MetricReader.Metrics())
}
