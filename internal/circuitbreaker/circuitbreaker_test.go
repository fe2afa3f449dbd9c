package circuitbreaker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parametricportal/trustplane/internal/apierr"
	"github.com/parametricportal/trustplane/internal/circuitbreaker"
	"github.com/parametricportal/trustplane/internal/reqctx"
)

var errBoom = errors.New("boom")

func failing(context.Context) (string, error)    { return "", errBoom }
func succeeding(context.Context) (string, error) { return "ok", nil }

func TestExecute_ConsecutiveStrategyTripsAfterNFailures(t *testing.T) {
	r := circuitbreaker.NewRegistry(circuitbreaker.Config{ConsecutiveFailures: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := circuitbreaker.Execute(ctx, r, "svc", failing)
		require.Error(t, err)
		require.True(t, apierr.Is(err, apierr.KindCircuit))
	}

	state, ok := r.State("svc")
	require.True(t, ok)
	assert.Equal(t, circuitbreaker.StateOpen, state)

	_, _, err := circuitbreaker.Execute(ctx, r, "svc", succeeding)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, circuitbreaker.ReasonBrokenCircuit, apiErr.Message)
}

func TestExecute_ExecutionFailurePreservesCause(t *testing.T) {
	r := circuitbreaker.NewRegistry(circuitbreaker.Config{ConsecutiveFailures: 5})
	ctx := context.Background()

	_, _, err := circuitbreaker.Execute(ctx, r, "svc", failing)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, circuitbreaker.ReasonExecutionFailed, apiErr.Message)
	assert.ErrorIs(t, errors.Unwrap(apiErr), errBoom)
}

func TestExecute_HalfOpenTrialSuccessClosesCircuit(t *testing.T) {
	r := circuitbreaker.NewRegistry(circuitbreaker.Config{
		ConsecutiveFailures: 1,
		HalfOpenAfter:       10 * time.Millisecond,
	})
	ctx := context.Background()

	_, _, err := circuitbreaker.Execute(ctx, r, "svc", failing)
	require.Error(t, err)
	state, _ := r.State("svc")
	require.Equal(t, circuitbreaker.StateOpen, state)

	time.Sleep(20 * time.Millisecond)

	_, result, err := circuitbreaker.Execute(ctx, r, "svc", succeeding)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)

	state, _ = r.State("svc")
	assert.Equal(t, circuitbreaker.StateClosed, state)
}

func TestExecute_HalfOpenTrialFailureReopensCircuit(t *testing.T) {
	r := circuitbreaker.NewRegistry(circuitbreaker.Config{
		ConsecutiveFailures: 1,
		HalfOpenAfter:       10 * time.Millisecond,
	})
	ctx := context.Background()

	_, _, _ = circuitbreaker.Execute(ctx, r, "svc", failing)
	time.Sleep(20 * time.Millisecond)

	_, _, err := circuitbreaker.Execute(ctx, r, "svc", failing)
	require.Error(t, err)

	state, _ := r.State("svc")
	assert.Equal(t, circuitbreaker.StateOpen, state)
}

func TestExecute_UpdatesAttachedRequestContextCircuitFacet(t *testing.T) {
	r := circuitbreaker.NewRegistry(circuitbreaker.Config{})
	rc := reqctx.New("tenant-a", "req-1")
	ctx := reqctx.Into(context.Background(), rc)

	outCtx, _, err := circuitbreaker.Execute(ctx, r, "svc", succeeding)
	require.NoError(t, err)

	out, ok := reqctx.From(outCtx)
	require.True(t, ok)
	cs, ok := out.Circuit()
	require.True(t, ok)
	assert.Equal(t, "svc", cs.Name)
	assert.Equal(t, string(circuitbreaker.StateClosed), cs.State)
}

func TestIsolate_ForcesOpenUntilReset(t *testing.T) {
	r := circuitbreaker.NewRegistry(circuitbreaker.Config{})
	ctx := context.Background()

	r.Isolate("svc")
	_, _, err := circuitbreaker.Execute(ctx, r, "svc", succeeding)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, circuitbreaker.ReasonIsolated, apiErr.Message)

	r.Reset("svc")
	_, result, err := circuitbreaker.Execute(ctx, r, "svc", succeeding)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestGC_DropsOnlyIdleUnisolatedEntries(t *testing.T) {
	r := circuitbreaker.NewRegistry(circuitbreaker.Config{})
	ctx := context.Background()

	_, _, _ = circuitbreaker.Execute(ctx, r, "idle", succeeding)
	_, _, _ = circuitbreaker.Execute(ctx, r, "isolated", succeeding)
	r.Isolate("isolated")

	time.Sleep(10 * time.Millisecond)
	dropped := r.GC(5 * time.Millisecond)
	assert.Equal(t, 1, dropped)

	_, ok := r.State("idle")
	assert.False(t, ok)
	_, ok = r.State("isolated")
	assert.True(t, ok)
}

func TestExecute_CountStrategyTripsOnFailureRatio(t *testing.T) {
	r := circuitbreaker.NewRegistry(circuitbreaker.Config{
		Strategy:       circuitbreaker.Count,
		CountSize:      4,
		CountThreshold: 0.5,
	})
	ctx := context.Background()

	_, _, _ = circuitbreaker.Execute(ctx, r, "svc", succeeding)
	_, _, _ = circuitbreaker.Execute(ctx, r, "svc", failing)
	_, _, _ = circuitbreaker.Execute(ctx, r, "svc", failing)
	_, _, err := circuitbreaker.Execute(ctx, r, "svc", failing)
	require.Error(t, err)

	state, _ := r.State("svc")
	assert.Equal(t, circuitbreaker.StateOpen, state)
}
