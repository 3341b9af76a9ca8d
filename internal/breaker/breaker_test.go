package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lnhive/hived/internal/hive"
)

var errBoom = errors.New("boom")

func failing(context.Context) error { return errBoom }
func succeeding(context.Context) error { return nil }

func newTestBreaker(resetTimeout time.Duration) *Breaker {
	return New(Config{
		Name:              "test",
		FailureThreshold:  3,
		ResetTimeout:      resetTimeout,
		HalfOpenSuccesses: 2,
	})
}

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	b := newTestBreaker(time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, b.Execute(ctx, failing), errBoom)
		assert.Equal(t, StateClosed, b.State())
	}
	require.ErrorIs(t, b.Execute(ctx, failing), errBoom)
	assert.Equal(t, StateOpen, b.State())

	// Open circuit refuses without touching the dependency.
	calls := 0
	err := b.Execute(ctx, func(context.Context) error { calls++; return nil })
	require.ErrorIs(t, err, ErrOpen)
	require.ErrorIs(t, err, hive.ErrUnavailable)
	assert.Zero(t, calls)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := newTestBreaker(time.Minute)
	ctx := context.Background()

	require.ErrorIs(t, b.Execute(ctx, failing), errBoom)
	require.ErrorIs(t, b.Execute(ctx, failing), errBoom)
	require.NoError(t, b.Execute(ctx, succeeding))
	require.ErrorIs(t, b.Execute(ctx, failing), errBoom)
	require.ErrorIs(t, b.Execute(ctx, failing), errBoom)
	assert.Equal(t, StateClosed, b.State(), "non-consecutive failures must not trip")
}

func TestHalfOpenClosesAfterProbeSuccesses(t *testing.T) {
	b := newTestBreaker(10 * time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Execute(ctx, failing)
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, succeeding))
	require.NoError(t, b.Execute(ctx, succeeding))
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker(10 * time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Execute(ctx, failing)
	}
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.ErrorIs(t, b.Execute(ctx, failing), errBoom)
	assert.Equal(t, StateOpen, b.State())
	assert.True(t, b.IsOpen())
}

func TestStateChangeCallback(t *testing.T) {
	var transitions []string
	b := New(Config{
		Name:              "dep",
		FailureThreshold:  1,
		ResetTimeout:      time.Minute,
		HalfOpenSuccesses: 1,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	})
	b.Execute(context.Background(), failing)
	assert.Equal(t, []string{"CLOSED>OPEN"}, transitions)
}
