package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()
	fail := func(ctx context.Context) error { return errors.New("handler failed") }
	succeed := func(ctx context.Context) error { return nil }

	t.Run("Starts closed and executes", func(t *testing.T) {
		cb := NewCircuitBreaker()
		executed := false

		err := cb.Execute(ctx, func(ctx context.Context) error {
			executed = true
			return nil
		})

		assert.NoError(t, err)
		assert.True(t, executed)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("Opens after the failure threshold and rejects calls", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(3), WithName("orders"))

		for i := 0; i < 3; i++ {
			assert.Error(t, cb.Execute(ctx, fail))
		}
		assert.Equal(t, StateOpen, cb.State())

		err := cb.Execute(ctx, succeed)
		assert.ErrorIs(t, err, ErrCircuitOpen)
		var cbErr *CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
		assert.Equal(t, "orders", cbErr.Name)
		assert.Equal(t, int64(1), cb.Metrics().TotalRejected)
	})

	t.Run("Half-open successes close the circuit", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithSuccessThreshold(2),
			WithTimeout(20*time.Millisecond),
		)
		_ = cb.Execute(ctx, fail)
		require.Equal(t, StateOpen, cb.State())

		time.Sleep(30 * time.Millisecond)

		require.NoError(t, cb.Execute(ctx, succeed))
		assert.Equal(t, StateHalfOpen, cb.State())
		require.NoError(t, cb.Execute(ctx, succeed))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("Half-open failure reopens the circuit", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithTimeout(20*time.Millisecond))
		_ = cb.Execute(ctx, fail)
		time.Sleep(30 * time.Millisecond)

		assert.Error(t, cb.Execute(ctx, fail))
		assert.Equal(t, StateOpen, cb.State())
	})

	t.Run("Success in closed state resets failures", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(2))
		_ = cb.Execute(ctx, fail)
		_ = cb.Execute(ctx, succeed)
		_ = cb.Execute(ctx, fail)

		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("State changes are reported", func(t *testing.T) {
		changes := make(chan State, 2)
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithStateChangeFunc(func(name string, from, to State) { changes <- to }),
		)

		_ = cb.Execute(ctx, fail)

		select {
		case to := <-changes:
			assert.Equal(t, StateOpen, to)
		case <-time.After(time.Second):
			t.Fatal("state change not reported")
		}

		cb.Reset()
		assert.Equal(t, StateClosed, cb.State())
	})
}
