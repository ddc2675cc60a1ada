package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func recordingSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestDoRetriesConnectScheduleWithDoublingBackoff(t *testing.T) {
	t.Parallel()

	var delays []time.Duration
	policy := ConnectPolicy()
	policy.Sleep = recordingSleep(&delays)

	calls := 0
	err := Do(context.Background(), policy, func(context.Context) error {
		calls++
		return errors.New("launch failed")
	})

	require.EqualError(t, err, "launch failed")
	require.Equal(t, 3, calls)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	t.Parallel()

	var delays []time.Duration
	policy := OperationPolicy()
	policy.Sleep = recordingSleep(&delays)

	calls := 0
	err := Do(context.Background(), policy, func(context.Context) error {
		calls++
		return errors.New("selector #owner not found")
	})

	require.Error(t, err)
	require.Equal(t, 1, calls)
	require.Empty(t, delays)
}

func TestDoValueRetriesConnectionErrorOnce(t *testing.T) {
	t.Parallel()

	policy := OperationPolicy()
	policy.Sleep = recordingSleep(new([]time.Duration))

	calls := 0
	got, err := DoValue(context.Background(), policy, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("websocket: close 1006 (abnormal closure)")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	require.Equal(t, "ok", got)
	require.Equal(t, 2, calls)
}

func TestDoValueGivesUpAfterSecondConnectionError(t *testing.T) {
	t.Parallel()

	policy := OperationPolicy()
	policy.Sleep = recordingSleep(new([]time.Duration))

	calls := 0
	_, err := DoValue(context.Background(), policy, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("browser disconnected")
	})

	require.Error(t, err)
	require.Equal(t, 2, calls)
}

func TestDoHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, ConnectPolicy(), func(context.Context) error {
		calls++
		return errors.New("connection refused")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestOnRetryReportsAttempt(t *testing.T) {
	t.Parallel()

	var attempts []int
	policy := ConnectPolicy()
	policy.Sleep = recordingSleep(new([]time.Duration))
	policy.OnRetry = func(attempt int, _ error, _ time.Duration) {
		attempts = append(attempts, attempt)
	}
	_ = Do(context.Background(), policy, func(context.Context) error { return errors.New("x") })
	require.Equal(t, []int{1, 2}, attempts)
}

func TestBackoffCapsAndJitters(t *testing.T) {
	t.Parallel()

	p := Policy{InitialBackoff: time.Second, MaxBackoff: 3 * time.Second, Multiplier: 2}
	require.Equal(t, time.Second, p.Backoff(0))
	require.Equal(t, 2*time.Second, p.Backoff(1))
	require.Equal(t, 3*time.Second, p.Backoff(5))

	p.Jitter = 0.5
	for i := 0; i < 20; i++ {
		d := p.Backoff(0)
		require.GreaterOrEqual(t, d, 500*time.Millisecond)
		require.LessOrEqual(t, d, 1500*time.Millisecond)
	}
	require.Zero(t, Policy{}.Backoff(3))
}
