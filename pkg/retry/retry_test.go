package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ericogr/wheelsense/pkg/retry"
)

type Mock struct {
	mock.Mock
}

var errRetryable = errors.New("link not ready")

func (m *Mock) Task(context.Context) (bool, error) {
	args := m.Called()
	return args.Bool(0), args.Error(1)
}

func fast() retry.ExponentialBackoff {
	return retry.ExponentialBackoff{MinInterval: time.Millisecond, MaxInterval: 4 * time.Millisecond}
}

func TestNoRetry(t *testing.T) {
	m := new(Mock)
	m.On("Task").Return(false, nil)

	r := fast()
	err := r.Start(context.Background(), "connect", m.Task)

	require.NoError(t, err)
	m.AssertNumberOfCalls(t, "Task", 1)
}

func TestMaxAttempts(t *testing.T) {
	m := new(Mock)
	m.On("Task").Return(true, errRetryable)

	r := fast()
	r.MaxAttempts = 3
	err := r.Start(context.Background(), "connect", m.Task)

	require.ErrorIs(t, err, errRetryable)
	m.AssertNumberOfCalls(t, "Task", 3)
}

func TestNonRetryableError(t *testing.T) {
	m := new(Mock)
	m.On("Task").Return(false, errRetryable)

	r := fast()
	err := r.Start(context.Background(), "connect", m.Task)

	require.ErrorIs(t, err, errRetryable)
	m.AssertNumberOfCalls(t, "Task", 1)
}

func TestRetryUntilSuccess(t *testing.T) {
	m := new(Mock)
	m.On("Task").Twice().Return(true, errRetryable)
	m.On("Task").Once().Return(false, nil)

	r := fast()
	err := r.Start(context.Background(), "connect", m.Task)

	require.NoError(t, err)
	m.AssertNumberOfCalls(t, "Task", 3)
}

func TestCancelStopsRetrying(t *testing.T) {
	m := new(Mock)
	m.On("Task").Return(true, errRetryable)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	r := retry.ExponentialBackoff{MinInterval: time.Hour}
	err := r.Start(ctx, "connect", m.Task)

	require.ErrorIs(t, err, context.DeadlineExceeded)
	m.AssertNumberOfCalls(t, "Task", 1)
}

func TestInterval(t *testing.T) {
	r := retry.ExponentialBackoff{MinInterval: time.Second, MaxInterval: 10 * time.Second, NoJitter: true}

	require.Equal(t, time.Second, r.Interval(1))
	require.Equal(t, 2*time.Second, r.Interval(2))
	require.Equal(t, 8*time.Second, r.Interval(4))
	require.Equal(t, 10*time.Second, r.Interval(5))
	require.Equal(t, 10*time.Second, r.Interval(50))

	r.NoJitter = false
	for i := uint64(1); i < 10; i++ {
		base := (&retry.ExponentialBackoff{MinInterval: time.Second, MaxInterval: 10 * time.Second, NoJitter: true}).Interval(i)
		got := r.Interval(i)
		require.InDelta(t, float64(base), float64(got), float64(base)*0.051)
	}
}

func TestIntervalDefaults(t *testing.T) {
	r := retry.ExponentialBackoff{NoJitter: true}
	require.Equal(t, time.Second/8, r.Interval(1))
	require.Equal(t, 30*time.Second, r.Interval(100))
}
