package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSessionLifecycle(t *testing.T) {
	var mu sync.Mutex
	var states []State
	s := New("jump", 80*time.Millisecond,
		WithCountdown(30*time.Millisecond),
		WithProgress(func(p Progress) {
			mu.Lock()
			defer mu.Unlock()
			if len(states) == 0 || states[len(states)-1] != p.State {
				states = append(states, p.State)
			}
		}))

	require.Equal(t, Idle, s.State())
	require.False(t, s.Recording())
	require.NoError(t, s.Start(context.Background()))
	require.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)

	require.Eventually(t, s.Recording, time.Second, time.Millisecond)
	require.False(t, s.StartTime().IsZero())

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
	require.Equal(t, Stopped, s.State())
	require.False(t, s.Recording())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []State{CountingDown, Recording, Stopped}, states)
}

func TestSessionStopsAtDeadline(t *testing.T) {
	d := 100 * time.Millisecond
	s := New("squat", d, WithCountdown(0))
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, s.Recording, time.Second, time.Millisecond)

	<-s.Done()
	elapsed := time.Since(s.StartTime())
	require.GreaterOrEqual(t, elapsed, d)
	require.Less(t, elapsed, d+100*time.Millisecond)
}

func TestRecordingFalseAfterDeadlineBeforeTimerFires(t *testing.T) {
	now := time.Unix(1000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	s := New("push", time.Hour, WithCountdown(0), WithClock(clock))
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, s.Recording, time.Second, time.Millisecond)

	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()
	require.False(t, s.Recording(), "no sample belongs to the session at the stop boundary")
	s.Stop()
	<-s.Done()
}

func TestStopDuringCountdown(t *testing.T) {
	s := New("reach", time.Second, WithCountdown(time.Hour))
	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, CountingDown, s.State())

	s.Stop()
	s.Stop()
	<-s.Done()
	require.Equal(t, Stopped, s.State())
	require.True(t, s.StartTime().IsZero())
}

func TestContextCancelStopsRecording(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New("turn", time.Hour, WithCountdown(0))
	require.NoError(t, s.Start(ctx))
	require.Eventually(t, s.Recording, time.Second, time.Millisecond)

	cancel()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session ignored cancellation")
	}
	require.False(t, s.Recording())
}

func TestProgressFraction(t *testing.T) {
	require.Equal(t, 0.25, Progress{Elapsed: time.Second, Remaining: 3 * time.Second}.Fraction())
	require.Equal(t, 1.0, Progress{}.Fraction())
}
