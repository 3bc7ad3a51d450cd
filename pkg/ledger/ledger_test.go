package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLedgerLifecycle(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	l := New(filepath.Join(t.TempDir(), "uploads.db"), WithClock(func() time.Time { return now }))
	t.Cleanup(func() { require.NoError(t, l.Close()) })
	ctx := context.Background()

	require.NoError(t, l.Attempt(ctx, "jump-70000.npz", "jump", 70000, 5))
	require.NoError(t, l.Failed(ctx, "jump-70000.npz", errors.New("broker unreachable")))

	entries, err := l.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 1, entries[0].Attempts)
	require.Equal(t, "broker unreachable", entries[0].LastError)
	require.False(t, entries[0].Archived())

	now = now.Add(time.Minute)
	require.NoError(t, l.Attempt(ctx, "jump-70000.npz", "jump", 70000, 5))
	n, err := l.Delivered(ctx, "jump-70000.npz")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, l.Archived(ctx, "jump-70000.npz"))

	entries, err = l.Entries(ctx)
	require.NoError(t, err)
	e := entries[0]
	require.Equal(t, "jump", e.Label)
	require.Equal(t, int64(70000), e.StartTime)
	require.Equal(t, 5, e.Rows)
	require.Equal(t, 2, e.Attempts)
	require.Equal(t, 1, e.Deliveries)
	require.Empty(t, e.LastError)
	require.True(t, e.Archived())
	require.True(t, e.ArchivedAt.Equal(now))
}

func TestLedgerCountsRedeliveries(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "uploads.db"))
	defer l.Close()
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		require.NoError(t, l.Attempt(ctx, "continuous-5.npz", "continuous", 5, 100))
		n, err := l.Delivered(ctx, "continuous-5.npz")
		require.NoError(t, err)
		require.Equal(t, i, n)
	}
}

func TestLedgerOrdersByStartTime(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "uploads.db"))
	defer l.Close()
	ctx := context.Background()

	require.NoError(t, l.Attempt(ctx, "b-20.npz", "b", 20, 1))
	require.NoError(t, l.Attempt(ctx, "a-10.npz", "a", 10, 1))

	entries, err := l.Entries(ctx)
	require.NoError(t, err)
	require.Equal(t, "a-10.npz", entries[0].File)
	require.Equal(t, "b-20.npz", entries[1].File)
}

func TestLedgerDeliveredUnknownFile(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "uploads.db"))
	defer l.Close()
	_, err := l.Delivered(context.Background(), "missing-1.npz")
	require.Error(t, err)
}
