package output

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPropertyID(t *testing.T) {
	tests := map[string]string{
		"Accelerometer Left":   "accelerometer-left",
		"Gyroscope Right":      "gyroscope-right",
		"Force Distribution 4": "force-distribution-4",
		"Test Label":           "test-label",
	}
	for name, want := range tests {
		require.Equal(t, want, PropertyID(name), name)
	}
}

func TestTypeFSR(t *testing.T) {
	require.Equal(t, PropertyType("FSR16"), TypeFSR(16))
}

func TestBufferCommit(t *testing.T) {
	var b Buffer
	values := []any{1.0, 2.0}
	b.Append(values, 10)
	values[0] = 99.0
	b.Append([]any{3.0}, 20)
	b.Append([]any{4.0}, 30)

	pending := b.Pending()
	require.Len(t, pending, 3)
	require.Equal(t, 1.0, pending[0].Values[0], "appended values are copied")

	b.Commit(2)
	require.Equal(t, 1, b.Len())
	require.Equal(t, int64(30), b.Pending()[0].Timestamp)

	b.Commit(5)
	require.Zero(t, b.Len())

	b.Append([]any{5.0}, 40)
	b.Reset()
	require.Zero(t, b.Len())
}

func TestTransientError(t *testing.T) {
	cause := errors.New("broker unreachable")
	err := error(NewTransientError("accelerometer-left", "sync", cause))

	var terr *TransientError
	require.ErrorAs(t, err, &terr)
	require.ErrorIs(t, err, cause)
	require.Equal(t, "remote sync accelerometer-left: broker unreachable", err.Error())
}
