package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ericogr/wheelsense/pkg/bus"
	"github.com/ericogr/wheelsense/pkg/config"
	"github.com/ericogr/wheelsense/pkg/ledger"
	"github.com/ericogr/wheelsense/pkg/record"
	"github.com/ericogr/wheelsense/pkg/session"
	"github.com/ericogr/wheelsense/pkg/storage"
)

func noEnv(string) (string, bool) { return "", false }

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "INFO"} {
		_, err := newLogger(level, &bytes.Buffer{})
		require.NoError(t, err, level)
	}
	_, err := newLogger("chatty", &bytes.Buffer{})
	require.Error(t, err)
}

func TestLinkAddresses(t *testing.T) {
	cfg := config.DefaultConfig()
	require.Equal(t, map[bus.Side]string{bus.Left: "sim-left", bus.Right: "sim-right"}, linkAddresses(cfg))

	cfg.Link.Type = config.LinkSerial
	cfg.Link.Left = "/dev/rfcomm0"
	require.Equal(t, map[bus.Side]string{bus.Left: "/dev/rfcomm0"}, linkAddresses(cfg))
}

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	bar := newProgressBar(&buf)

	bar.Update(session.Progress{Label: "jump", State: session.CountingDown, Elapsed: 0, Remaining: 3 * time.Second})
	bar.Update(session.Progress{Label: "jump", State: session.Recording, Elapsed: 5 * time.Second, Remaining: 5 * time.Second})
	bar.Update(session.Progress{Label: "jump", State: session.Stopped, Elapsed: 10 * time.Second})

	lines := strings.Split(buf.String(), "\n")
	require.Len(t, lines, 4)
	require.Contains(t, lines[0], "counting down")
	require.Contains(t, lines[1], "recording")
	require.Contains(t, lines[1], "50%")
	require.Contains(t, lines[1], "5s left")
	require.Equal(t, "jump stopped after 10s", lines[2])
	require.Empty(t, lines[3])
}

func TestPrintStatus(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	entries := []ledger.Entry{
		{File: "jump-1.npz", Rows: 1500, Attempts: 1, Deliveries: 1, UpdatedAt: now.Add(-time.Hour), ArchivedAt: now.Add(-time.Hour)},
		{File: "squat-2.npz", Rows: 20, Attempts: 3, UpdatedAt: now.Add(-time.Minute), LastError: "broker unreachable"},
	}
	var buf bytes.Buffer
	require.NoError(t, printStatus(&buf, 4, entries, now))

	out := buf.String()
	require.Contains(t, out, "4 files waiting, 1 archived")
	require.Contains(t, out, "1,500")
	require.Contains(t, out, "1 hour ago")
	require.Contains(t, out, "failing: broker unreachable")
}

func execute(t *testing.T, ctx context.Context, args ...string) string {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCommand(noEnv, &stdout, &stderr)
	root.SetArgs(args)
	require.NoError(t, root.ExecuteContext(ctx), stderr.String())
	return stdout.String()
}

func TestActivityCommand(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	execute(t, context.Background(), "activity", "jump", "squat",
		"--data-path", dir,
		"--duration", "0.2",
		"--countdown", "0",
		"--sampling-period", "0.02",
		"--fsr", "2",
		"--fsr-type", "simulation",
	)

	files, err := storage.List(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)

	labels := map[string]bool{}
	for _, f := range files {
		b, err := storage.ReadFile(f)
		require.NoError(t, err)
		labels[b.Label] = true
		require.Len(t, b.Records[0].Fields, record.MotionFields+2)
		require.InDelta(t, 10, b.Len(), 5)
	}
	require.Equal(t, map[string]bool{"jump": true, "squat": true}, labels)
}

func TestUploadAndStatusCommands(t *testing.T) {
	root := t.TempDir()
	data, archive := filepath.Join(root, "data"), filepath.Join(root, "archive")

	w, err := storage.NewWriter(data)
	require.NoError(t, err)
	_, err = w.Write(record.Batch{Label: "jump", StartTime: 70000, Records: []record.Record{
		{Timestamp: 0, Fields: make([]float64, record.MotionFields)},
		{Timestamp: 0.25, Fields: make([]float64, record.MotionFields)},
	}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	execute(t, ctx, "upload", "--data-path", data, "--archive-path", archive, "--upload-interval", "0.05")

	archived, err := storage.List(archive)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(archive, "jump-70000.npz")}, archived)

	out := execute(t, context.Background(), "status", "--data-path", data)
	require.Contains(t, out, "0 files waiting, 1 archived")
	require.Contains(t, out, "jump-70000.npz")
}

func TestInvalidConfigurationFails(t *testing.T) {
	var stdout, stderr bytes.Buffer
	root := newRootCommand(noEnv, &stdout, &stderr)
	root.SetArgs([]string{"collect", "--sampling-period", "0"})
	require.Error(t, root.Execute())
}
