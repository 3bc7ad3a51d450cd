// Package uploader pushes durable files to a remote property store and
// moves each file to the archive once all of its records were delivered.
package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ericogr/wheelsense/pkg/output"
	"github.com/ericogr/wheelsense/pkg/record"
	"github.com/ericogr/wheelsense/pkg/retry"
	"github.com/ericogr/wheelsense/pkg/storage"
)

// Remote property names.
const (
	AccelerometerLeft  = "Accelerometer Left"
	AccelerometerRight = "Accelerometer Right"
	GyroscopeLeft      = "Gyroscope Left"
	GyroscopeRight     = "Gyroscope Right"
	LabelProperty      = "Test Label"
)

// PressureProperty names the pressure series of an n channel layout.
func PressureProperty(n int) string {
	return fmt.Sprintf("Force Distribution %d", n)
}

// Ledger records the upload history of each file.
type Ledger interface {
	Attempt(ctx context.Context, file, label string, startTime int64, rows int) error
	Failed(ctx context.Context, file string, cause error) error
	Delivered(ctx context.Context, file string) (int, error)
	Archived(ctx context.Context, file string) error
}

// Summary describes one upload cycle.
type Summary struct {
	Files    int
	Uploaded int
	// Skipped files have a name or content that cannot be read. They stay in
	// place and are looked at again next cycle.
	Skipped int
	// Failed files could not be delivered or archived.
	Failed int
	Rows   int
}

type Daemon struct {
	source  string
	archive string
	store   output.Store

	interval time.Duration
	backoff  retry.ExponentialBackoff
	ledger   Ledger
	skipZero bool
	logger   *slog.Logger
}

func WithInterval(interval time.Duration) func(*Daemon) {
	return func(d *Daemon) {
		d.interval = interval
	}
}

// WithBackoff caps the wait after cycles with failures.
func WithBackoff(maxInterval time.Duration) func(*Daemon) {
	return func(d *Daemon) {
		d.backoff.MaxInterval = maxInterval
	}
}

func WithLedger(l Ledger) func(*Daemon) {
	return func(d *Daemon) {
		d.ledger = l
	}
}

// WithSkipZero drops sub-vectors that are all zero, the values of a side
// that never connected.
func WithSkipZero(skip bool) func(*Daemon) {
	return func(d *Daemon) {
		d.skipZero = skip
	}
}

func WithLogger(logger *slog.Logger) func(*Daemon) {
	return func(d *Daemon) {
		d.logger = logger.With(slog.String("component", "uploader"))
	}
}

func New(source, archive string, store output.Store, options ...func(*Daemon)) *Daemon {
	d := Daemon{
		source:   source,
		archive:  archive,
		store:    store,
		interval: 10 * time.Second,
		backoff:  retry.ExponentialBackoff{MaxInterval: 5 * time.Minute},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, option := range options {
		option(&d)
	}
	d.backoff.MinInterval = d.interval
	return &d
}

// Run polls the source directory until ctx ends. After a cycle with
// failures the wait doubles up to the backoff cap; a clean cycle resets it.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.MkdirAll(d.archive, 0o755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}
	d.logger.Info("uploading",
		slog.String("source", d.source),
		slog.String("archive", d.archive),
		slog.Duration("interval", d.interval),
	)

	var failures uint64
	for {
		summary := d.Cycle(ctx)
		wait := d.interval
		if summary.Failed > 0 {
			failures++
			wait = d.backoff.Interval(failures)
			d.logger.Warn("upload cycle had failures",
				slog.Int("failed", summary.Failed),
				slog.Duration("next_attempt", wait),
			)
		} else {
			failures = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Cycle uploads every durable file currently in the source directory.
func (d *Daemon) Cycle(ctx context.Context) Summary {
	var s Summary
	files, err := storage.List(d.source)
	if err != nil {
		d.logger.Error("listing durable files", slog.Any("error", err))
		s.Failed++
		return s
	}
	s.Files = len(files)

	for _, path := range files {
		if ctx.Err() != nil {
			break
		}
		rows, err := d.upload(ctx, path)
		var (
			ferr *storage.FilenameError
			berr *storage.BatchError
		)
		switch {
		case err == nil:
			s.Uploaded++
			s.Rows += rows
		case errors.As(err, &ferr), errors.As(err, &berr):
			s.Skipped++
			d.logger.Warn("skipping unreadable file", slog.String("path", path), slog.Any("error", err))
		default:
			s.Failed++
			d.logger.Warn("upload failed, keeping file", slog.String("path", path), slog.Any("error", err))
		}
	}

	if s.Files > 0 {
		d.logger.Info("upload cycle",
			slog.Int("files", s.Files),
			slog.Int("uploaded", s.Uploaded),
			slog.Int("skipped", s.Skipped),
			slog.Int("failed", s.Failed),
			slog.String("rows", humanize.Comma(int64(s.Rows))),
		)
	}
	return s
}

func (d *Daemon) upload(ctx context.Context, path string) (int, error) {
	name := filepath.Base(path)
	batch, err := storage.ReadFile(path)
	if err != nil {
		return 0, err
	}
	if batch.Len() == 0 {
		return 0, d.archiveFile(ctx, path)
	}

	d.note(ctx, "attempt", func(l Ledger) error { return l.Attempt(ctx, name, batch.Label, batch.StartTime, batch.Len()) })
	if err := d.deliver(ctx, batch); err != nil {
		d.note(ctx, "failure", func(l Ledger) error { return l.Failed(ctx, name, err) })
		return 0, err
	}
	d.note(ctx, "delivery", func(l Ledger) error {
		n, err := l.Delivered(ctx, name)
		if err == nil && n > 1 {
			d.logger.Info("records delivered again", slog.String("file", name), slog.Int("deliveries", n))
		}
		return err
	})

	if err := d.archiveFile(ctx, path); err != nil {
		d.note(ctx, "failure", func(l Ledger) error { return l.Failed(ctx, name, err) })
		return 0, err
	}
	return batch.Len(), nil
}

// column maps one sub-vector of a record to a remote property.
type column struct {
	name string
	typ  output.PropertyType
	pick func(record.Parts) []float64
}

// deliver buffers every row of batch on its properties and syncs them. On
// failure nothing stays buffered, so the next attempt starts clean.
func (d *Daemon) deliver(ctx context.Context, batch record.Batch) (err error) {
	layout, err := record.LayoutForArity(len(batch.Records[0].Fields))
	if err != nil {
		return err
	}

	series := []column{
		{AccelerometerLeft, output.TypeAccelerometer, func(p record.Parts) []float64 { return p.AccelLeft }},
		{GyroscopeLeft, output.TypeGyroscope, func(p record.Parts) []float64 { return p.GyroLeft }},
		{AccelerometerRight, output.TypeAccelerometer, func(p record.Parts) []float64 { return p.AccelRight }},
		{GyroscopeRight, output.TypeGyroscope, func(p record.Parts) []float64 { return p.GyroRight }},
	}
	if layout.Pressure > 0 {
		series = append(series, column{PressureProperty(layout.Pressure), output.TypeFSR(layout.Pressure), func(p record.Parts) []float64 { return p.Pressure }})
	}

	props := make([]output.Property, len(series))
	for i, s := range series {
		if props[i], err = d.store.FindOrCreateProperty(ctx, s.name, s.typ); err != nil {
			return err
		}
	}
	label, err := d.store.FindOrCreateProperty(ctx, LabelProperty, output.TypeText)
	if err != nil {
		return err
	}

	touched := map[output.Property]bool{}
	defer func() {
		if err != nil {
			for p := range touched {
				p.Discard()
			}
		}
	}()

	for i, r := range batch.Records {
		parts, err := layout.Split(r.Fields)
		if err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		ts := batch.StartTime + int64(math.Round(r.Timestamp*1000))
		for j, s := range series {
			v := s.pick(parts)
			if d.skipZero && allZero(v) {
				continue
			}
			props[j].UpdateValues(toAny(v), ts)
			touched[props[j]] = true
		}
		label.UpdateValues([]any{batch.Label}, ts)
		touched[label] = true
	}

	for _, p := range append(props, label) {
		if !touched[p] {
			continue
		}
		if err = p.Sync(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) note(ctx context.Context, what string, f func(Ledger) error) {
	if d.ledger == nil {
		return
	}
	if err := f(d.ledger); err != nil {
		d.logger.Warn("ledger", slog.String("op", what), slog.Any("error", err))
	}
}

func (d *Daemon) archiveFile(ctx context.Context, path string) error {
	name := filepath.Base(path)
	if err := os.MkdirAll(d.archive, 0o755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}
	dst := filepath.Join(d.archive, name)
	archived, err := moveFile(path, dst)
	if err != nil {
		return fmt.Errorf("archive %s: %w", name, err)
	}
	if archived != dst {
		d.logger.Warn("archive entry exists, kept both", slog.String("file", name), slog.String("archived_as", filepath.Base(archived)))
	}
	d.note(ctx, "archive", func(l Ledger) error { return l.Archived(ctx, name) })
	d.logger.Debug("archived", slog.String("file", name))
	return nil
}

// maxArchiveCopies bounds the alternative names tried when an archive entry
// with the same name but different content already exists.
const maxArchiveCopies = 100

// moveFile moves src to dst without ever replacing an existing file and
// returns the path it ended up at. If dst already holds the same content the
// source is a leftover of an earlier move and is removed; different content
// is kept under a numbered name next to it.
func moveFile(src, dst string) (string, error) {
	for n := 0; n < maxArchiveCopies; n++ {
		target := dst
		if n > 0 {
			ext := filepath.Ext(dst)
			target = fmt.Sprintf("%s.%d%s", strings.TrimSuffix(dst, ext), n, ext)
		}
		err := linkFile(src, target)
		if err == nil {
			return target, os.Remove(src)
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", err
		}
		same, err := sameContent(src, target)
		if err != nil {
			return "", err
		}
		if same {
			return target, os.Remove(src)
		}
	}
	return "", fmt.Errorf("%s: %d archive entries with that name already exist", filepath.Base(dst), maxArchiveCopies)
}

// linkFile makes src visible at dst, copying when both live on different
// filesystems. dst only appears once its content is synced.
func linkFile(src, dst string) error {
	err := os.Link(src, dst)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	partial := filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+".partial")
	out, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer os.Remove(partial)
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Link(partial, dst)
}

func sameContent(a, b string) (bool, error) {
	x, err := os.ReadFile(a)
	if err != nil {
		return false, err
	}
	y, err := os.ReadFile(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(x, y), nil
}

func allZero(v []float64) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

func toAny(v []float64) []any {
	out := make([]any, len(v))
	for i, x := range v {
		out[i] = x
	}
	return out
}
