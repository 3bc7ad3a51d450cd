package storage

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ericogr/wheelsense/pkg/record"
)

// Writer turns batches into durable files inside one directory. A file only
// becomes visible under its final name once it is complete on disk.
type Writer struct {
	dir    string
	logger *slog.Logger
}

// WithLogger sets the logger used to report written and dropped batches.
func WithLogger(logger *slog.Logger) func(*Writer) {
	return func(w *Writer) {
		w.logger = logger.With(slog.String("component", "storage"))
	}
}

// NewWriter creates dir if needed and removes partial files left behind by
// an interrupted run.
func NewWriter(dir string, options ...func(*Writer)) (*Writer, error) {
	w := Writer{dir: dir, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, option := range options {
		option(&w)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan data directory: %w", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") && strings.HasSuffix(e.Name(), partialExt) {
			path := filepath.Join(dir, e.Name())
			if err := os.Remove(path); err != nil {
				w.logger.Warn("removing stale partial file", slog.String("path", path), slog.Any("error", err))
				continue
			}
			w.logger.Info("removed stale partial file", slog.String("path", path))
		}
	}
	return &w, nil
}

// Dir returns the directory files are written to.
func (w *Writer) Dir() string { return w.dir }

// Write persists batch and returns the path of the new file. Timestamps are
// normalized to offsets from the first record. Empty batches are skipped and
// return an empty path.
func (w *Writer) Write(batch record.Batch) (string, error) {
	if batch.Len() == 0 {
		return "", nil
	}
	started := time.Now()

	path, size, err := w.write(batch)
	if err != nil {
		perr := &PersistenceError{Label: batch.Label, Records: batch.Len(), wrapped: err}
		w.logger.Error("batch dropped", slog.Any("error", perr))
		return "", perr
	}

	w.logger.Info("batch written",
		slog.String("path", path),
		slog.String("records", humanize.Comma(int64(batch.Len()))),
		slog.String("size", humanize.Bytes(uint64(size))),
		slog.Duration("took", time.Since(started)),
	)
	return path, nil
}

func (w *Writer) write(batch record.Batch) (string, int64, error) {
	if err := batch.Validate(); err != nil {
		return "", 0, err
	}
	batch = batch.Normalize()

	name := FileName(SanitizeLabel(batch.Label), batch.StartTime)
	final := filepath.Join(w.dir, name)
	partial := filepath.Join(w.dir, "."+name+partialExt)
	f, err := os.OpenFile(partial, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", 0, err
	}

	committed := false
	defer func() {
		if !committed {
			f.Close()
			os.Remove(partial)
		}
	}()

	if err := writeArchive(f, toMatrix(batch)); err != nil {
		return "", 0, err
	}
	if err := f.Sync(); err != nil {
		return "", 0, fmt.Errorf("sync: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		return "", 0, err
	}
	if err := f.Close(); err != nil {
		return "", 0, err
	}
	// a link never replaces an existing file, unlike rename
	err = os.Link(partial, final)
	os.Remove(partial)
	committed = true
	if errors.Is(err, fs.ErrExist) {
		return "", 0, fmt.Errorf("%s already exists", name)
	}
	if err != nil {
		return "", 0, fmt.Errorf("publish: %w", err)
	}

	if err := syncDir(w.dir); err != nil {
		w.logger.Warn("directory sync failed", slog.String("dir", w.dir), slog.Any("error", err))
	}
	return final, info.Size(), nil
}

// writeArchive stores the array uncompressed, matching numpy.savez.
func writeArchive(w io.Writer, m matrix) error {
	zw := zip.NewWriter(w)
	entry, err := zw.CreateHeader(&zip.FileHeader{
		Name:     arrayName,
		Method:   zip.Store,
		Modified: time.Now(),
	})
	if err != nil {
		return err
	}
	if err := writeNPY(entry, m); err != nil {
		return fmt.Errorf("encode array: %w", err)
	}
	return zw.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
