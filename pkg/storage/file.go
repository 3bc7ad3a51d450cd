// Package storage persists record batches as durable files and reads them
// back for upload.
//
// A durable file is a NumPy .npz archive holding one float64 array named
// "data": column 0 is the time offset in seconds from the first record,
// columns 1..12 the motion fields and the remaining columns the pressure
// channels. The file name is "<label>-<start ms>.npz".
package storage

import (
	"archive/zip"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ericogr/wheelsense/pkg/record"
)

const (
	// Ext marks a complete, visible durable file.
	Ext = ".npz"

	// partialExt marks a file still being written; it never matches Ext.
	partialExt = ".partial"

	arrayName = "data.npy"
)

// FileName returns the durable file name of a batch.
func FileName(label string, startMs int64) string {
	return fmt.Sprintf("%s-%d%s", label, startMs, Ext)
}

// ParseFileName extracts label and start time from a durable file name. The
// start time follows the last '-', so labels may themselves contain dashes.
func ParseFileName(name string) (string, int64, error) {
	base := filepath.Base(name)
	stem, ok := strings.CutSuffix(base, Ext)
	if !ok {
		return "", 0, &FilenameError{Name: base, message: "missing " + Ext + " extension"}
	}
	idx := strings.LastIndexByte(stem, '-')
	if idx <= 0 || idx == len(stem)-1 {
		return "", 0, &FilenameError{Name: base, message: "want <label>-<start ms>"}
	}
	start, err := strconv.ParseInt(stem[idx+1:], 10, 64)
	if err != nil || start < 0 {
		return "", 0, &FilenameError{Name: base, message: "invalid start time", wrapped: err}
	}
	return stem[:idx], start, nil
}

// SanitizeLabel makes an activity name safe to embed in a file name.
func SanitizeLabel(label string) string {
	label = strings.TrimSpace(label)
	label = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == os.PathSeparator:
			return '_'
		case r < 0x20 || r == 0x7f:
			return -1
		case r == ' ' || r == '\t':
			return '_'
		}
		return r
	}, label)
	label = strings.TrimLeft(label, ".")
	if label == "" {
		return "unlabelled"
	}
	return label
}

// List returns the complete durable files in dir, sorted by name. Files
// still being written and hidden files are skipped.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, Ext) {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)
	return files, nil
}

// ReadFile loads a durable file. Label and start time come from the file
// name; record timestamps are the stored offsets.
func ReadFile(path string) (record.Batch, error) {
	label, start, err := ParseFileName(path)
	if err != nil {
		return record.Batch{}, err
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		return record.Batch{}, &BatchError{Path: path, wrapped: err}
	}
	defer zr.Close()

	var entry *zip.File
	for _, f := range zr.File {
		if f.Name == arrayName {
			entry = f
			break
		}
	}
	if entry == nil {
		return record.Batch{}, &BatchError{Path: path, wrapped: errors.New("no data array in archive")}
	}

	rc, err := entry.Open()
	if err != nil {
		return record.Batch{}, &BatchError{Path: path, wrapped: err}
	}
	defer rc.Close()

	m, err := readNPY(rc, entry.UncompressedSize64)
	if err != nil {
		return record.Batch{}, &BatchError{Path: path, wrapped: err}
	}
	if m.cols < 1+record.MotionFields {
		return record.Batch{}, &BatchError{Path: path, wrapped: fmt.Errorf("%d columns, want at least %d", m.cols, 1+record.MotionFields)}
	}

	batch := record.Batch{Label: label, StartTime: start, Records: make([]record.Record, m.rows)}
	for i := 0; i < m.rows; i++ {
		row := m.row(i)
		batch.Records[i] = record.Record{Timestamp: row[0], Fields: row[1:]}
	}
	return batch, nil
}

func toMatrix(b record.Batch) matrix {
	m := matrix{rows: len(b.Records), cols: 1 + len(b.Records[0].Fields)}
	m.data = make([]float64, 0, m.rows*m.cols)
	for _, r := range b.Records {
		m.data = append(m.data, r.Timestamp)
		m.data = append(m.data, r.Fields...)
	}
	return m
}
