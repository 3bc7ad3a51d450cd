package storage

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/bits"
	"regexp"
	"strconv"
	"strings"
)

// NumPy .npy format, version 1.0 on write; 1.0 and 2.0 on read.
// https://numpy.org/doc/stable/reference/generated/numpy.lib.format.html

var npyMagic = []byte("\x93NUMPY")

const npyAlign = 64

var (
	descrRe   = regexp.MustCompile(`'descr':\s*'([^']+)'`)
	fortranRe = regexp.MustCompile(`'fortran_order':\s*(True|False)`)
	shapeRe   = regexp.MustCompile(`'shape':\s*\(([^)]*)\)`)
)

// matrix is a row-major 2-D float64 array.
type matrix struct {
	rows, cols int
	data       []float64
}

func (m matrix) row(i int) []float64 {
	return m.data[i*m.cols : (i+1)*m.cols]
}

func writeNPY(w io.Writer, m matrix) error {
	header := fmt.Sprintf("{'descr': '<f8', 'fortran_order': False, 'shape': (%d, %d), }", m.rows, m.cols)
	// magic(6) + version(2) + header length(2) + header + '\n' is padded to the alignment
	total := len(npyMagic) + 4 + len(header) + 1
	if pad := total % npyAlign; pad != 0 {
		header += strings.Repeat(" ", npyAlign-pad)
	}
	header += "\n"

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(npyMagic); err != nil {
		return err
	}
	if _, err := bw.Write([]byte{1, 0}); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint16(len(header))); err != nil {
		return err
	}
	if _, err := bw.WriteString(header); err != nil {
		return err
	}
	var buf [8]byte
	for _, v := range m.data {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		if _, err := bw.Write(buf[:]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// readNPY decodes an array from r, which holds size bytes in total. The
// declared shape must fit in size.
func readNPY(r io.Reader, size uint64) (matrix, error) {
	var m matrix

	magic := make([]byte, len(npyMagic)+2)
	if _, err := io.ReadFull(r, magic); err != nil {
		return m, fmt.Errorf("read magic: %w", err)
	}
	if !bytes.Equal(magic[:len(npyMagic)], npyMagic) {
		return m, errors.New("not an npy array")
	}

	var headerLen int
	preamble := uint64(len(magic))
	switch major := magic[len(npyMagic)]; major {
	case 1:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return m, fmt.Errorf("read header length: %w", err)
		}
		headerLen = int(n)
		preamble += 2
	case 2, 3:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return m, fmt.Errorf("read header length: %w", err)
		}
		headerLen = int(n)
		preamble += 4
	default:
		return m, fmt.Errorf("unsupported npy version %d", major)
	}
	preamble += uint64(headerLen)
	if preamble > size {
		return m, fmt.Errorf("header length %d exceeds array size %d", headerLen, size)
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return m, fmt.Errorf("read header: %w", err)
	}

	descr := descrRe.FindSubmatch(header)
	fortran := fortranRe.FindSubmatch(header)
	shape := shapeRe.FindSubmatch(header)
	if descr == nil || fortran == nil || shape == nil {
		return m, fmt.Errorf("malformed npy header %q", header)
	}

	dims, err := parseShape(string(shape[1]))
	if err != nil {
		return m, err
	}
	switch len(dims) {
	case 1:
		// a single record saved as a vector
		m.rows, m.cols = 1, dims[0]
	case 2:
		m.rows, m.cols = dims[0], dims[1]
	default:
		return m, fmt.Errorf("want a 2-D array, got shape %v", dims)
	}

	var (
		read     func(io.Reader) (float64, error)
		itemSize uint64
	)
	switch string(descr[1]) {
	case "<f8":
		itemSize = 8
		read = func(r io.Reader) (float64, error) {
			var v float64
			err := binary.Read(r, binary.LittleEndian, &v)
			return v, err
		}
	case "<f4":
		itemSize = 4
		read = func(r io.Reader) (float64, error) {
			var v float32
			err := binary.Read(r, binary.LittleEndian, &v)
			return float64(v), err
		}
	case "<i8":
		itemSize = 8
		read = func(r io.Reader) (float64, error) {
			var v int64
			err := binary.Read(r, binary.LittleEndian, &v)
			return float64(v), err
		}
	default:
		return m, fmt.Errorf("unsupported dtype %q", descr[1])
	}

	if err := checkShape(m.rows, m.cols, itemSize, size-preamble); err != nil {
		return m, err
	}

	br := bufio.NewReader(r)
	m.data = make([]float64, m.rows*m.cols)
	for i := range m.data {
		if m.data[i], err = read(br); err != nil {
			return m, fmt.Errorf("read element %d of %d: %w", i, len(m.data), err)
		}
	}

	if string(fortran[1]) == "True" {
		m.data = transpose(m.data, m.rows, m.cols)
	}
	return m, nil
}

// checkShape rejects shapes whose payload cannot fit in avail bytes.
func checkShape(rows, cols int, itemSize, avail uint64) error {
	hi, n := bits.Mul64(uint64(rows), uint64(cols))
	if hi != 0 {
		return fmt.Errorf("shape (%d, %d) overflows", rows, cols)
	}
	hi, need := bits.Mul64(n, itemSize)
	if hi != 0 || need > avail {
		return fmt.Errorf("shape (%d, %d) needs more than the %d bytes stored", rows, cols, avail)
	}
	return nil
}

func parseShape(s string) ([]int, error) {
	var dims []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("invalid shape %q", s)
		}
		dims = append(dims, v)
	}
	return dims, nil
}

// transpose converts column-major data into row-major order.
func transpose(data []float64, rows, cols int) []float64 {
	out := make([]float64, len(data))
	for c := 0; c < cols; c++ {
		for r := 0; r < rows; r++ {
			out[r*cols+c] = data[c*rows+r]
		}
	}
	return out
}
