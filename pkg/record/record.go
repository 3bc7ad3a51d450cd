// Package record defines the time-aligned samples produced by the sampler and
// the batches handed to durable storage.
package record

import (
	"fmt"
	"time"

	"github.com/ericogr/wheelsense/pkg/bus"
)

// MotionFields is the number of IMU fields in every record: accel and gyro
// for the left unit followed by accel and gyro for the right unit.
const MotionFields = 2 * bus.Channels

// ContinuousLabel names batches recorded without an activity.
const ContinuousLabel = "continuous"

// Record is one sample: a monotonic timestamp in seconds and the fixed field
// layout [accel_left(3), gyro_left(3), accel_right(3), gyro_right(3), pressure(N)].
type Record struct {
	Timestamp float64
	Fields    []float64
}

// Layout describes the field layout of a session.
type Layout struct {
	Pressure int
}

// Arity is the number of fields in every record of the layout.
func (l Layout) Arity() int {
	return MotionFields + l.Pressure
}

// LayoutForArity infers the layout from a record width.
func LayoutForArity(arity int) (Layout, error) {
	if arity < MotionFields {
		return Layout{}, fmt.Errorf("arity %d below the %d motion fields", arity, MotionFields)
	}
	return Layout{Pressure: arity - MotionFields}, nil
}

// Parts is a record split into its physical quantities.
type Parts struct {
	AccelLeft  []float64
	GyroLeft   []float64
	AccelRight []float64
	GyroRight  []float64
	Pressure   []float64
}

// Split slices fields into its sub-vectors. The returned slices alias fields.
func (l Layout) Split(fields []float64) (Parts, error) {
	if len(fields) != l.Arity() {
		return Parts{}, fmt.Errorf("record has %d fields, layout wants %d", len(fields), l.Arity())
	}
	return Parts{
		AccelLeft:  fields[0:3],
		GyroLeft:   fields[3:6],
		AccelRight: fields[6:9],
		GyroRight:  fields[9:12],
		Pressure:   fields[12:],
	}, nil
}

// Assemble builds the fields of a record from both sides and the pressure
// vector.
func Assemble(left, right bus.Vector, pressure []float64) []float64 {
	fields := make([]float64, 0, MotionFields+len(pressure))
	fields = append(fields, left[:]...)
	fields = append(fields, right[:]...)
	fields = append(fields, pressure...)
	return fields
}

// Batch is an ordered run of records flushed together.
type Batch struct {
	Label     string
	StartTime int64 // wall clock epoch milliseconds at the first record
	Records   []Record
}

// Len returns the number of records.
func (b Batch) Len() int { return len(b.Records) }

// Validate checks record ordering and a constant arity.
func (b Batch) Validate() error {
	for i, r := range b.Records {
		if len(r.Fields) != len(b.Records[0].Fields) {
			return fmt.Errorf("record %d has %d fields, first has %d", i, len(r.Fields), len(b.Records[0].Fields))
		}
		if i > 0 && r.Timestamp < b.Records[i-1].Timestamp {
			return fmt.Errorf("record %d goes back in time (%v < %v)", i, r.Timestamp, b.Records[i-1].Timestamp)
		}
	}
	return nil
}

// Normalize returns a copy whose timestamps are offsets from the first
// record, which becomes exactly zero.
func (b Batch) Normalize() Batch {
	out := Batch{Label: b.Label, StartTime: b.StartTime, Records: make([]Record, len(b.Records))}
	if len(b.Records) == 0 {
		return out
	}
	t0 := b.Records[0].Timestamp
	for i, r := range b.Records {
		out.Records[i] = Record{Timestamp: r.Timestamp - t0, Fields: r.Fields}
	}
	return out
}

// Buffer accumulates the records of the active session. It has a single
// writer; Detach hands the accumulated records off so the writer never shares
// a backing array with whoever persists them.
type Buffer struct {
	label    string
	capacity int
	records  []Record
	start    time.Time
}

// NewBuffer creates an empty buffer. capacity is a sizing hint.
func NewBuffer(label string, capacity int) *Buffer {
	return &Buffer{label: label, capacity: capacity, records: make([]Record, 0, capacity)}
}

// Append adds a record sampled at wall clock time wall.
func (b *Buffer) Append(r Record, wall time.Time) {
	if len(b.records) == 0 {
		b.start = wall
	}
	b.records = append(b.records, r)
}

// Len returns the number of buffered records.
func (b *Buffer) Len() int { return len(b.records) }

// Detach returns the buffered records as a batch and starts a fresh buffer.
func (b *Buffer) Detach() Batch {
	batch := Batch{Label: b.label, StartTime: b.start.UnixMilli(), Records: b.records}
	b.records = make([]Record, 0, b.capacity)
	b.start = time.Time{}
	return batch
}
