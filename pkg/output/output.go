// Package output defines the remote store the upload daemon pushes durable
// files to: named, typed, append-only time series called properties.
package output

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/iancoleman/strcase"
)

type PropertyType string

const (
	TypeAccelerometer PropertyType = "ACCELEROMETER"
	TypeGyroscope     PropertyType = "GYROSCOPE"
	TypeText          PropertyType = "TEXT"
)

// TypeFSR is the type of a pressure property with n channels.
func TypeFSR(n int) PropertyType {
	return PropertyType("FSR" + strconv.Itoa(n))
}

// Store finds or creates properties on a remote thing.
type Store interface {
	FindOrCreateProperty(ctx context.Context, name string, typ PropertyType) (Property, error)
	Close() error
}

// Property buffers values locally until Sync pushes them.
type Property interface {
	ID() string
	Name() string
	Type() PropertyType
	UpdateValues(values []any, timestampMs int64)
	// Sync pushes every buffered point. Points acknowledged by the store
	// are dropped from the buffer even when a later chunk fails.
	Sync(ctx context.Context) error
	Discard()
	Pending() int
}

// PropertyID derives the identifier of a property from its display name.
func PropertyID(name string) string {
	return strcase.ToKebab(name)
}

// Descriptor is the metadata published when a property is created.
type Descriptor struct {
	ID    string       `json:"id"`
	Name  string       `json:"name"`
	Type  PropertyType `json:"type"`
	Thing string       `json:"thing"`
}

// Point is one timestamped row of a property.
type Point struct {
	Timestamp int64 `json:"t"`
	Values    []any `json:"v"`
}

// Buffer holds the points of a property that were not synced yet. It is
// safe for concurrent use.
type Buffer struct {
	mu     sync.Mutex
	points []Point
}

func (b *Buffer) Append(values []any, timestampMs int64) {
	v := make([]any, len(values))
	copy(v, values)
	b.mu.Lock()
	b.points = append(b.points, Point{Timestamp: timestampMs, Values: v})
	b.mu.Unlock()
}

// Pending returns a copy of the buffered points.
func (b *Buffer) Pending() []Point {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Point(nil), b.points...)
}

// Commit drops the first n points once the store acknowledged them.
func (b *Buffer) Commit(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n = min(n, len(b.points))
	b.points = append([]Point(nil), b.points[n:]...)
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.points)
}

func (b *Buffer) Reset() {
	b.mu.Lock()
	b.points = nil
	b.mu.Unlock()
}

// TransientError means the store could not be reached or rejected a write.
// The caller keeps its source data and tries again later.
type TransientError struct {
	Property string
	Op       string
	wrapped  error
}

func NewTransientError(property, op string, err error) *TransientError {
	return &TransientError{Property: property, Op: op, wrapped: err}
}

func (e *TransientError) Error() string {
	if e.Property == "" {
		return fmt.Sprintf("remote %s: %v", e.Op, e.wrapped)
	}
	return fmt.Sprintf("remote %s %s: %v", e.Op, e.Property, e.wrapped)
}

func (e *TransientError) Unwrap() error {
	return e.wrapped
}
