package bus

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
)

// Channels is the number of values carried by one wearable unit:
// accel x,y,z followed by gyro x,y,z.
const Channels = 6

// ErrMalformedPacket is returned by ParsePacket for anything that is not
// "<index>#<value>" with index in 0..Channels-1.
var ErrMalformedPacket = errors.New("malformed packet")

type Side int

const (
	Left Side = iota
	Right
)

// Sides lists every side in field layout order.
var Sides = []Side{Left, Right}

func (s Side) String() string {
	switch s {
	case Left:
		return "left"
	case Right:
		return "right"
	default:
		return fmt.Sprintf("side(%d)", int(s))
	}
}

// Vector is the latest value of every channel of one side.
type Vector [Channels]float64

// Stats counts packets seen on one side.
type Stats struct {
	Received  uint64
	Malformed uint64
}

type channel struct {
	mu     sync.RWMutex
	values Vector

	received  atomic.Uint64
	malformed atomic.Uint64
}

// Bus holds the most recent value per channel of each side. Notification
// callbacks write into it while the sampler reads consistent snapshots.
type Bus struct {
	sides  [2]channel
	logger *slog.Logger
}

// WithLogger sets the logger used to report dropped packets.
func WithLogger(logger *slog.Logger) func(*Bus) {
	return func(b *Bus) {
		b.logger = logger.With(slog.String("component", "bus"))
	}
}

// New creates a Bus with every channel at zero.
func New(options ...func(*Bus)) *Bus {
	b := Bus{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, option := range options {
		option(&b)
	}
	return &b
}

// Update parses a notification packet and stores its value. Malformed
// packets are counted and dropped.
func (b *Bus) Update(side Side, packet []byte) {
	ch := b.channel(side)
	if ch == nil {
		return
	}
	ch.received.Add(1)

	index, value, err := ParsePacket(packet)
	if err != nil {
		n := ch.malformed.Add(1)
		b.logger.Debug("dropping packet",
			slog.String("side", side.String()),
			slog.String("packet", string(packet)),
			slog.Uint64("malformed", n),
			slog.String("error", err.Error()))
		return
	}

	ch.mu.Lock()
	ch.values[index] = value
	ch.mu.Unlock()
}

// Snapshot returns a copy of the side's values as of the call.
func (b *Bus) Snapshot(side Side) Vector {
	ch := b.channel(side)
	if ch == nil {
		return Vector{}
	}
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.values
}

// Stats returns packet counters for a side.
func (b *Bus) Stats(side Side) Stats {
	ch := b.channel(side)
	if ch == nil {
		return Stats{}
	}
	return Stats{Received: ch.received.Load(), Malformed: ch.malformed.Load()}
}

// Receiver adapts Update to a link callback bound to one side.
func (b *Bus) Receiver(side Side) func(packet []byte) {
	return func(packet []byte) { b.Update(side, packet) }
}

func (b *Bus) channel(side Side) *channel {
	if side < Left || side > Right {
		return nil
	}
	return &b.sides[side]
}

// ParsePacket decodes "<index>#<value>". Surrounding whitespace and NUL
// padding are ignored.
func ParsePacket(packet []byte) (int, float64, error) {
	p := bytes.Trim(packet, " \t\r\n\x00")
	parts := bytes.Split(p, []byte("#"))
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: want 2 fields, got %d", ErrMalformedPacket, len(parts))
	}
	index, err := strconv.Atoi(string(bytes.TrimSpace(parts[0])))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: index: %w", ErrMalformedPacket, err)
	}
	if index < 0 || index >= Channels {
		return 0, 0, fmt.Errorf("%w: index %d out of range", ErrMalformedPacket, index)
	}
	value, err := strconv.ParseFloat(string(bytes.TrimSpace(parts[1])), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: value: %w", ErrMalformedPacket, err)
	}
	return index, value, nil
}
