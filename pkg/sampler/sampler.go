// Package sampler turns the latest sensor values into a fixed-rate stream of
// records and hands full buffers off for persistence.
package sampler

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ericogr/wheelsense/pkg/bus"
	"github.com/ericogr/wheelsense/pkg/record"
	"github.com/ericogr/wheelsense/pkg/sensor"
)

// Gate decides whether a tick records anything. Bounded sessions use it to
// drop ticks before recording starts and after it stops.
type Gate interface {
	Recording() bool
}

// Flusher receives detached batches. It is called on the sampling goroutine
// and must not block on I/O.
type Flusher func(record.Batch)

type Stats struct {
	Ticks            uint64
	Records          uint64
	Batches          uint64
	PressureFailures uint64
}

type Scheduler struct {
	bus       *bus.Bus
	pressure  sensor.Pressure
	flush     Flusher
	period    time.Duration
	threshold int
	gate      Gate
	label     string
	now       func() time.Time
	logger    *slog.Logger

	origin       time.Time
	buf          *record.Buffer
	lastPressure []float64

	ticks            atomic.Uint64
	records          atomic.Uint64
	batches          atomic.Uint64
	pressureFailures atomic.Uint64
}

// WithPeriod sets the sampling period. Defaults to 100ms.
func WithPeriod(d time.Duration) func(*Scheduler) {
	return func(s *Scheduler) {
		s.period = d
	}
}

// WithThreshold flushes whenever the buffer holds n records. Zero keeps every
// record until the scheduler stops.
func WithThreshold(n int) func(*Scheduler) {
	return func(s *Scheduler) {
		s.threshold = n
	}
}

func WithGate(g Gate) func(*Scheduler) {
	return func(s *Scheduler) {
		s.gate = g
	}
}

// WithLabel names the batches. Defaults to record.ContinuousLabel.
func WithLabel(label string) func(*Scheduler) {
	return func(s *Scheduler) {
		s.label = label
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) func(*Scheduler) {
	return func(s *Scheduler) {
		s.now = now
	}
}

func WithLogger(logger *slog.Logger) func(*Scheduler) {
	return func(s *Scheduler) {
		s.logger = logger.With(slog.String("component", "sampler"))
	}
}

// New creates a scheduler reading b and p. p may be nil when no pressure
// channels are fitted.
func New(b *bus.Bus, p sensor.Pressure, flush Flusher, options ...func(*Scheduler)) *Scheduler {
	if p == nil {
		p = sensor.None{}
	}
	s := Scheduler{
		bus:      b,
		pressure: p,
		flush:    flush,
		period:   100 * time.Millisecond,
		label:    record.ContinuousLabel,
		now:      time.Now,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, option := range options {
		option(&s)
	}
	s.origin = s.now()
	s.lastPressure = make([]float64, s.pressure.Channels())
	s.buf = record.NewBuffer(s.label, max(s.threshold, 64))
	return &s
}

// Layout returns the field layout of every record produced.
func (s *Scheduler) Layout() record.Layout {
	return record.Layout{Pressure: s.pressure.Channels()}
}

// Run samples every period until ctx ends, then takes one final tick and
// flushes whatever is buffered.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("sampling",
		slog.String("label", s.label),
		slog.Duration("period", s.period),
		slog.Int("threshold", s.threshold),
		slog.Int("pressure_channels", s.pressure.Channels()),
	)

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.tick()
			s.Flush()
			st := s.Stats()
			s.logger.Info("sampling stopped",
				slog.Uint64("ticks", st.Ticks),
				slog.Uint64("records", st.Records),
				slog.Uint64("batches", st.Batches),
				slog.Uint64("pressure_failures", st.PressureFailures),
			)
			return nil
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	s.ticks.Add(1)
	if s.gate != nil && !s.gate.Recording() {
		return
	}

	pressure := s.lastPressure
	if s.pressure.Channels() > 0 {
		values, err := s.pressure.Read()
		switch {
		case err != nil:
			s.pressureFailures.Add(1)
			s.logger.Warn("pressure read failed, reusing last values", slog.Any("error", err))
		case len(values) != len(s.lastPressure):
			s.pressureFailures.Add(1)
			s.logger.Warn("pressure read returned wrong channel count",
				slog.Int("got", len(values)), slog.Int("want", len(s.lastPressure)))
		default:
			s.lastPressure = values
			pressure = values
		}
	}

	now := s.now()
	fields := record.Assemble(s.bus.Snapshot(bus.Left), s.bus.Snapshot(bus.Right), pressure)
	s.buf.Append(record.Record{Timestamp: now.Sub(s.origin).Seconds(), Fields: fields}, now)
	s.records.Add(1)

	if s.threshold > 0 && s.buf.Len() >= s.threshold {
		s.Flush()
	}
}

// Flush hands the buffered records off as one batch. It must be called from
// the goroutine running the scheduler, or after Run returned.
func (s *Scheduler) Flush() {
	if s.buf.Len() == 0 {
		return
	}
	batch := s.buf.Detach()
	s.batches.Add(1)
	s.logger.Debug("flushing", slog.String("label", batch.Label), slog.Int("records", batch.Len()))
	s.flush(batch)
}

// Buffered returns the number of records not yet flushed.
func (s *Scheduler) Buffered() int {
	return s.buf.Len()
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Ticks:            s.ticks.Load(),
		Records:          s.records.Load(),
		Batches:          s.batches.Load(),
		PressureFailures: s.pressureFailures.Load(),
	}
}
