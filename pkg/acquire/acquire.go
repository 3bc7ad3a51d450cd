// Package acquire runs the collection pipeline: sensor links feeding the
// bus, the sampler reading it and background writes of every flushed batch.
package acquire

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ericogr/wheelsense/pkg/bus"
	"github.com/ericogr/wheelsense/pkg/link"
	"github.com/ericogr/wheelsense/pkg/record"
	"github.com/ericogr/wheelsense/pkg/retry"
	"github.com/ericogr/wheelsense/pkg/sampler"
	"github.com/ericogr/wheelsense/pkg/sensor"
	"github.com/ericogr/wheelsense/pkg/session"
)

// Persister writes one batch durably.
type Persister interface {
	Write(batch record.Batch) (string, error)
}

type endpoint struct {
	side    bus.Side
	link    link.Link
	address string

	connects  atomic.Uint64
	failures  atomic.Uint64
	drops     atomic.Uint64
	connected atomic.Bool
}

// LinkStats describes the connection history of one side.
type LinkStats struct {
	Address         string
	Connected       bool
	Connects        uint64
	ConnectFailures uint64
	Drops           uint64
	Packets         bus.Stats
}

type Stats struct {
	Links         map[bus.Side]LinkStats
	Batches       uint64
	WriteFailures uint64
}

type Acquirer struct {
	bus      *bus.Bus
	pressure sensor.Pressure
	writer   Persister

	endpoints      []*endpoint
	addressType    string
	connectTimeout time.Duration
	backoff        retry.ExponentialBackoff

	period    time.Duration
	threshold int
	countdown time.Duration
	progress  func(session.Progress)
	logger    *slog.Logger

	pending       sync.WaitGroup
	batches       atomic.Uint64
	writeFailures atomic.Uint64
}

// WithLink attaches a link for one side. Sides without a link keep their
// last known values, initially zero.
func WithLink(side bus.Side, l link.Link, address string) func(*Acquirer) {
	return func(a *Acquirer) {
		a.endpoints = append(a.endpoints, &endpoint{side: side, link: l, address: address})
	}
}

func WithPeriod(d time.Duration) func(*Acquirer) {
	return func(a *Acquirer) {
		a.period = d
	}
}

// WithThreshold sets the records per file in continuous mode.
func WithThreshold(n int) func(*Acquirer) {
	return func(a *Acquirer) {
		a.threshold = n
	}
}

func WithCountdown(d time.Duration) func(*Acquirer) {
	return func(a *Acquirer) {
		a.countdown = d
	}
}

func WithProgress(f func(session.Progress)) func(*Acquirer) {
	return func(a *Acquirer) {
		a.progress = f
	}
}

// WithConnect sets the address type and timeout passed to every link.
func WithConnect(addressType string, timeout time.Duration) func(*Acquirer) {
	return func(a *Acquirer) {
		a.addressType = addressType
		a.connectTimeout = timeout
	}
}

// WithBackoff sets the reconnect policy. Attempts are always unlimited.
func WithBackoff(b retry.ExponentialBackoff) func(*Acquirer) {
	return func(a *Acquirer) {
		a.backoff = b
	}
}

func WithLogger(logger *slog.Logger) func(*Acquirer) {
	return func(a *Acquirer) {
		a.logger = logger.With(slog.String("component", "acquire"))
	}
}

func New(b *bus.Bus, p sensor.Pressure, w Persister, options ...func(*Acquirer)) *Acquirer {
	a := Acquirer{
		bus:            b,
		pressure:       p,
		writer:         w,
		addressType:    "public",
		connectTimeout: 10 * time.Second,
		backoff:        retry.ExponentialBackoff{MinInterval: time.Second, MaxInterval: 30 * time.Second},
		period:         100 * time.Millisecond,
		threshold:      100,
		countdown:      3 * time.Second,
		progress:       func(session.Progress) {},
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, option := range options {
		option(&a)
	}
	a.backoff.MaxAttempts = 0
	if a.backoff.Logger == nil {
		a.backoff.Logger = a.logger
	}
	return &a
}

// RunContinuous records until ctx ends, writing a file every threshold
// records and one last file for the remainder.
func (a *Acquirer) RunContinuous(ctx context.Context) error {
	if a.threshold <= 0 {
		return errors.New("continuous mode needs a flush threshold")
	}
	sched := sampler.New(a.bus, a.pressure, a.persist,
		sampler.WithPeriod(a.period),
		sampler.WithThreshold(a.threshold),
		sampler.WithLabel(record.ContinuousLabel),
		sampler.WithLogger(a.logger),
	)
	return a.run(ctx, func() error {
		return sched.Run(ctx)
	})
}

// RunActivity records one bounded session and writes it as a single file
// once the session stops. It returns when the file is written.
func (a *Acquirer) RunActivity(ctx context.Context, label string, duration time.Duration) error {
	sess := session.New(label, duration,
		session.WithCountdown(a.countdown),
		session.WithProgress(a.progress),
		session.WithLogger(a.logger),
	)
	sched := sampler.New(a.bus, a.pressure, a.persist,
		sampler.WithPeriod(a.period),
		sampler.WithThreshold(0),
		sampler.WithGate(sess),
		sampler.WithLabel(label),
		sampler.WithLogger(a.logger),
	)

	return a.run(ctx, func() error {
		sampleCtx, stop := context.WithCancel(ctx)
		defer stop()
		if err := sess.Start(sampleCtx); err != nil {
			return err
		}
		go func() {
			select {
			case <-sess.Done():
				stop()
			case <-sampleCtx.Done():
			}
		}()
		err := sched.Run(sampleCtx)
		sess.Stop()
		<-sess.Done()
		return err
	})
}

// run starts the link supervisors, runs sample until it returns, waits for
// pending writes and only then disconnects the links.
func (a *Acquirer) run(ctx context.Context, sample func() error) error {
	linkCtx, disconnect := context.WithCancel(context.WithoutCancel(ctx))
	defer disconnect()

	var links sync.WaitGroup
	for _, ep := range a.endpoints {
		links.Go(func() { a.supervise(linkCtx, ep) })
	}

	err := sample()

	a.pending.Wait()
	disconnect()
	links.Wait()

	st := a.Stats()
	a.logger.Info("acquisition finished",
		slog.Uint64("batches", st.Batches),
		slog.Uint64("write_failures", st.WriteFailures),
	)
	return err
}

func (a *Acquirer) persist(batch record.Batch) {
	a.pending.Go(func() {
		if _, err := a.writer.Write(batch); err != nil {
			a.writeFailures.Add(1)
			a.logger.Error("batch lost", slog.String("label", batch.Label), slog.Int("records", batch.Len()), slog.Any("error", err))
			return
		}
		a.batches.Add(1)
	})
}

// supervise keeps one link connected until ctx ends.
func (a *Acquirer) supervise(ctx context.Context, ep *endpoint) {
	logger := a.logger.With(slog.String("side", ep.side.String()), slog.String("address", ep.address))
	ep.link.SetReceiver(a.bus.Receiver(ep.side))

	for drops := uint64(0); ; {
		err := a.backoff.Start(ctx, "connect "+ep.side.String(), func(ctx context.Context) (bool, error) {
			if err := ep.link.Connect(ctx, ep.address, a.addressType, a.connectTimeout); err != nil {
				ep.failures.Add(1)
				return true, err
			}
			return false, nil
		})
		if err != nil {
			return
		}
		ep.connects.Add(1)
		ep.connected.Store(true)
		logger.Info("link up", slog.Uint64("connects", ep.connects.Load()))

		err = ep.link.Run(ctx)
		ep.connected.Store(false)
		if derr := ep.link.Disconnect(); derr != nil {
			logger.Warn("disconnect", slog.Any("error", derr))
		}
		if ctx.Err() != nil {
			logger.Info("link down")
			return
		}

		drops++
		ep.drops.Add(1)
		wait := a.backoff.Interval(drops)
		logger.Warn("link dropped, reconnecting", slog.Any("error", err), slog.Duration("wait", wait))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

func (a *Acquirer) Stats() Stats {
	st := Stats{
		Links:         make(map[bus.Side]LinkStats, len(a.endpoints)),
		Batches:       a.batches.Load(),
		WriteFailures: a.writeFailures.Load(),
	}
	for _, ep := range a.endpoints {
		st.Links[ep.side] = LinkStats{
			Address:         ep.address,
			Connected:       ep.connected.Load(),
			Connects:        ep.connects.Load(),
			ConnectFailures: ep.failures.Load(),
			Drops:           ep.drops.Load(),
			Packets:         a.bus.Stats(ep.side),
		}
	}
	return st
}
