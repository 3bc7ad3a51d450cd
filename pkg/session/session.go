// Package session implements a bounded activity recording: a countdown, a
// fixed recording window and a stop signal.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

type State int

const (
	Idle State = iota
	CountingDown
	Recording
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case CountingDown:
		return "counting down"
	case Recording:
		return "recording"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var ErrAlreadyStarted = errors.New("session already started")

// Progress is an advisory snapshot for operators.
type Progress struct {
	Label     string
	State     State
	Elapsed   time.Duration
	Remaining time.Duration
}

// Fraction is the completed share of the current phase, in 0..1.
func (p Progress) Fraction() float64 {
	total := p.Elapsed + p.Remaining
	if total <= 0 {
		return 1
	}
	return float64(p.Elapsed) / float64(total)
}

type Session struct {
	label     string
	duration  time.Duration
	countdown time.Duration
	progress  func(Progress)
	now       func() time.Time
	logger    *slog.Logger

	mu       sync.Mutex
	state    State
	start    time.Time
	deadline time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// WithCountdown sets the pause between Start and recording. Defaults to 3s.
func WithCountdown(d time.Duration) func(*Session) {
	return func(s *Session) {
		s.countdown = d
	}
}

// WithProgress registers a callback invoked about once a second and on every
// state change.
func WithProgress(f func(Progress)) func(*Session) {
	return func(s *Session) {
		s.progress = f
	}
}

func WithClock(now func() time.Time) func(*Session) {
	return func(s *Session) {
		s.now = now
	}
}

func WithLogger(logger *slog.Logger) func(*Session) {
	return func(s *Session) {
		s.logger = logger.With(slog.String("component", "session"))
	}
}

func New(label string, duration time.Duration, options ...func(*Session)) *Session {
	s := Session{
		label:     label,
		duration:  duration,
		countdown: 3 * time.Second,
		progress:  func(Progress) {},
		now:       time.Now,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, option := range options {
		option(&s)
	}
	return &s
}

func (s *Session) Label() string { return s.label }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StartTime is the wall clock time recording began, zero before that.
func (s *Session) StartTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.start
}

// Recording reports whether samples taken now belong to the session.
func (s *Session) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Recording && s.now().Before(s.deadline)
}

// Done is closed once the session is stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Stop ends the session early. It is safe to call more than once and from
// any state.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Start begins the countdown. The session stops on its own after the
// countdown plus its duration, or earlier on Stop or when ctx ends.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = CountingDown
	s.mu.Unlock()

	s.logger.Info("counting down", slog.String("label", s.label), slog.Duration("countdown", s.countdown))
	go s.run(ctx)
	return nil
}

func (s *Session) run(ctx context.Context) {
	defer s.finish()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	if s.countdown > 0 {
		begin := s.now()
		timer := time.NewTimer(s.countdown)
		defer timer.Stop()
	countdown:
		for {
			s.report(CountingDown, s.now().Sub(begin), s.countdown)
			select {
			case <-timer.C:
				break countdown
			case <-ticker.C:
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}

	s.mu.Lock()
	s.state = Recording
	s.start = s.now()
	s.deadline = s.start.Add(s.duration)
	s.mu.Unlock()
	s.logger.Info("recording", slog.String("label", s.label), slog.Duration("duration", s.duration))

	deadline := time.NewTimer(s.duration)
	defer deadline.Stop()
	for {
		s.report(Recording, s.now().Sub(s.StartTime()), s.duration)
		select {
		case <-deadline.C:
			return
		case <-ticker.C:
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) report(state State, elapsed, total time.Duration) {
	elapsed = min(elapsed, total)
	s.progress(Progress{Label: s.label, State: state, Elapsed: elapsed, Remaining: total - elapsed})
}

func (s *Session) finish() {
	s.mu.Lock()
	recorded := time.Duration(0)
	if !s.start.IsZero() {
		recorded = min(s.now().Sub(s.start), s.duration)
	}
	s.state = Stopped
	s.mu.Unlock()

	s.logger.Info("stopped", slog.String("label", s.label), slog.Duration("recorded", recorded))
	s.progress(Progress{Label: s.label, State: Stopped, Elapsed: recorded})
	close(s.done)
}
