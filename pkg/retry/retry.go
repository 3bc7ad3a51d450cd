// Package retry runs tasks until they succeed, waiting an exponentially
// growing, jittered interval between attempts.
package retry

import (
	"context"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

const (
	defaultMinInterval = time.Second / 8
	defaultMaxInterval = 30 * time.Second
)

type (
	// Task is one attempt of a retried operation. retry reports whether err
	// is worth another attempt.
	Task = func(ctx context.Context) (retry bool, err error)

	// Policy runs a task under some retry discipline.
	Policy interface {
		Start(ctx context.Context, name string, task Task) error
	}
)

// ExponentialBackoff retries with intervals doubling from MinInterval up to
// MaxInterval.
type ExponentialBackoff struct {
	// MaxAttempts limits the number of attempts; 0 means unlimited and 1
	// disables retries.
	MaxAttempts uint64

	// MinInterval defaults to 1/8s.
	MinInterval time.Duration

	// MaxInterval defaults to 30s.
	MaxInterval time.Duration

	// Timeout bounds all attempts together.
	Timeout time.Duration

	NoJitter bool

	Logger *slog.Logger
}

// Start runs task until it succeeds, reports a non-retryable error, runs out
// of attempts or ctx ends.
func (e *ExponentialBackoff) Start(ctx context.Context, name string, task Task) error {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	logger := e.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	for attempt := uint64(1); ; attempt++ {
		retry, err := task(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("retry succeeded", slog.String("task", name), slog.Uint64("attempt", attempt))
			}
			return nil
		}

		if !retry || attempt == e.MaxAttempts || ctx.Err() != nil {
			logger.Warn("giving up", slog.String("task", name), slog.Uint64("attempt", attempt), slog.Any("error", err))
			return err
		}

		interval := e.Interval(attempt)
		logger.Info("retrying",
			slog.String("task", name),
			slog.Uint64("attempt", attempt),
			slog.Duration("wait", interval),
			slog.Any("error", err),
		)

		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Interval returns the wait after the given failed attempt (1-based).
func (e *ExponentialBackoff) Interval(attempt uint64) time.Duration {
	if attempt == 0 {
		attempt = 1
	}
	minInterval := e.MinInterval
	if minInterval <= 0 {
		minInterval = defaultMinInterval
	}
	maxInterval := e.MaxInterval
	if maxInterval <= 0 {
		maxInterval = defaultMaxInterval
	}
	if maxInterval < minInterval {
		maxInterval = minInterval
	}

	base := min(
		float64(minInterval)*math.Pow(2, float64(attempt-1)),
		float64(maxInterval),
	)
	if !e.NoJitter {
		// 95% to 105% of the base interval
		base *= .95 + .1*rand.Float64() // #nosec G404
	}
	return time.Duration(base)
}
