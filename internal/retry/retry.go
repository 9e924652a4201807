// Package retry provides the bounded polling helpers shared by health waits,
// primary rediscovery and metrics convergence checks.
package retry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ErrDeadline is returned when a predicate never became true inside its
// time or attempt budget.
var ErrDeadline = errors.New("retry: condition not met before deadline")

// Poller repeatedly evaluates a predicate until it reports true.
type Poller struct {
	interval time.Duration
	logger   *zap.Logger
}

// Option configures a Poller.
type Option func(*Poller)

// WithInterval sets the delay between predicate evaluations.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) { p.interval = d }
}

// WithLogger adds logging to poll attempts.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Poller) { p.logger = logger }
}

// NewPoller creates a poller with a one second default interval.
func NewPoller(opts ...Option) *Poller {
	p := &Poller{
		interval: time.Second,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WaitFor evaluates predicate every interval until it returns true, the
// deadline budget is spent, or ctx is cancelled. The predicate is evaluated
// once immediately before any sleep.
func (p *Poller) WaitFor(ctx context.Context, deadline time.Duration, predicate func(context.Context) bool) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	attempt := 0
	for {
		attempt++
		if predicate(ctx) {
			if attempt > 1 {
				p.logger.Debug("condition met",
					zap.Int("attempts", attempt))
			}
			return nil
		}

		select {
		case <-time.After(p.interval):
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrDeadline
			}
			return ctx.Err()
		}
	}
}

// Attempts runs fn up to n times with a fixed delay between attempts,
// returning nil on the first success and the last error otherwise.
func (p *Poller) Attempts(ctx context.Context, n int, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < n; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
		if attempt == n-1 {
			break
		}
		p.logger.Debug("attempt failed, retrying",
			zap.Error(lastErr),
			zap.Int("attempt", attempt+1),
			zap.Int("budget", n))
		select {
		case <-time.After(p.interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if lastErr == nil {
		lastErr = ErrDeadline
	}
	return lastErr
}
