package scheduler

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"botfleet/internal/config"
)

// TickFunc runs one cycle.
type TickFunc func(ctx context.Context, tick time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	// Jitter spreads each delay uniformly over Interval*(1±Jitter).
	Jitter       float64
	StartupDelay time.Duration
	// Rand returns a float in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// OptionsFromConfig maps runtime configuration onto scheduler options.
func OptionsFromConfig(cfg config.SchedulerConfig) Options {
	return Options{
		Interval:     cfg.Interval,
		AlignToStart: cfg.AlignToBucket,
		Jitter:       cfg.Jitter,
		StartupDelay: cfg.StartupDelay,
	}
}

// Scheduler repeatedly invokes a tick function.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.Jitter < 0 {
		opts.Jitter = 0
	}
	if opts.Jitter >= 1 {
		opts.Jitter = 0.99
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// RunImmediately invokes tick once, then hands over to Run.
func (s *Scheduler) RunImmediately(ctx context.Context, tick TickFunc) error {
	s.invoke(ctx, tick, time.Now().UTC())
	return s.Run(ctx, tick)
}

// Run blocks, invoking tick after each delay until ctx is cancelled. A
// failing tick is logged and does not stop the loop.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := wait(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	for {
		next := s.NextTick(time.Now().UTC())
		s.logger.Debug().Time("next_tick", next).Msg("waiting for next cycle")
		if err := wait(ctx, time.Until(next)); err != nil {
			return err
		}
		s.invoke(ctx, tick, next)
	}
}

func (s *Scheduler) invoke(ctx context.Context, tick TickFunc, at time.Time) {
	s.logger.Info().Time("tick", at).Msg("executing scheduled tick")
	if err := tick(ctx, at); err != nil {
		s.logger.Error().Err(err).Time("tick", at).Msg("tick execution failed")
	}
}

// NextTick is the time of the cycle after now. Aligned schedules snap to
// the interval grid before jitter is applied.
func (s *Scheduler) NextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.Delay())
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	if s.opts.Jitter == 0 {
		return bucket
	}
	shifted := bucket.Add(s.Delay() - s.opts.Interval)
	if !shifted.After(now) {
		return now.Add(time.Second)
	}
	return shifted
}

// Delay is Interval scaled by a random factor in [1-Jitter, 1+Jitter).
func (s *Scheduler) Delay() time.Duration {
	if s.opts.Jitter == 0 {
		return s.opts.Interval
	}
	factor := 1 - s.opts.Jitter + 2*s.opts.Jitter*s.opts.Rand()
	return time.Duration(float64(s.opts.Interval) * factor)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
