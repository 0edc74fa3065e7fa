// Package scheduler runs a job on a fixed, optionally wall-clock aligned,
// interval. The run command uses it for the alert redelivery sweep.
package scheduler

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"pricewatch/internal/metrics"
)

// TickFunc is invoked once per slot. slot is the aligned start of the
// interval that just elapsed.
type TickFunc func(ctx context.Context, slot time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Name         string
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
}

// Scheduler drives periodic execution of one job.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Scheduler.
func New(opts Options, logger zerolog.Logger) (*Scheduler, error) {
	if opts.Interval <= 0 {
		return nil, errors.New("scheduler interval must be positive")
	}
	if opts.Name == "" {
		opts.Name = "scheduler"
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Str("job", opts.Name).Logger(),
		now:    time.Now,
	}, nil
}

// Run blocks, invoking tick once per interval until ctx is cancelled. A
// failing or panicking tick is logged and the loop carries on.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := s.sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	next := s.nextTick(s.now().UTC())
	for {
		delay := next.Sub(s.now())
		if delay < 0 {
			// a slow tick overran one or more slots; skip them
			next = s.nextTick(s.now().UTC())
			delay = next.Sub(s.now())
		}

		s.logger.Debug().Time("next_slot", next).Msg("waiting for next slot")
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}

		slot := s.slotStart(next)
		s.runTick(ctx, tick, slot)
		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) runTick(ctx context.Context, tick TickFunc, slot time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Time("slot", slot).
				Msg("scheduled job panic recovered")
			metrics.PanicsRecovered.WithLabelValues("scheduler").Inc()
		}
	}()

	start := s.now()
	if err := tick(ctx, slot); err != nil {
		s.logger.Error().Err(err).Time("slot", slot).Msg("scheduled job failed")
		return
	}
	s.logger.Debug().Time("slot", slot).Dur("took", s.now().Sub(start)).Msg("scheduled job finished")
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	slot := now.Truncate(s.opts.Interval)
	if !slot.After(now) {
		slot = slot.Add(s.opts.Interval)
	}
	return slot
}

func (s *Scheduler) slotStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
