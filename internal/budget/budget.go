// Package budget tracks the wall clock budget of a benchmark invocation.
package budget

import (
	"time"

	"annbench/pkg/timeutil"
)

// Scheduler answers whether enough of the overall wall clock budget is left
// to start another unit of work. The start timestamp is captured once and
// the remaining time is computed on every call.
type Scheduler struct {
	clock  timeutil.Clock
	start  time.Time
	budget time.Duration
}

type Option func(*Scheduler)

// WithClock replaces the wall clock. The start timestamp is taken from the
// new clock unless WithStart is given as well.
func WithClock(clock timeutil.Clock) Option {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

func WithStart(start time.Time) Option {
	return func(s *Scheduler) {
		s.start = start
	}
}

func New(budget time.Duration, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:  timeutil.System,
		budget: budget,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.start.IsZero() {
		s.start = s.clock.Now()
	}
	return s
}

func (s *Scheduler) Start() time.Time {
	return s.start
}

func (s *Scheduler) Budget() time.Duration {
	return s.budget
}

// Remaining may be negative once the budget is overrun.
func (s *Scheduler) Remaining() time.Duration {
	return s.budget - s.clock.Now().Sub(s.start)
}

func (s *Scheduler) HasEnough(need time.Duration) bool {
	return s.Remaining() >= need
}
