// Package cronexpr wraps robfig/cron/v3's standard 5-field parser (minute,
// hour, day-of-month, month, day-of-week; comma/dash/slash/asterisk; 0 and 7
// both meaning Sunday; OR semantics when both day-of-month and day-of-week
// are restricted) and adds the minimum-interval check the Cron Dispatcher
// needs (§4.3, §9 Cron expression semantics).
package cronexpr

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrParse = errors.New("cronexpr: invalid cron expression")

// Schedule is a parsed, reusable cron expression.
type Schedule struct {
	raw string
	sched cron.Schedule
}

// Parse parses a standard 5-field cron expression.
func Parse(expr string) (*Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrParse, expr, err)
	}
	return &Schedule{raw: expr, sched: sched}, nil
}

// Next returns the next firing strictly after t.
func (s *Schedule) Next(t time.Time) time.Time {
	return s.sched.Next(t)
}

// String returns the original expression text.
func (s *Schedule) String() string { return s.raw }

// MinInterval estimates the minimum gap between consecutive firings by
// sampling a window of firings from a fixed epoch. This is sufficient to
// reject effectively-sub-minute expressions (e.g. "* * * * *" fires every
// 60s, which is the floor allowed by a 5-field evaluator) as well as
// expressions whose OR semantics (dom/dow both restricted) produce bursts
// closer together than the configured floor.
func (s *Schedule) MinInterval(sampleSize int) time.Duration {
	if sampleSize < 2 {
		sampleSize = 64
	}
	epoch := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	min := time.Duration(-1)
	prev := s.sched.Next(epoch)
	for i := 0; i < sampleSize; i++ {
		next := s.sched.Next(prev)
		gap := next.Sub(prev)
		if min < 0 || gap < min {
			min = gap
		}
		prev = next
	}
	if min < 0 {
		return 0
	}
	return min
}
