package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/joinflow/joinflow/custom_errors"
	"github.com/joinflow/joinflow/internal/state"
)

// CapacityConfig holds the admission limits for every warmup phase.
type CapacityConfig struct {
	TrustMinimum           int
	MaxConsecutiveFailures int
	Timezone               string
	Phases                 map[state.ChipPhase]PhaseLimits
}

// PhaseLimits bounds what a chip in one warmup phase may do.
type PhaseLimits struct {
	DailyLimit   int
	SixHourLimit int
	MinimumDelay time.Duration
	Window       TimeWindow
}

// TimeWindow is the time of day, in the capacity timezone, during which joins are allowed.
// Start and End are offsets from local midnight; End is exclusive.
type TimeWindow struct {
	Start time.Duration
	End   time.Duration
	Days  []time.Weekday // empty allows every day
}

// Limits returns the limits for phase. ok is false when the phase is not configured.
func (c CapacityConfig) Limits(phase state.ChipPhase) (PhaseLimits, bool) {
	limits, ok := c.Phases[phase]
	return limits, ok
}

// Location resolves Timezone, defaulting to UTC.
func (c CapacityConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Validate checks the whole structure and reports every problem at once.
func (c CapacityConfig) Validate() error {
	validationErrs := &custom_errors.ValidationError{}

	if c.TrustMinimum < 0 || c.TrustMinimum > 100 {
		validationErrs.Add(fmt.Errorf("trust minimum must be within 0..100, got %d", c.TrustMinimum))
	}
	if c.MaxConsecutiveFailures < 1 {
		validationErrs.Add(errors.New("max consecutive failures must be positive"))
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			validationErrs.Add(fmt.Errorf("invalid timezone %q: %w", c.Timezone, err))
		}
	}

	for _, phase := range state.JoiningPhases {
		if _, ok := c.Phases[phase]; !ok {
			validationErrs.Add(fmt.Errorf("phase %s: limits are required", phase))
		}
	}

	for phase, limits := range c.Phases {
		if phase.Ordinal() < 0 {
			validationErrs.Add(fmt.Errorf("unknown phase %q", phase))
			continue
		}
		if err := limits.validate(); err != nil {
			validationErrs.Add(fmt.Errorf("phase %s: %w", phase, err))
		}
	}

	if validationErrs.HasError() {
		return validationErrs
	}
	return nil
}

func (l PhaseLimits) validate() error {
	switch {
	case l.DailyLimit < 0 || l.SixHourLimit < 0:
		return errors.New("limits must not be negative")
	case l.SixHourLimit > l.DailyLimit:
		return fmt.Errorf("six hour limit %d exceeds daily limit %d", l.SixHourLimit, l.DailyLimit)
	case l.MinimumDelay < 0:
		return errors.New("minimum delay must not be negative")
	}
	return l.Window.validate()
}

func (w TimeWindow) validate() error {
	if w.Start < 0 || w.End > 24*time.Hour || w.Start >= w.End {
		return fmt.Errorf("invalid window %s-%s", w.Start, w.End)
	}
	for _, d := range w.Days {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("invalid weekday %d", d)
		}
	}
	return nil
}

func (w TimeWindow) allowsDay(d time.Weekday) bool {
	if len(w.Days) == 0 {
		return true
	}
	for _, day := range w.Days {
		if day == d {
			return true
		}
	}
	return false
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Allows reports whether t, interpreted in loc, falls inside the window.
func (w TimeWindow) Allows(t time.Time, loc *time.Location) bool {
	local := t.In(loc)
	if !w.allowsDay(local.Weekday()) {
		return false
	}
	offset := local.Sub(midnight(local))
	return offset >= w.Start && offset < w.End
}

// NextOpen returns t itself when the window allows it, otherwise the start of the
// next allowed window after t. The zero time is returned if no day is allowed.
func (w TimeWindow) NextOpen(t time.Time, loc *time.Location) time.Time {
	if w.Allows(t, loc) {
		return t
	}
	local := t.In(loc)
	day := midnight(local)
	for i := 0; i < 8; i++ {
		start := day.Add(w.Start)
		if w.allowsDay(day.Weekday()) && !start.Before(local) {
			return start
		}
		day = time.Date(day.Year(), day.Month(), day.Day()+1, 0, 0, 0, 0, loc)
	}
	return time.Time{}
}
