package rewards

import (
	"fmt"
	"time"
)

// DateLayout is the format of daily periods.
const DateLayout = "2006-01-02"

// Clock is the engine's source of "now". Tests inject a fixed clock to
// simulate day rollover.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// FixedClock always returns T. Set T to move time.
type FixedClock struct {
	T time.Time
}

func (c *FixedClock) Now() time.Time { return c.T }

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) { c.T = c.T.Add(d) }

// PeriodResolver maps a task type to its eligibility period. Daily periods
// are calendar dates in Location, so every process agrees on "today"
// regardless of its own local zone.
type PeriodResolver struct {
	Clock    Clock
	Location *time.Location
}

// NewPeriodResolver returns a resolver for the named IANA zone.
// An empty name means UTC.
func NewPeriodResolver(clock Clock, zone string) (*PeriodResolver, error) {
	loc := time.UTC
	if zone != "" {
		l, err := time.LoadLocation(zone)
		if err != nil {
			return nil, fmt.Errorf("load reference timezone %q: %w", zone, err)
		}
		loc = l
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &PeriodResolver{Clock: clock, Location: loc}, nil
}

// Resolve returns the current period for t.
func (r *PeriodResolver) Resolve(t TaskType) Period {
	if t == TaskOneTime {
		return OneTimePeriod
	}
	return DayPeriod(r.Clock.Now(), r.Location)
}

// Now returns the resolver clock's time.
func (r *PeriodResolver) Now() time.Time { return r.Clock.Now() }

// DayPeriod formats t as a daily period in loc.
func DayPeriod(t time.Time, loc *time.Location) Period {
	if loc == nil {
		loc = time.UTC
	}
	return Period(t.In(loc).Format(DateLayout))
}
