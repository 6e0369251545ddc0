package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window is one parsed schedule entry: a day range and a daily time range.
// Day ranges use ISO weekdays, 1 (Monday) through 7 (Sunday), and may wrap
// through the weekend ("6-2" covers Saturday through Tuesday). Time ranges
// never cross midnight.
type Window struct {
	FromDay int // ISO weekday 1..7
	ToDay   int // ISO weekday 1..7, inclusive
	Start   int // minutes since midnight
	End     int // minutes since midnight, exclusive
}

// ParseWindow parses a "D-D HH:MM-HH:MM" or "D HH:MM-HH:MM" window string.
func ParseWindow(s string) (Window, error) {
	var w Window

	fields := strings.Fields(s)
	if len(fields) != 2 {
		return w, fmt.Errorf("expected \"days HH:MM-HH:MM\", got %q", s)
	}

	days := fields[0]
	if from, to, ok := strings.Cut(days, "-"); ok {
		var err error
		if w.FromDay, err = parseISODay(from); err != nil {
			return w, err
		}
		if w.ToDay, err = parseISODay(to); err != nil {
			return w, err
		}
	} else {
		d, err := parseISODay(days)
		if err != nil {
			return w, err
		}
		w.FromDay, w.ToDay = d, d
	}

	start, end, ok := strings.Cut(fields[1], "-")
	if !ok {
		return w, fmt.Errorf("expected time range HH:MM-HH:MM, got %q", fields[1])
	}
	var err error
	if w.Start, err = parseClock(start); err != nil {
		return w, err
	}
	if w.End, err = parseClock(end); err != nil {
		return w, err
	}
	if w.End <= w.Start {
		return w, fmt.Errorf("window end %q must be after start %q", end, start)
	}

	return w, nil
}

func parseISODay(s string) (int, error) {
	d, err := strconv.Atoi(s)
	if err != nil || d < 1 || d > 7 {
		return 0, fmt.Errorf("day must be 1 (Monday) through 7 (Sunday), got %q", s)
	}
	return d, nil
}

func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("hour out of range in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("minute out of range in %q", s)
	}
	return h*60 + m, nil
}

func (w Window) containsDay(isoDay int) bool {
	if w.FromDay <= w.ToDay {
		return isoDay >= w.FromDay && isoDay <= w.ToDay
	}
	return isoDay >= w.FromDay || isoDay <= w.ToDay
}

// Contains reports whether t falls inside the window. The caller converts t
// to the schedule's zone first.
func (w Window) Contains(t time.Time) bool {
	if !w.containsDay(isoWeekday(t)) {
		return false
	}
	minute := t.Hour()*60 + t.Minute()
	return minute >= w.Start && minute < w.End
}

func isoWeekday(t time.Time) int {
	d := int(t.Weekday())
	if d == 0 {
		d = 7
	}
	return d
}

// Schedule is a compiled set of windows evaluated in a fixed zone.
type Schedule struct {
	windows []Window
	loc     *time.Location
}

// Compile parses the schedule windows and resolves the timezone. An empty
// window list compiles to a schedule with no transitions.
func (c ScheduleConfig) Compile() (*Schedule, error) {
	loc := time.Local
	if tz := c.GetTimezone(); tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("failed to load schedule timezone %s: %w", tz, err)
		}
	}

	s := &Schedule{loc: loc}
	for _, raw := range c.Windows {
		w, err := ParseWindow(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid schedule window %q: %w", raw, err)
		}
		s.windows = append(s.windows, w)
	}
	return s, nil
}

// Empty reports whether the schedule has no windows. An empty schedule
// leaves tracking always enabled.
func (s *Schedule) Empty() bool {
	return len(s.windows) == 0
}

// ActiveAt reports whether tracking is enabled at t. With no windows the
// schedule is always active.
func (s *Schedule) ActiveAt(t time.Time) bool {
	if s.Empty() {
		return true
	}
	local := t.In(s.loc)
	for _, w := range s.windows {
		if w.Contains(local) {
			return true
		}
	}
	return false
}

// NextTransition returns the earliest window edge (a start or end) strictly
// after t. With no windows it returns the zero time.
func (s *Schedule) NextTransition(t time.Time) time.Time {
	if s.Empty() {
		return time.Time{}
	}

	local := t.In(s.loc)
	var next time.Time

	// Windows never cross midnight, so scanning eight days of start and
	// end edges covers every possible next transition.
	for offset := 0; offset <= 7; offset++ {
		day := local.AddDate(0, 0, offset)
		isoDay := isoWeekday(day)
		for _, w := range s.windows {
			if !w.containsDay(isoDay) {
				continue
			}
			for _, minute := range [2]int{w.Start, w.End} {
				edge := time.Date(day.Year(), day.Month(), day.Day(), minute/60, minute%60, 0, 0, s.loc)
				if edge.After(local) && (next.IsZero() || edge.Before(next)) {
					next = edge
				}
			}
		}
	}
	return next
}
