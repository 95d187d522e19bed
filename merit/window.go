package merit

import (
	"time"
)

// =============================================================================
// WINDOW - The interval a cyclic prize's spaces apply to
// =============================================================================

// Window is the half-open interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time

	// hour is the local reset hour the boundaries were built from, plus
	// one. Zero means unknown and Start's wall clock is used instead.
	hour int
}

// Contains returns true if t is within [Start, End).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w Window) String() string {
	return "[" + w.Start.Format(time.RFC3339) + ", " + w.End.Format(time.RFC3339) + ")"
}

// Next returns the window following this one.
func (w Window) Next() Window {
	return Window{Start: w.End, End: w.shift(w.End, w.days()), hour: w.hour}
}

// Previous returns the window before this one.
func (w Window) Previous() Window {
	return Window{Start: w.shift(w.Start, -w.days()), End: w.Start, hour: w.hour}
}

func (w Window) days() int {
	return civilDays(w.civilDate(w.Start), w.civilDate(w.End))
}

// civilDate is the local date a boundary was built for. A boundary moved
// past a DST gap can land on the following day.
func (w Window) civilDate(t time.Time) time.Time {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	if w.hour > 0 && t.Hour() < w.hour-1 {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// shift moves boundary t by days on the local calendar.
func (w Window) shift(t time.Time, days int) time.Time {
	d := w.civilDate(t)
	hour := t.Hour()
	if w.hour > 0 {
		hour = w.hour - 1
	}
	return boundary(d.Year(), d.Month(), d.Day()+days, hour, t.Location())
}

// =============================================================================
// CYCLE CALENDAR - Determines which window a timestamp falls into
// =============================================================================

const DefaultResetHour = 2

// cycleEpoch is a Monday. Window boundaries of every cyclic prize are
// counted from the first reset weekday on or after it, so a multi-week
// cycle always lands on the same weeks regardless of when it is queried.
var cycleEpoch = time.Date(2001, time.January, 1, 0, 0, 0, 0, time.UTC)

// CycleCalendar anchors cycle windows in a school's local time.
type CycleCalendar struct {
	Location  *time.Location
	ResetHour int
}

// DefaultCalendar resets at 02:00 in the given location.
func DefaultCalendar(loc *time.Location) CycleCalendar {
	if loc == nil {
		loc = time.Local
	}
	return CycleCalendar{Location: loc, ResetHour: DefaultResetHour}
}

// WindowFor returns the cycle window containing asOf.
//
//	windowIndex = floor(daysSince(anchor, asOf) / (weeks * 7))
//
// with weeks = 0 treated as 1. Days are counted on the local calendar and
// a day starts at ResetHour, so DST changes never shift a boundary.
func (c CycleCalendar) WindowFor(sp SupplyPolicy, asOf time.Time) Window {
	sp = sp.Normalize()
	loc := c.location()
	hour := clamp(c.ResetHour, 0, 23)

	weeks := sp.CycleLengthWeeks
	if weeks == 0 {
		weeks = 1
	}
	width := weeks * 7

	// ISO weekday of cycleEpoch is 1, so the anchor is epoch + (resetDay-1).
	anchorOffset := sp.ResetDayOfWeek - 1

	local := asOf.In(loc)
	day := civilDays(cycleEpoch, time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC))
	if local.Hour() < hour {
		day--
	}

	idx := floorDiv(day-anchorOffset, width)
	startDay := anchorOffset + idx*width

	start := boundary(cycleEpoch.Year(), cycleEpoch.Month(), cycleEpoch.Day()+startDay, hour, loc)
	end := boundary(cycleEpoch.Year(), cycleEpoch.Month(), cycleEpoch.Day()+startDay+width, hour, loc)
	return Window{Start: start, End: end, hour: hour + 1}
}

func (c CycleCalendar) location() *time.Location {
	if c.Location == nil {
		return time.Local
	}
	return c.Location
}

// =============================================================================
// TIME UTILITIES
// =============================================================================

// civilDays counts calendar days between the dates of from and to, ignoring
// wall-clock time and offsets.
func civilDays(from, to time.Time) int {
	f := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	t := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(t.Sub(f).Hours() / 24)
}

// boundary is the first instant on the given local date whose wall clock
// reads hour:00 or later. When hour:00 falls in a DST gap, time.Date
// normalises it to an instant before the gap, which can belong to the
// previous day; the boundary then moves forward to the end of the gap.
func boundary(year int, month time.Month, day, hour int, loc *time.Location) time.Time {
	t := time.Date(year, month, day, hour, 0, 0, 0, loc)
	want := time.Date(year, month, day, hour, 0, 0, 0, time.UTC)
	got := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
	if !got.Before(want) {
		return t
	}
	if _, end := t.ZoneBounds(); !end.IsZero() {
		return end
	}
	return t
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
