package storage

import (
	"fmt"
	"time"
)

// Instants bounding every timestamp a store accepts, both included.  Timestamps
// are kept with microsecond precision.  MinInstant is one microsecond after the
// zero time.Time, which is never a valid timestamp.
var (
	MinInstant = time.Date(1, time.January, 1, 0, 0, 0, 1_000, time.UTC)
	MaxInstant = time.Date(9999, time.December, 31, 23, 59, 59, 999_999_000, time.UTC)
)

// Range is a time interval used by the range queries of a Store.  The zero
// Range contains only MinInstant.
type Range struct {
	from time.Time
	to   time.Time

	// exclusiveTo is true for single-day ranges.
	exclusiveTo bool
}

// Between returns the inclusive range [from, to].  If from is after to, the
// range is empty.
func Between(from, to time.Time) (r Range) {
	return Range{
		from: from,
		to:   to,
	}
}

// Day returns the half-open range [start, start+24h), where start is the
// beginning of the day containing day in day's location.  Unlike Between, an
// event at exactly start+24h is not included.
func Day(day time.Time) (r Range) {
	start := StartOfDay(day)

	return Range{
		from:        start,
		to:          start.Add(24 * time.Hour),
		exclusiveTo: true,
	}
}

// All returns the range covering every timestamp a store accepts.
func All() (r Range) {
	return Between(MinInstant, MaxInstant)
}

// StartOfDay returns midnight of the day containing t in t's location.
func StartOfDay(t time.Time) (start time.Time) {
	y, m, d := t.Date()

	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// From returns the lower bound of r.  It is always inclusive.
func (r Range) From() (from time.Time) { return r.from }

// To returns the upper bound of r.
func (r Range) To() (to time.Time) { return r.to }

// IsExclusive returns true if the upper bound of r is excluded.
func (r Range) IsExclusive() (ok bool) { return r.exclusiveTo }

// String implements the fmt.Stringer interface for Range.
func (r Range) String() (s string) {
	closing := "]"
	if r.exclusiveTo {
		closing = ")"
	}

	return fmt.Sprintf("[%s, %s%s", r.from.Format(time.RFC3339Nano), r.to.Format(time.RFC3339Nano), closing)
}

// micros returns r as an inclusive interval of Unix microseconds.  ok is false
// if r is empty.  All backends filter by this interval, so boundary ties are
// resolved the same way everywhere.
func (r Range) micros() (lo, hi int64, ok bool) {
	lo = ceilMicro(clampInstant(r.from))

	switch {
	case !r.exclusiveTo:
		hi = clampInstant(r.to).UnixMicro()
	case r.to.After(MaxInstant):
		// Everything up to MaxInstant is before the exclusive end.
		hi = MaxInstant.UnixMicro()
	default:
		hi = ceilMicro(clampInstant(r.to)) - 1
	}

	return lo, hi, lo <= hi
}

// contains returns true if a stored timestamp in microseconds is within the
// inclusive interval.
func contains(lo, hi, us int64) (ok bool) {
	return us >= lo && us <= hi
}

// clampInstant returns t limited to [MinInstant, MaxInstant].
func clampInstant(t time.Time) (c time.Time) {
	switch {
	case t.Before(MinInstant):
		return MinInstant
	case t.After(MaxInstant):
		return MaxInstant
	default:
		return t
	}
}

// ceilMicro returns t in Unix microseconds rounded up.
func ceilMicro(t time.Time) (us int64) {
	us = t.UnixMicro()
	if t.Nanosecond()%int(time.Microsecond) != 0 {
		us++
	}

	return us
}

// toMicro returns the stored form of a timestamp.
func toMicro(t time.Time) (us int64) {
	return t.UnixMicro()
}

// fromMicro returns the domain form of a stored timestamp.
func fromMicro(us int64) (t time.Time) {
	return time.UnixMicro(us).UTC()
}
