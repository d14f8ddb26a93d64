package api

import (
	"fmt"
	"net/url"
	"time"
	_ "time/tzdata" // Zone data for the tz parameter.

	"github.com/AdguardTeam/golibs/errors"
	"github.com/ngoyal88/webstat/pkg/storage"
)

// ErrDayAndBounds is returned by ParseRange when both forms of a range are
// given.
const ErrDayAndBounds errors.Error = "day can't be combined with from or to"

// ParseRange returns the range described by q:
//
//   - day, with the optional tz, selects the half-open range of that
//     calendar day;
//   - from and to, both RFC 3339, select the inclusive range between them.
//     A missing to means now, a missing from means a week before to.
func ParseRange(q url.Values, now time.Time) (r storage.Range, err error) {
	day, fromStr, toStr := q.Get("day"), q.Get("from"), q.Get("to")
	if day != "" {
		if fromStr != "" || toStr != "" {
			return storage.Range{}, ErrDayAndBounds
		}

		return parseDay(day, q.Get("tz"))
	}

	to := now
	if toStr != "" {
		to, err = time.Parse(time.RFC3339Nano, toStr)
		if err != nil {
			return storage.Range{}, fmt.Errorf("bad to: %w", err)
		}
	}

	from := to.Add(-defaultWindow)
	if fromStr != "" {
		from, err = time.Parse(time.RFC3339Nano, fromStr)
		if err != nil {
			return storage.Range{}, fmt.Errorf("bad from: %w", err)
		}
	}

	return storage.Between(from, to), nil
}

// parseDay returns the range of day in the time zone tz.  Empty tz means UTC.
func parseDay(day, tz string) (r storage.Range, err error) {
	loc := time.UTC
	if tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return storage.Range{}, fmt.Errorf("bad tz: %w", err)
		}
	}

	t, err := time.ParseInLocation(dayFormat, day, loc)
	if err != nil {
		return storage.Range{}, fmt.Errorf("bad day: %w", err)
	}

	return storage.Day(t), nil
}
