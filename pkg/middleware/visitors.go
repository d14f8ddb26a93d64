package middleware

import (
	"sync"
	"time"

	"github.com/axiomhq/hyperloglog"
)

// dayHours contains the number of hours in a day for convenience.
const dayHours = 24

// Visitors estimates the number of distinct identities seen during the last
// hour and the last day.  Identities are kept in one HyperLogLog sketch per
// hour of the day.
type Visitors struct {
	// mu protects all fields below.
	mu *sync.Mutex

	// hourly contains a sketch for each hour of the day.  The index is the
	// Unix hour modulo dayHours.
	hourly []*hyperloglog.Sketch

	// stamps are the Unix hours the sketches in hourly belong to.
	stamps []int64

	// lastUpdate is the Unix second the gauges were last updated.
	lastUpdate int64
}

// NewVisitors returns a new *Visitors.
func NewVisitors() (v *Visitors) {
	return &Visitors{
		mu:         &sync.Mutex{},
		hourly:     make([]*hyperloglog.Sketch, dayHours),
		stamps:     make([]int64, dayHours),
		lastUpdate: -1,
	}
}

// Record adds identity seen at t.  The gauges are updated at most once per
// second.
func (v *Visitors) Record(identity string, t time.Time) {
	hour := t.Unix() / 3600
	i := hour % dayHours

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.hourly[i] == nil || v.stamps[i] != hour {
		v.hourly[i] = hyperloglog.New()
		v.stamps[i] = hour
	}

	v.hourly[i].Insert([]byte(identity))

	if sec := t.Unix(); sec != v.lastUpdate {
		v.lastUpdate = sec
		hourly, daily := v.estimate(hour)
		visitorsLastHour.Set(float64(hourly))
		visitorsLastDay.Set(float64(daily))
	}
}

// Estimate returns the approximate numbers of identities seen during the hour
// and the day before now.
func (v *Visitors) Estimate(now time.Time) (hourly, daily uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.estimate(now.Unix() / 3600)
}

// estimate merges the sketches of the day up to hour.  v.mu must be locked.
func (v *Visitors) estimate(hour int64) (hourly, daily uint64) {
	day := hyperloglog.New()
	for i, sk := range v.hourly {
		if sk == nil || v.stamps[i] > hour || v.stamps[i] <= hour-dayHours {
			continue
		}

		// The sketches have the same precision, so merging can't fail.
		_ = day.Merge(sk)

		if v.stamps[i] == hour {
			hourly = sk.Estimate()
		}
	}

	return hourly, day.Estimate()
}
