package maintenance

import (
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// staggered holds back the first run of an interval job; later runs follow
// the plain interval.
type staggered struct {
	every cron.ConstantDelaySchedule
	first time.Time
}

func (s staggered) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.every.Next(t)
}

// staggerInterval returns an interval schedule whose first run lands up to
// min(every, 30s) late. The offset is whole seconds, like cron.Every.
func staggerInterval(every time.Duration, now time.Time) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	secs := int64(min(every, maxStartupSpread) / time.Second)
	if secs <= 0 {
		return base, 0
	}
	offset := time.Duration(rand.N(secs)) * time.Second
	return staggered{every: base, first: base.Next(now).Add(offset)}, offset
}
