package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"melutils/internal/scheduler"
)

func TestNextBirthdayLeapDay(t *testing.T) {
	t.Parallel()
	born := time.Date(2000, 2, 29, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		now  time.Time
		want time.Time
	}{
		{time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 29, 12, 0, 0, 0, time.UTC)},
		{time.Date(2024, 2, 29, 12, 0, 0, 0, time.UTC), time.Date(2028, 2, 29, 12, 0, 0, 0, time.UTC)},
		{time.Date(2097, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2104, 2, 29, 12, 0, 0, 0, time.UTC)},
		{time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC), born},
	}
	for _, tt := range tests {
		if got := NextBirthday(born, tt.now); !got.Equal(tt.want) {
			t.Fatalf("NextBirthday(%s, %s) = %s, want %s", born, tt.now, got, tt.want)
		}
	}
}

func TestProperty_BirthdayFollowUps(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	start := time.Date(1950, 1, 1, 0, 0, 0, 0, time.UTC)
	day := int64(24 * time.Hour / time.Second)

	properties.Property("next birthday is a real later anniversary", prop.ForAll(
		func(bornDays, ageDays int64, leap bool) bool {
			born := start.Add(time.Duration(bornDays*day) * time.Second)
			if leap {
				born = time.Date(1952+4*int(bornDays%12), 2, 29, 6, 0, 0, 0, time.UTC)
			}
			now := born.Add(time.Duration(ageDays*day) * time.Second)
			next := NextBirthday(born, now)
			if !next.After(now) || next.Month() != born.Month() || next.Day() != born.Day() {
				return false
			}
			// No valid anniversary is skipped between now and next.
			for y := now.Year(); y < next.Year(); y++ {
				d := time.Date(y, born.Month(), born.Day(), born.Hour(), 0, 0, 0, time.UTC)
				if d.Month() == born.Month() && d.After(now) {
					return false
				}
			}
			return true
		},
		gen.Int64Range(0, 365*60),
		gen.Int64Range(1, 365*80),
		gen.Bool(),
	))

	properties.Property("birthday handler schedules exactly one birthday and one cleanup", prop.ForAll(
		func(ageDays int64) bool {
			born := time.Date(1996, 2, 29, 8, 0, 0, 0, time.UTC)
			now := born.Add(time.Duration(ageDays*day) * time.Second)
			client, store, ml := newFixture()
			h := New(client, store, ml, WithClock(clockwork.NewFakeClockAt(now)))
			sched := &recSched{}
			if err := h.Handle(context.Background(), sched, scheduler.Birthday{User: 10, Birthday: scheduler.NewTimestamp(born)}); err != nil {
				return false
			}
			calls := sched.take()
			if len(calls) != 2 {
				return false
			}
			b, ok := calls[0].ev.(scheduler.Birthday)
			_, cleanup := calls[1].ev.(scheduler.DelBirthdayChannel)
			return ok && cleanup &&
				b.Birthday.Equal(born) &&
				calls[0].at.After(now) && calls[0].at.Month() == time.February && calls[0].at.Day() == 29 &&
				calls[1].at.Equal(now.Add(24*time.Hour))
		},
		gen.Int64Range(1, 365*100),
	))

	properties.TestingRun(t)
}
